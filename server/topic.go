package main

/******************************************************************************
 *
 *  Description :
 *    A topic is a named, versioned value synchronized to subscribers. Each
 *    topic is owned by a single goroutine which serializes subscription
 *    snapshots and change application; topics never block each other.
 *
 *****************************************************************************/

import (
	"strings"

	"github.com/topicsync/topicsync/server/logs"
)

// Name prefix of server-managed topics. Clients may subscribe to them but
// never directly mutate them.
const reservedPrefix = "_topicsync/"

// Name of the server status topic, a reserved string topic.
const statusTopicName = reservedPrefix + "status"

// Topic is a shared value with a declared type, a version counter and a set
// of subscribed sessions. All fields are owned by the topic's run goroutine
// after the hub publishes the topic; ttype and name are immutable.
type Topic struct {
	// Unique name of the topic.
	name string
	// Declared value type, fixed at creation.
	ttype *topicType

	// Current materialized value: the fold of all committed changes.
	value any
	// Incremented exactly once per committed change.
	version int64

	// Sessions subscribed to this topic.
	sessions map[*Session]bool

	// Subscribe requests, buffered = 32.
	reg chan *sessionJoin
	// Unsubscribe requests, buffered = 32.
	unreg chan *sessionLeave
	// Proposed changes from sessions or the server, buffered = 256.
	upd chan *topicUpdate
	// Termination request, buffered = 1.
	exit chan *shutDown
}

// sessionJoin is a request to attach a session to a topic, creating the
// topic when needed.
type sessionJoin struct {
	pkt  *MsgClientSub
	sess *Session
}

// sessionLeave is a request to detach a session from a topic.
type sessionLeave struct {
	sess *Session
}

// topicUpdate is one proposed change. A nil sess marks a server-originated
// change which bypasses the reserved-namespace and base-version checks.
type topicUpdate struct {
	sess   *Session
	change *MsgChange
}

// shutDown asks the topic goroutine to exit; done, if set, is signaled when
// it has.
type shutDown struct {
	done chan<- bool
}

func newTopic(name string, tt *topicType) *Topic {
	return &Topic{
		name:     name,
		ttype:    tt,
		value:    tt.defValue(),
		sessions: make(map[*Session]bool),
		reg:      make(chan *sessionJoin, 32),
		unreg:    make(chan *sessionLeave, 32),
		upd:      make(chan *topicUpdate, 256),
		exit:     make(chan *shutDown, 1),
	}
}

func isReservedTopicName(name string) bool {
	return strings.HasPrefix(name, reservedPrefix)
}

func (t *Topic) run() {
	for {
		select {
		case join := <-t.reg:
			t.handleJoin(join)

		case leave := <-t.unreg:
			// Idempotent: unknown sessions fall through silently.
			delete(t.sessions, leave.sess)

		case upd := <-t.upd:
			t.handleUpdate(upd)

		case sd := <-t.exit:
			if sd.done != nil {
				sd.done <- true
			}
			return
		}
	}
}

// handleJoin attaches the session and sends it the current value so it can
// initialize its local view. Because membership and the snapshot are
// handled by the same goroutine that commits changes, the subscriber misses
// no update and receives none twice.
func (t *Topic) handleJoin(join *sessionJoin) {
	if join.pkt.Type != "" && join.pkt.Type != t.ttype.name {
		join.sess.queueOut(&ServerComMessage{RejUpdate: &MsgServerRejectUpdate{
			TopicName: t.name,
			Reason:    reasonTypeMismatch,
			Detail:    "topic is of type " + t.ttype.name,
			Version:   t.version,
		}})
		return
	}

	if !join.sess.addSub(t.name, &Subscription{upd: t.upd, done: t.unreg}) {
		// The connection dropped while its join was in flight. Attaching it
		// would leak a dead broadcast target: its cleanup has already run
		// and will not come back for this topic.
		logs.Info.Println("topic: join from a terminated session dropped", t.name, join.sess.sid)
		return
	}
	t.sessions[join.sess] = true

	join.sess.queueOut(&ServerComMessage{Update: &MsgServerUpdate{
		TopicName: t.name,
		Change: &MsgChange{
			Kind:        "set",
			ID:          nextID(),
			BaseVersion: t.version,
			Value:       cloneValue(t.value),
		},
		Version: t.version,
	}})
}

// handleUpdate validates one proposed change and either commits and
// broadcasts it or rejects it back to the submitter. Rejection never
// mutates value or version.
func (t *Topic) handleUpdate(upd *topicUpdate) {
	ch := upd.change
	if ch == nil {
		t.reject(upd, reasonInvalidPayload, "missing change")
		return
	}

	if upd.sess != nil {
		if isReservedTopicName(t.name) {
			t.reject(upd, reasonInvalidPayload, "reserved topic")
			return
		}
		if ch.BaseVersion != t.version {
			t.reject(upd, reasonStaleVersion, "")
			return
		}
	}

	next, err := t.ttype.apply(t.value, ch)
	if err != nil {
		t.reject(upd, reasonInvalidPayload, err.Error())
		return
	}

	t.value = next
	t.version++
	statsInc("CommittedChangesTotal", 1)

	out := &ServerComMessage{Update: &MsgServerUpdate{
		TopicName: t.name,
		Change:    ch,
		Version:   t.version,
	}}
	// Delivery order equals commit order: this loop runs on the only
	// goroutine that commits to the topic, and each session's send queue
	// preserves order. The submitter receives the echo as its commit
	// confirmation.
	for sess := range t.sessions {
		sess.queueOut(out)
	}
}

// reject notifies the submitter only; other subscribers never see failed
// changes. Server-originated updates have no one to notify.
func (t *Topic) reject(upd *topicUpdate, reason, detail string) {
	statsInc("RejectedChangesTotal", 1)
	if upd.sess == nil {
		logs.Err.Println("topic: server update rejected:", t.name, reason, detail)
		return
	}

	var inv *MsgChange
	if upd.change != nil {
		var ok bool
		if inv, ok = t.ttype.inverse(upd.change); ok {
			inv.ID = nextID()
			inv.BaseVersion = t.version
		} else {
			// The inverse cannot be derived from the change alone; send a
			// corrective set of the authoritative value instead.
			inv = &MsgChange{
				Kind:        "set",
				ID:          nextID(),
				BaseVersion: t.version,
				Value:       cloneValue(t.value),
			}
		}
	}

	upd.sess.queueOut(&ServerComMessage{RejUpdate: &MsgServerRejectUpdate{
		TopicName: t.name,
		Change:    inv,
		Reason:    reason,
		Detail:    detail,
		Version:   t.version,
	}})
}
