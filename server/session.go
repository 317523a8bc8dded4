/******************************************************************************
 *
 *  Description :
 *
 *  Handling of client connections. A session is the server-side end of one
 *  connection: it owns the connection's identity, its subscription set and
 *  its outbound queue, and dispatches inbound envelopes to the hub, the
 *  service registry and the RPC router.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/topicsync/topicsync/server/logs"
)

// Wire transport.
const (
	NONE = iota
	WEBSOCK
)

// Session represents a single client connection.
type Session struct {
	// Protocol - NONE (unset) or WEBSOCK.
	proto int

	// Websocket. Set only for websocket sessions.
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// Session ID, also the connection identity announced in {hello}.
	sid string

	// Outbound messages, buffered. Contains *ServerComMessage or
	// pre-serialized []byte.
	send chan any

	// Channel for shutting down the session, buffer 1.
	// Content in the same format as for 'send'.
	stop chan any

	// Inbound envelope rate limiter. Nil disables limiting.
	limiter *rate.Limiter

	// Map of topic subscriptions, indexed by topic name.
	// Don't access directly. Use getters/setters.
	subs map[string]*Subscription
	// Mutex for subs access: both topic goroutines and the network
	// goroutine access subs concurrently.
	subsLock sync.RWMutex
	// Set once the session's cleanup has started. A join or a call racing
	// the disconnect must see it and refuse the dead session. Guarded by
	// subsLock.
	terminated bool
}

// Subscription is a mapper of sessions to topics.
type Subscription struct {
	// Channel to propose changes to the topic, copy of Topic.upd.
	upd chan<- *topicUpdate

	// Session sends a signal to the topic when it unsubscribes, copy of
	// Topic.unreg.
	done chan<- *sessionLeave
}

// addSub records the subscription. Returns false without recording when the
// session is already terminated; the topic must then not attach it.
func (s *Session) addSub(topic string, sub *Subscription) bool {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	if s.terminated {
		return false
	}
	s.subs[topic] = sub
	return true
}

func (s *Session) isTerminated() bool {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	return s.terminated
}

func (s *Session) getSub(topic string) *Subscription {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	return s.subs[topic]
}

func (s *Session) delSub(topic string) *Subscription {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	sub := s.subs[topic]
	delete(s.subs, topic)
	return sub
}

func (s *Session) unsubAll() {
	s.subsLock.Lock()
	s.terminated = true
	subs := s.subs
	s.subs = make(map[string]*Subscription)
	s.subsLock.Unlock()

	// Signal outside the lock: topic goroutines take the same lock in
	// addSub while this session's leave may still be queued behind a join.
	for _, sub := range subs {
		// sub.done is the same as topic.unreg
		sub.done <- &sessionLeave{sess: s}
	}
}

// queueOut attempts to send a ServerComMessage to the session; if the send
// buffer is full, timeout is 50 usec.
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil {
		return true
	}

	select {
	case s.send <- msg:
	case <-time.After(time.Microsecond * 50):
		logs.Err.Println("s.queueOut: timeout", s.sid)
		return false
	}
	return true
}

// cleanUp releases all resources of a disconnected session: subscriptions
// are withdrawn from their topics, owned services are unregistered and
// in-flight calls involving this session are resolved. Incomplete cleanup
// would leak broadcast targets or wedge callers forever.
func (s *Session) cleanUp() {
	globals.sessionStore.Delete(s)
	statsInc("LiveSessions", -1)
	s.unsubAll()
	globals.services.unregisterAll(s)
	globals.rpc.sessionGone(s)
}

// dispatchRaw converts bytes to a ClientComMessage and dispatches it.
func (s *Session) dispatchRaw(raw []byte) {
	if s.limiter != nil && !s.limiter.Allow() {
		logs.Warn.Println("s.dispatch: inbound rate limit exceeded, dropping", s.sid)
		return
	}

	var msg ClientComMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Malformed envelope: a connection-local protocol error.
		logs.Err.Println("s.dispatch:", err, s.sid)
		return
	}

	s.dispatch(&msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	switch {
	case msg.Sub != nil:
		s.subscribe(msg.Sub)
	case msg.Unsub != nil:
		s.unsubscribe(msg.Unsub)
	case msg.Update != nil:
		s.update(msg.Update)
	case msg.RegSvc != nil:
		s.registerService(msg.RegSvc)
	case msg.UnregSvc != nil:
		s.unregisterService(msg.UnregSvc)
	case msg.Req != nil:
		globals.rpc.call(s, msg.Req)
	case msg.Resp != nil:
		globals.rpc.resolve(s, msg.Resp)
	default:
		logs.Err.Println("s.dispatch: empty envelope", s.sid)
	}
}

// Request to subscribe to a topic, creating it when absent. A repeated
// subscribe re-sends the snapshot; membership does not change.
func (s *Session) subscribe(pkt *MsgClientSub) {
	if pkt.TopicName == "" {
		logs.Err.Println("s.subscribe: empty topic name", s.sid)
		return
	}
	// The hub (and then the topic) replies to the session.
	globals.hub.join <- &sessionJoin{pkt: pkt, sess: s}
}

// Unsubscribe from a topic. Idempotent: unknown topics are a no-op.
func (s *Session) unsubscribe(pkt *MsgClientUnsub) {
	if sub := s.delSub(pkt.TopicName); sub != nil {
		sub.done <- &sessionLeave{sess: s}
	}
}

// Propose a change to a topic. Subscribed topics are reached through the
// subscription's channel; others are routed by name through the hub.
func (s *Session) update(pkt *MsgClientUpdate) {
	upd := &topicUpdate{sess: s, change: pkt.Change}
	if sub := s.getSub(pkt.TopicName); sub != nil {
		sub.upd <- upd
	} else {
		globals.hub.route <- &hubRoute{topicName: pkt.TopicName, upd: upd}
	}
}

func (s *Session) registerService(pkt *MsgClientRegSvc) {
	if err := globals.services.register(pkt.ServiceName, s); err != nil {
		s.queueOut(&ServerComMessage{RejRegSvc: &MsgServerRejectRegSvc{
			ServiceName: pkt.ServiceName,
			Reason:      reasonServiceAlreadyRegistered,
		}})
	}
}

func (s *Session) unregisterService(pkt *MsgClientUnregSvc) {
	if !globals.services.unregister(pkt.ServiceName, s) {
		// Not owned by this session: connection-local protocol error.
		logs.Warn.Println("s.unregisterService: not the owner of", pkt.ServiceName, s.sid)
	}
}
