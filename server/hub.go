package main

/******************************************************************************
 *
 *  Description :
 *
 *    The hub maintains the topic registry: lazy creation of topics on first
 *    subscribe, routing of updates for topics the submitter is not attached
 *    to, and orderly topic shutdown.
 *
 *****************************************************************************/

import (
	"sync"

	"github.com/topicsync/topicsync/server/logs"
)

// hubRoute is an update for a topic addressed by name. Used when the
// submitting session holds no subscription to the topic.
type hubRoute struct {
	topicName string
	upd       *topicUpdate
}

// Hub is the core structure which holds topics.
type Hub struct {
	// Topics indexed by name.
	topics *sync.Map

	// Subscribe a session to a topic, possibly creating it, buffered = 32.
	join chan *sessionJoin

	// Updates for topics the origin session is not attached to, buffered = 256.
	route chan *hubRoute

	// Request to shut down, unbuffered.
	shutdown chan chan<- bool
}

func (h *Hub) topicGet(name string) *Topic {
	if t, ok := h.topics.Load(name); ok {
		return t.(*Topic)
	}
	return nil
}

func newHub() *Hub {
	h := &Hub{
		topics:   &sync.Map{},
		join:     make(chan *sessionJoin, 32),
		route:    make(chan *hubRoute, 256),
		shutdown: make(chan chan<- bool),
	}

	go h.run()

	// The server status topic exists from startup so clients can subscribe
	// before the first status transition.
	h.startTopic(statusTopicName, topicTypes["string"])
	h.setStatus("ok")

	return h
}

// startTopic creates and publishes a topic. Called from the hub goroutine,
// except during initialization when no session can race it.
func (h *Hub) startTopic(name string, tt *topicType) *Topic {
	t := newTopic(name, tt)
	h.topics.Store(name, t)
	go t.run()
	statsInc("LiveTopics", 1)
	statsInc("TotalTopics", 1)
	return t
}

// setStatus updates the reserved server status topic.
func (h *Hub) setStatus(status string) {
	if t := h.topicGet(statusTopicName); t != nil {
		t.upd <- &topicUpdate{change: &MsgChange{
			Kind:  "set",
			ID:    nextID(),
			Value: status,
		}}
	}
}

func (h *Hub) run() {
	for {
		select {
		case join := <-h.join:
			t := h.topicGet(join.pkt.TopicName)
			if t == nil {
				tt := topicTypes[join.pkt.Type]
				if tt == nil {
					join.sess.queueOut(&ServerComMessage{RejUpdate: &MsgServerRejectUpdate{
						TopicName: join.pkt.TopicName,
						Reason:    reasonTypeMismatch,
						Detail:    "unknown topic type " + join.pkt.Type,
					}})
					continue
				}
				t = h.startTopic(join.pkt.TopicName, tt)
			}
			// The topic goroutine checks the declared type and replies.
			t.reg <- join

		case r := <-h.route:
			if t := h.topicGet(r.topicName); t != nil {
				t.upd <- r.upd
			} else if r.upd.sess != nil {
				r.upd.sess.queueOut(&ServerComMessage{RejUpdate: &MsgServerRejectUpdate{
					TopicName: r.topicName,
					Reason:    reasonInvalidPayload,
					Detail:    "no such topic",
				}})
			} else {
				logs.Warn.Println("hub: dropping server update for unknown topic", r.topicName)
			}

		case hubdone := <-h.shutdown:
			topicsdone := make(chan bool)
			topicCount := 0
			h.topics.Range(func(_, t any) bool {
				t.(*Topic).exit <- &shutDown{done: topicsdone}
				topicCount++
				return true
			})
			for i := 0; i < topicCount; i++ {
				<-topicsdone
			}

			logs.Info.Printf("hub shutdown completed with %d topics", topicCount)
			hubdone <- true
			return
		}
	}
}
