package main

import (
	"testing"
	"time"
)

// waitForStatus reads updates until the topic value reaches want.
func waitForStatus(t *testing.T, s *Session, want string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-s.send:
			upd := msg.(*ServerComMessage).Update
			if upd == nil {
				t.Fatalf("expected an update, got %+v", msg)
			}
			if upd.Change.Value == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestHubLazyTopicCreation(t *testing.T) {
	h := newHub()
	globals.hub = h
	s := makeRPCSession("s1")

	h.join <- &sessionJoin{pkt: &MsgClientSub{TopicName: "counter", Type: "int"}, sess: s}

	// The snapshot of the fresh topic arrives with the type's default value.
	msg := (<-s.send).(*ServerComMessage)
	if msg.Update == nil || msg.Update.TopicName != "counter" {
		t.Fatalf("expected a snapshot, got %+v", msg)
	}
	if msg.Update.Version != 0 || msg.Update.Change.Value != int64(0) {
		t.Errorf("fresh int topic must start at 0 version 0, got %+v", msg.Update)
	}
	if h.topicGet("counter") == nil {
		t.Fatal("topic not registered with the hub")
	}

	// A second subscriber with a conflicting declared type is rejected by
	// the existing topic.
	s2 := makeRPCSession("s2")
	h.join <- &sessionJoin{pkt: &MsgClientSub{TopicName: "counter", Type: "string"}, sess: s2}
	msg = (<-s2.send).(*ServerComMessage)
	if msg.RejUpdate == nil || msg.RejUpdate.Reason != reasonTypeMismatch {
		t.Fatalf("expected a type_mismatch rejection, got %+v", msg)
	}

	hubdone := make(chan bool)
	h.shutdown <- hubdone
	<-hubdone
}

func TestHubUnknownTopicType(t *testing.T) {
	h := newHub()
	globals.hub = h
	s := makeRPCSession("s1")

	h.join <- &sessionJoin{pkt: &MsgClientSub{TopicName: "doc", Type: "blob"}, sess: s}

	msg := (<-s.send).(*ServerComMessage)
	if msg.RejUpdate == nil || msg.RejUpdate.Reason != reasonTypeMismatch {
		t.Fatalf("expected a type_mismatch rejection, got %+v", msg)
	}
	if h.topicGet("doc") != nil {
		t.Fatal("topic of an unknown type must not be created")
	}

	hubdone := make(chan bool)
	h.shutdown <- hubdone
	<-hubdone
}

func TestHubRouteToMissingTopic(t *testing.T) {
	h := newHub()
	globals.hub = h
	s := makeRPCSession("s1")

	h.route <- &hubRoute{topicName: "ghost", upd: &topicUpdate{
		sess:   s,
		change: &MsgChange{Kind: "set", Value: "x"},
	}}

	msg := (<-s.send).(*ServerComMessage)
	if msg.RejUpdate == nil || msg.RejUpdate.Reason != reasonInvalidPayload {
		t.Fatalf("expected an invalid_payload rejection, got %+v", msg)
	}
	if h.topicGet("ghost") != nil {
		t.Fatal("update must not create a topic")
	}

	hubdone := make(chan bool)
	h.shutdown <- hubdone
	<-hubdone
}

func TestHubStatusTopic(t *testing.T) {
	h := newHub()
	globals.hub = h
	s := makeRPCSession("s1")

	if h.topicGet(statusTopicName) == nil {
		t.Fatal("status topic must exist from startup")
	}

	// The initial "ok" may land before or after the join; accept the
	// snapshot either way, but the subscriber must converge on "ok".
	h.join <- &sessionJoin{pkt: &MsgClientSub{TopicName: statusTopicName}, sess: s}
	waitForStatus(t, s, "ok")

	h.setStatus("shutdown")
	waitForStatus(t, s, "shutdown")

	hubdone := make(chan bool)
	h.shutdown <- hubdone
	<-hubdone
}