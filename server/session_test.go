package main

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// makeTestHub builds a hub shell with observable channels and no running
// goroutine; tests read joins and routes directly.
func makeTestHub() *Hub {
	return &Hub{
		join:  make(chan *sessionJoin, 8),
		route: make(chan *hubRoute, 8),
	}
}

func TestDispatchSubscribe(t *testing.T) {
	globals.hub = makeTestHub()
	s := makeRPCSession("s1")

	s.dispatchRaw([]byte(`{"type":"subscribe","content":{"topic_name":"doc","type":"string"}}`))

	join := <-globals.hub.join
	if join.sess != s || join.pkt.TopicName != "doc" || join.pkt.Type != "string" {
		t.Fatalf("unexpected join %+v", join.pkt)
	}
}

func TestDispatchSubscribeEmptyTopic(t *testing.T) {
	globals.hub = makeTestHub()
	s := makeRPCSession("s1")

	s.dispatchRaw([]byte(`{"type":"subscribe","content":{}}`))

	select {
	case join := <-globals.hub.join:
		t.Fatalf("join with an empty topic name forwarded: %+v", join.pkt)
	default:
	}
}

func TestDispatchUpdateRouted(t *testing.T) {
	globals.hub = makeTestHub()
	s := makeRPCSession("s1")

	// Not subscribed: the update goes through the hub by name.
	s.dispatchRaw([]byte(`{"type":"update","content":{"topic_name":"counter",` +
		`"change":{"type":"add","id":"c1","base_version":3,"value":1}}}`))

	r := <-globals.hub.route
	if r.topicName != "counter" || r.upd.sess != s {
		t.Fatalf("unexpected route %+v", r)
	}
	ch := r.upd.change
	if ch.Kind != "add" || ch.ID != "c1" || ch.BaseVersion != 3 || ch.Value != float64(1) {
		t.Fatalf("unexpected change %+v", ch)
	}
}

func TestDispatchUpdateSubscribed(t *testing.T) {
	globals.hub = makeTestHub()
	s := makeRPCSession("s1")

	upd := make(chan *topicUpdate, 1)
	s.addSub("counter", &Subscription{upd: upd})

	s.dispatchRaw([]byte(`{"type":"update","content":{"topic_name":"counter",` +
		`"change":{"type":"add","base_version":0,"value":1}}}`))

	// Delivered directly to the subscribed topic, not routed.
	u := <-upd
	if u.sess != s || u.change.Kind != "add" {
		t.Fatalf("unexpected update %+v", u)
	}
	select {
	case r := <-globals.hub.route:
		t.Fatalf("update for a subscribed topic was routed: %+v", r)
	default:
	}
}

func TestDispatchUnsubscribe(t *testing.T) {
	globals.hub = makeTestHub()
	s := makeRPCSession("s1")

	done := make(chan *sessionLeave, 1)
	s.addSub("doc", &Subscription{done: done})

	s.dispatchRaw([]byte(`{"type":"unsubscribe","content":{"topic_name":"doc"}}`))

	leave := <-done
	if leave.sess != s {
		t.Fatal("leave signal carries the wrong session")
	}
	if s.getSub("doc") != nil {
		t.Fatal("subscription record not removed")
	}

	// Unsubscribing again is a no-op.
	s.dispatchRaw([]byte(`{"type":"unsubscribe","content":{"topic_name":"doc"}}`))
	select {
	case <-done:
		t.Fatal("repeated unsubscribe signaled the topic again")
	default:
	}
}

func TestDispatchMalformed(t *testing.T) {
	globals.hub = makeTestHub()
	s := makeRPCSession("s1")

	// Neither may panic nor produce any traffic.
	s.dispatchRaw([]byte(`{not json`))
	s.dispatchRaw([]byte(`{"type":"frobnicate","content":{}}`))
	s.dispatchRaw([]byte(`{}`))

	select {
	case join := <-globals.hub.join:
		t.Fatalf("malformed input produced a join: %+v", join)
	case r := <-globals.hub.route:
		t.Fatalf("malformed input produced a route: %+v", r)
	default:
	}
	assertNoMessage(t, s)
}

func TestDispatchRegisterService(t *testing.T) {
	globals.services = NewServiceRegistry()
	owner := makeRPCSession("owner")
	other := makeRPCSession("other")

	owner.dispatchRaw([]byte(`{"type":"register_service","content":{"service_name":"login"}}`))
	if globals.services.owner("login") != owner {
		t.Fatal("service not registered to the session")
	}
	assertNoMessage(t, owner)

	// Second claimant is turned away.
	other.dispatchRaw([]byte(`{"type":"register_service","content":{"service_name":"login"}}`))
	msg := (<-other.send).(*ServerComMessage)
	if msg.RejRegSvc == nil || msg.RejRegSvc.Reason != reasonServiceAlreadyRegistered {
		t.Fatalf("expected a registration rejection, got %+v", msg)
	}
	if globals.services.owner("login") != owner {
		t.Fatal("rejected registration changed ownership")
	}

	// Unregister by a non-owner is ignored.
	other.dispatchRaw([]byte(`{"type":"unregister_service","content":{"service_name":"login"}}`))
	if globals.services.owner("login") != owner {
		t.Fatal("non-owner unregister changed ownership")
	}

	owner.dispatchRaw([]byte(`{"type":"unregister_service","content":{"service_name":"login"}}`))
	if globals.services.owner("login") != nil {
		t.Fatal("owner unregister did not release the service")
	}
}

func TestDispatchRequestResponse(t *testing.T) {
	globals.services = NewServiceRegistry()
	globals.rpc = NewRPCRouter(time.Minute)

	owner := makeRPCSession("owner")
	caller := makeRPCSession("caller")
	globals.services.register("echo", owner)

	caller.dispatchRaw([]byte(`{"type":"request","content":{"service_name":"echo",` +
		`"args":{"text":"hi"},"request_id":"r1"}}`))

	fwd := (<-owner.send).(*ServerComMessage)
	if fwd.Req == nil || fwd.Req.RequestID != "r1" || fwd.Req.Args["text"] != "hi" {
		t.Fatalf("unexpected forwarded request %+v", fwd)
	}

	owner.dispatchRaw([]byte(`{"type":"response","content":{"response":"hi","request_id":"r1"}}`))

	resp := recvResp(t, caller)
	if resp.Response != "hi" || resp.RequestID != "r1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	globals.hub = makeTestHub()
	s := makeRPCSession("s1")
	s.limiter = rate.NewLimiter(rate.Limit(1), 1)

	s.dispatchRaw([]byte(`{"type":"subscribe","content":{"topic_name":"doc"}}`))
	// Burst exhausted: the second envelope is dropped.
	s.dispatchRaw([]byte(`{"type":"subscribe","content":{"topic_name":"doc2"}}`))

	<-globals.hub.join
	select {
	case join := <-globals.hub.join:
		t.Fatalf("rate-limited envelope was dispatched: %+v", join.pkt)
	default:
	}
}

func TestSessionCleanUp(t *testing.T) {
	var err error
	globals.sessionStore, err = NewSessionStore(1)
	if err != nil {
		t.Fatal(err)
	}
	globals.services = NewServiceRegistry()
	globals.rpc = NewRPCRouter(time.Minute)
	globals.hub = makeTestHub()

	s, _ := globals.sessionStore.NewSession(nil)
	s.subs = make(map[string]*Subscription)
	s.send = make(chan any, 32)

	// A topic subscription, an owned service and calls on both sides.
	leave := make(chan *sessionLeave, 1)
	s.addSub("doc", &Subscription{done: leave})
	globals.services.register("svc", s)

	other := makeRPCSession("other")
	globals.services.register("othersvc", other)
	globals.rpc.call(other, &MsgClientReq{ServiceName: "svc", RequestID: "r1"})
	<-s.send
	globals.rpc.call(s, &MsgClientReq{ServiceName: "othersvc", RequestID: "r2"})
	<-other.send

	s.cleanUp()

	if globals.sessionStore.Get(s.sid) != nil {
		t.Error("session still in the store")
	}
	if (<-leave).sess != s {
		t.Error("topic not signaled about the departure")
	}
	if globals.services.owner("svc") != nil {
		t.Error("owned service not released")
	}
	// The call served by the departed session fails over to its caller.
	if resp := recvResp(t, other); resp.Error != reasonServiceUnavailable || resp.RequestID != "r1" {
		t.Errorf("unexpected failover response %+v", resp)
	}
	// The departed session's own call is discarded; a late answer goes
	// nowhere.
	globals.rpc.resolve(other, &MsgClientResp{Response: "late", RequestID: "r2"})
	assertNoMessage(t, other)
}

// A subscribe still queued when the connection drops must not attach the
// dead session: its cleanup has already run and nothing would ever remove
// it from the topic's broadcast set.
func TestJoinAfterDisconnect(t *testing.T) {
	var err error
	globals.sessionStore, err = NewSessionStore(1)
	if err != nil {
		t.Fatal(err)
	}
	globals.services = NewServiceRegistry()
	globals.rpc = NewRPCRouter(time.Minute)
	globals.hub = makeTestHub()

	s, _ := globals.sessionStore.NewSession(nil)
	s.subs = make(map[string]*Subscription)
	s.send = make(chan any, 32)

	s.cleanUp()

	topic := makeTestTopic("doc", "string")
	topic.handleJoin(&sessionJoin{pkt: &MsgClientSub{TopicName: "doc"}, sess: s})

	if topic.sessions[s] {
		t.Fatal("terminated session attached as a subscriber")
	}
	if s.getSub("doc") != nil {
		t.Fatal("terminated session holds a subscription record")
	}
	// No snapshot either: the connection is gone.
	assertNoMessage(t, s)

	// A live session still joins normally.
	s2 := makeRPCSession("s2")
	topic.handleJoin(&sessionJoin{pkt: &MsgClientSub{TopicName: "doc"}, sess: s2})
	if !topic.sessions[s2] || s2.getSub("doc") == nil {
		t.Fatal("live session not attached")
	}
}

func TestSessionStoreLifecycle(t *testing.T) {
	ss, err := NewSessionStore(2)
	if err != nil {
		t.Fatal(err)
	}

	s1, count := ss.NewSession(nil)
	if count != 1 {
		t.Errorf("expected 1 live session, got %d", count)
	}
	s2, count := ss.NewSession(nil)
	if count != 2 {
		t.Errorf("expected 2 live sessions, got %d", count)
	}
	if s1.sid == "" || s1.sid == s2.sid {
		t.Errorf("session ids must be unique and non-empty: %q %q", s1.sid, s2.sid)
	}

	if ss.Get(s1.sid) != s1 {
		t.Error("lookup by sid failed")
	}
	if left := ss.Delete(s1); left != 1 {
		t.Errorf("expected 1 session left, got %d", left)
	}
	if ss.Get(s1.sid) != nil {
		t.Error("deleted session still retrievable")
	}
}
