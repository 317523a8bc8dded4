package main

/******************************************************************************
 *
 *  Description :
 *
 *    Service ownership and request/response correlation. A service is a
 *    named remote procedure owned by exactly one connection; calls from
 *    other connections are forwarded to the owner and the answer is relayed
 *    back to the caller, matched by request id. Every pending call
 *    terminates: by a response, by the configured timeout, or by a
 *    disconnect on either side.
 *
 *****************************************************************************/

import (
	"sync"
	"time"

	"github.com/topicsync/topicsync/server/logs"
)

// ServiceRegistry maps service names to their owning sessions.
//
// Ownership conflict policy: a registration for a name owned by another live
// connection is rejected with ServiceAlreadyRegistered. Re-registration by
// the current owner is a no-op. Ownership transfer requires the owner to
// unregister (or disconnect) first.
type ServiceRegistry struct {
	lock sync.Mutex

	services map[string]*Session
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]*Session)}
}

func (sr *ServiceRegistry) register(name string, sess *Session) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	if owner, ok := sr.services[name]; ok && owner != sess {
		return errServiceAlreadyRegistered
	}
	sr.services[name] = sess
	statsInc("RegisteredServices", 1)
	return nil
}

// unregister releases the name only when sess is the current owner.
func (sr *ServiceRegistry) unregister(name string, sess *Session) bool {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	if sr.services[name] != sess {
		return false
	}
	delete(sr.services, name)
	statsInc("RegisteredServices", -1)
	return true
}

// unregisterAll releases every service owned by the session.
func (sr *ServiceRegistry) unregisterAll(sess *Session) {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	for name, owner := range sr.services {
		if owner == sess {
			delete(sr.services, name)
			statsInc("RegisteredServices", -1)
		}
	}
}

func (sr *ServiceRegistry) owner(name string) *Session {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	return sr.services[name]
}

var errServiceAlreadyRegistered = &registryError{reasonServiceAlreadyRegistered}

type registryError struct {
	reason string
}

func (e *registryError) Error() string {
	return e.reason
}

// pendingCall is one in-flight service request.
type pendingCall struct {
	id      string
	service string
	caller  *Session
	callee  *Session
	timer   *time.Timer
}

// RPCRouter correlates forwarded requests with their eventual responses.
type RPCRouter struct {
	lock sync.Mutex

	pending map[string]*pendingCall

	// Zero disables call expiration.
	timeout time.Duration
}

func NewRPCRouter(timeout time.Duration) *RPCRouter {
	return &RPCRouter{
		pending: make(map[string]*pendingCall),
		timeout: timeout,
	}
}

// call routes a service request from the caller to the service owner. All
// failures are delivered to the caller as an error response; no envelope
// reaches any other connection.
func (r *RPCRouter) call(caller *Session, pkt *MsgClientReq) {
	callee := globals.services.owner(pkt.ServiceName)
	if callee == nil {
		caller.queueOut(&ServerComMessage{Resp: &MsgServerResp{
			Error:     reasonServiceNotFound,
			RequestID: pkt.RequestID,
		}})
		return
	}

	id := pkt.RequestID
	if id == "" {
		id = nextID()
	}

	call := &pendingCall{
		id:      id,
		service: pkt.ServiceName,
		caller:  caller,
		callee:  callee,
	}

	r.lock.Lock()
	if _, dup := r.pending[id]; dup {
		r.lock.Unlock()
		logs.Err.Println("rpc: duplicate request id", id, caller.sid)
		caller.queueOut(&ServerComMessage{Resp: &MsgServerResp{
			Error:     reasonServiceUnavailable,
			RequestID: id,
		}})
		return
	}
	r.pending[id] = call
	if r.timeout > 0 {
		call.timer = time.AfterFunc(r.timeout, func() { r.expire(id) })
	}
	r.lock.Unlock()

	statsInc("PendingRPCCalls", 1)
	statsInc("RPCCallsTotal", 1)

	if !callee.queueOut(&ServerComMessage{Req: &MsgServerReq{
		ServiceName: pkt.ServiceName,
		Args:        pkt.Args,
		RequestID:   id,
	}}) {
		// The owner's outbound queue is wedged; fail fast instead of
		// waiting out the timeout.
		r.failCall(id, reasonServiceUnavailable)
		return
	}

	// The owner may have disconnected between the ownership lookup and the
	// pending insert; its sessionGone sweep would then have missed this
	// entry. Terminated is set before that sweep runs, so whoever removes
	// the entry first (this check or the sweep) delivers the failure.
	if callee.isTerminated() {
		r.failCall(id, reasonServiceUnavailable)
	}
}

// failCall resolves a pending call as failed, delivering the reason to the
// caller. A no-op when the call was already resolved.
func (r *RPCRouter) failCall(id, reason string) {
	if c := r.remove(id); c != nil {
		c.caller.queueOut(&ServerComMessage{Resp: &MsgServerResp{
			Error:     reason,
			RequestID: id,
		}})
	}
}

// resolve matches a response from the service owner to its pending call and
// relays the payload to the original caller. An unknown, already resolved,
// or foreign request id is a connection-local protocol error; it is logged
// and otherwise ignored.
func (r *RPCRouter) resolve(callee *Session, pkt *MsgClientResp) {
	r.lock.Lock()
	call := r.pending[pkt.RequestID]
	if call == nil || call.callee != callee {
		r.lock.Unlock()
		logs.Warn.Println("rpc: response for unknown request id", pkt.RequestID, callee.sid)
		return
	}
	delete(r.pending, pkt.RequestID)
	r.lock.Unlock()

	call.stopTimer()
	statsInc("PendingRPCCalls", -1)

	call.caller.queueOut(&ServerComMessage{Resp: &MsgServerResp{
		Response:  pkt.Response,
		RequestID: pkt.RequestID,
	}})
}

// expire resolves a pending call as timed out.
func (r *RPCRouter) expire(id string) {
	call := r.remove(id)
	if call == nil {
		// Already resolved; the response beat the timer.
		return
	}

	logs.Warn.Println("rpc: call timed out", call.service, id)
	call.caller.queueOut(&ServerComMessage{Resp: &MsgServerResp{
		Error:     reasonServiceTimeout,
		RequestID: id,
	}})
}

// sessionGone resolves all pending calls involving a disconnected session:
// calls it was serving fail over to their callers as ServiceUnavailable,
// calls it initiated are discarded so any late response is dropped.
func (r *RPCRouter) sessionGone(sess *Session) {
	var failed []*pendingCall

	r.lock.Lock()
	for id, call := range r.pending {
		if call.caller == sess || call.callee == sess {
			delete(r.pending, id)
			call.stopTimer()
			statsInc("PendingRPCCalls", -1)
			if call.callee == sess && call.caller != sess {
				failed = append(failed, call)
			}
		}
	}
	r.lock.Unlock()

	for _, call := range failed {
		call.caller.queueOut(&ServerComMessage{Resp: &MsgServerResp{
			Error:     reasonServiceUnavailable,
			RequestID: call.id,
		}})
	}
}

func (r *RPCRouter) remove(id string) *pendingCall {
	r.lock.Lock()
	defer r.lock.Unlock()

	call := r.pending[id]
	if call == nil {
		return nil
	}
	delete(r.pending, id)
	call.stopTimer()
	statsInc("PendingRPCCalls", -1)
	return call
}

func (c *pendingCall) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
}
