package main

/******************************************************************************
 *
 *  Description :
 *
 *    Wire protocol structures. Every frame on the wire is an envelope
 *    {"type": <tag>, "content": {...}} where the tag selects one of the
 *    Msg* structures below.
 *
 *****************************************************************************/

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errUnknownMessageType = errors.New("unknown message type")

// wireEnvelope is the outer shape of every frame, client- or server-originated.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MsgChange describes one mutation of a topic value. The set of meaningful
// fields depends on the topic type and the change kind; unused fields are
// omitted on the wire.
type MsgChange struct {
	// Change kind: "set", "add", "append", "remove", "insert", "pop",
	// "change_value", "emit".
	Kind string `json:"type"`
	// Submitter-generated opaque id of the change.
	ID string `json:"id,omitempty"`
	// Topic version the submitter considered current.
	BaseVersion int64 `json:"base_version"`

	// "set": the new value. Also dict "add"/"change_value": the entry value.
	Value any `json:"value,omitempty"`
	// "set"/"change_value": the replaced value, filled on commit for inversion.
	OldValue any `json:"old_value,omitempty"`
	// set "append"/"remove", list "insert"/"pop": the element.
	Item any `json:"item,omitempty"`
	// dict "add"/"remove"/"change_value": the entry key.
	Key string `json:"key,omitempty"`
	// list "insert"/"pop": the position, python-style negatives allowed.
	Position *int `json:"position,omitempty"`
	// event "emit": event arguments.
	Args map[string]any `json:"args,omitempty"`
}

// Client to Server (C2S) messages.

// MsgClientSub is a {subscribe} request. Creates the topic with the declared
// type when it does not exist yet.
type MsgClientSub struct {
	TopicName string `json:"topic_name"`
	Type      string `json:"type"`
}

// MsgClientUnsub is an {unsubscribe} request.
type MsgClientUnsub struct {
	TopicName string `json:"topic_name"`
}

// MsgClientUpdate is an {update} request proposing one change to a topic.
type MsgClientUpdate struct {
	TopicName string     `json:"topic_name"`
	Change    *MsgChange `json:"change"`
}

// MsgClientRegSvc is a {register_service} request claiming a service name.
type MsgClientRegSvc struct {
	ServiceName string `json:"service_name"`
}

// MsgClientUnregSvc is an {unregister_service} request.
type MsgClientUnregSvc struct {
	ServiceName string `json:"service_name"`
}

// MsgClientReq is a {request} calling a service owned by another connection.
type MsgClientReq struct {
	ServiceName string         `json:"service_name"`
	Args        map[string]any `json:"args,omitempty"`
	RequestID   string         `json:"request_id"`
}

// MsgClientResp is a {response} from a service owner answering a forwarded
// {request}.
type MsgClientResp struct {
	Response  any    `json:"response"`
	RequestID string `json:"request_id"`
}

// ClientComMessage is a single inbound envelope after parsing. Exactly one
// of the exported pointers is set.
type ClientComMessage struct {
	Sub      *MsgClientSub
	Unsub    *MsgClientUnsub
	Update   *MsgClientUpdate
	RegSvc   *MsgClientRegSvc
	UnregSvc *MsgClientUnregSvc
	Req      *MsgClientReq
	Resp     *MsgClientResp
}

// UnmarshalJSON parses the {type, content} envelope into the appropriate
// message structure.
func (msg *ClientComMessage) UnmarshalJSON(b []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if len(env.Content) == 0 {
		env.Content = []byte("{}")
	}

	var dst any
	switch env.Type {
	case "subscribe":
		msg.Sub = &MsgClientSub{}
		dst = msg.Sub
	case "unsubscribe":
		msg.Unsub = &MsgClientUnsub{}
		dst = msg.Unsub
	case "update":
		msg.Update = &MsgClientUpdate{}
		dst = msg.Update
	case "register_service":
		msg.RegSvc = &MsgClientRegSvc{}
		dst = msg.RegSvc
	case "unregister_service":
		msg.UnregSvc = &MsgClientUnregSvc{}
		dst = msg.UnregSvc
	case "request":
		msg.Req = &MsgClientReq{}
		dst = msg.Req
	case "response":
		msg.Resp = &MsgClientResp{}
		dst = msg.Resp
	default:
		return fmt.Errorf("%w %q", errUnknownMessageType, env.Type)
	}
	return json.Unmarshal(env.Content, dst)
}

// Server to client (S2C) messages.

// MsgServerHello is the first message on a new connection, announcing the
// connection id assigned by the server.
type MsgServerHello struct {
	ID string `json:"id"`
}

// MsgServerUpdate carries a committed change to subscribers. The same shape
// initializes a new subscriber: a "set" change of the current value with
// Version equal to the current version.
type MsgServerUpdate struct {
	TopicName string     `json:"topic_name"`
	Change    *MsgChange `json:"change"`
	// Topic version after this change was applied.
	Version int64 `json:"version"`
}

// MsgServerRejectUpdate tells the submitter its change was not applied.
// Change holds the inverse of the submitted change when it is computable
// without applying, otherwise a corrective "set" of the authoritative value.
type MsgServerRejectUpdate struct {
	TopicName string     `json:"topic_name"`
	Change    *MsgChange `json:"change,omitempty"`
	Reason    string     `json:"reason"`
	Detail    string     `json:"detail,omitempty"`
	// Current topic version, so the client can resubmit against it.
	Version int64 `json:"version"`
}

// MsgServerRejectRegSvc tells a connection its service registration failed.
type MsgServerRejectRegSvc struct {
	ServiceName string `json:"service_name"`
	Reason      string `json:"reason"`
}

// MsgServerReq is a service call forwarded to the owning connection.
type MsgServerReq struct {
	ServiceName string         `json:"service_name"`
	Args        map[string]any `json:"args,omitempty"`
	RequestID   string         `json:"request_id"`
}

// MsgServerResp is the result of a service call delivered to the caller.
// Error is set instead of Response when the call failed inside the router.
type MsgServerResp struct {
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id"`
}

// ServerComMessage is a single outbound envelope. Exactly one of the
// exported pointers is set.
type ServerComMessage struct {
	Hello     *MsgServerHello
	Update    *MsgServerUpdate
	RejUpdate *MsgServerRejectUpdate
	RejRegSvc *MsgServerRejectRegSvc
	Req       *MsgServerReq
	Resp      *MsgServerResp
}

// MarshalJSON serializes the message as a {type, content} envelope.
func (msg *ServerComMessage) MarshalJSON() ([]byte, error) {
	var tag string
	var content any
	switch {
	case msg.Hello != nil:
		tag, content = "hello", msg.Hello
	case msg.Update != nil:
		tag, content = "update", msg.Update
	case msg.RejUpdate != nil:
		tag, content = "reject_update", msg.RejUpdate
	case msg.RejRegSvc != nil:
		tag, content = "reject_register", msg.RejRegSvc
	case msg.Req != nil:
		tag, content = "request", msg.Req
	case msg.Resp != nil:
		tag, content = "response", msg.Resp
	default:
		return nil, errUnknownMessageType
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&wireEnvelope{Type: tag, Content: raw})
}

// UnmarshalJSON parses a server envelope. Used by tests and client tooling.
func (msg *ServerComMessage) UnmarshalJSON(b []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if len(env.Content) == 0 {
		env.Content = []byte("{}")
	}

	var dst any
	switch env.Type {
	case "hello":
		msg.Hello = &MsgServerHello{}
		dst = msg.Hello
	case "update":
		msg.Update = &MsgServerUpdate{}
		dst = msg.Update
	case "reject_update":
		msg.RejUpdate = &MsgServerRejectUpdate{}
		dst = msg.RejUpdate
	case "reject_register":
		msg.RejRegSvc = &MsgServerRejectRegSvc{}
		dst = msg.RejRegSvc
	case "request":
		msg.Req = &MsgServerReq{}
		dst = msg.Req
	case "response":
		msg.Resp = &MsgServerResp{}
		dst = msg.Resp
	default:
		return fmt.Errorf("%w %q", errUnknownMessageType, env.Type)
	}
	return json.Unmarshal(env.Content, dst)
}

// Reject reasons reported to clients. All are recoverable; none is fatal to
// the connection or to the server.
const (
	// Change's base_version does not match the topic's current version.
	reasonStaleVersion = "stale_version"
	// Malformed or type-inconsistent mutation, or write to a reserved topic.
	reasonInvalidPayload = "invalid_payload"
	// Subscribe or update against a topic with a different declared type.
	reasonTypeMismatch = "type_mismatch"
	// Call to a service no connection currently owns.
	reasonServiceNotFound = "service_not_found"
	// Registration of a service name owned by another connection.
	reasonServiceAlreadyRegistered = "service_already_registered"
	// The owner did not answer within the configured timeout.
	reasonServiceTimeout = "service_timeout"
	// The owner disconnected before answering.
	reasonServiceUnavailable = "service_unavailable"
)
