// Package ipc implements a remote-procedure and event-subscription protocol
// over an abstract bidirectional message transport.
//
// Two connected endpoints expose named channels to each other. A channel is a
// collection of named operations (Call) and named event streams (Listen). The
// protocol multiplexes any number of in-flight calls and subscriptions over
// one transport, correlating responses to requests with per-connection ids,
// and supports cancellation on both sides of the wire.
package ipc

// MessageType tags every protocol message on the wire.
type MessageType int

// Request kinds come first so that IsResponse can classify a tag with a
// single comparison against ResponseInitialize.
const (
	RequestPromise MessageType = iota
	RequestPromiseCancel
	RequestEventListen
	RequestEventDispose
	ResponseInitialize
	ResponsePromiseSuccess
	ResponsePromiseProgress
	ResponsePromiseError
	ResponsePromiseErrorObj
	ResponseEventFire
)

// IsResponse reports whether the tag may only be produced by the serving side
// of a connection. Everything from ResponseInitialize onward is a response.
func (t MessageType) IsResponse() bool {
	return t >= ResponseInitialize
}

func (t MessageType) String() string {
	switch t {
	case RequestPromise:
		return "RequestPromise"
	case RequestPromiseCancel:
		return "RequestPromiseCancel"
	case RequestEventListen:
		return "RequestEventListen"
	case RequestEventDispose:
		return "RequestEventDispose"
	case ResponseInitialize:
		return "ResponseInitialize"
	case ResponsePromiseSuccess:
		return "ResponsePromiseSuccess"
	case ResponsePromiseProgress:
		return "ResponsePromiseProgress"
	case ResponsePromiseError:
		return "ResponsePromiseError"
	case ResponsePromiseErrorObj:
		return "ResponsePromiseErrorObj"
	case ResponseEventFire:
		return "ResponseEventFire"
	}
	return "Unknown"
}

// Message is the single wire shape exchanged between endpoints.
// Which fields are meaningful depends on Type:
//
//	RequestPromise, RequestEventListen    ID, ChannelName, Name, Arg
//	RequestPromiseCancel, RequestEventDispose    ID
//	ResponseInitialize    no further fields
//	ResponsePromiseSuccess, ResponsePromiseProgress, ResponseEventFire    ID, Data
//	ResponsePromiseError, ResponsePromiseErrorObj    ID, Data
type Message struct {
	Type        MessageType `json:"type"`
	ID          uint64      `json:"id,omitempty"`
	ChannelName string      `json:"channelName,omitempty"`
	Name        string      `json:"name,omitempty"`
	Arg         interface{} `json:"arg,omitempty"`
	Data        interface{} `json:"data,omitempty"`
}
