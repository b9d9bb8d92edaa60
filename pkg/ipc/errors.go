package ipc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClientDisposed is returned by calls that were still in flight when their
// ChannelClient was disposed.
var ErrClientDisposed = errors.New("ipc: channel client disposed")

// ErrNoRoute is returned by routed calls for which the router picked no
// connection. Nothing is sent on any transport in that case.
var ErrNoRoute = errors.New("ipc: no route to a connection")

// RemoteError is an error reconstructed from a failure on the remote
// endpoint. Name, Message and Stack are restored from the serialized remote
// error verbatim.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ValueError carries an opaque, non-error failure value across the wire. A
// server-side operation that returns a *ValueError has its Value delivered to
// the caller unchanged instead of being serialized as an error.
type ValueError struct {
	Value interface{}
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("ipc: call failed: %v", e.Value)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// encodeError turns a server-side failure into the Data payload of a
// ResponsePromiseError message.
func encodeError(err error) map[string]interface{} {
	stack := ""
	if _, ok := err.(stackTracer); ok {
		stack = fmt.Sprintf("%+v", err)
	}
	return map[string]interface{}{
		"name":    fmt.Sprintf("%T", err),
		"message": err.Error(),
		"stack":   stack,
	}
}

// decodeRemoteError reconstructs a RemoteError from the Data payload of a
// ResponsePromiseError message. The payload arrives as a map, either verbatim
// from an in-process transport or decoded from JSON.
func decodeRemoteError(data interface{}) *RemoteError {
	remote := &RemoteError{}
	fields, ok := data.(map[string]interface{})
	if !ok {
		remote.Message = fmt.Sprintf("%v", data)
		return remote
	}
	if v, ok := fields["name"].(string); ok {
		remote.Name = v
	}
	if v, ok := fields["message"].(string); ok {
		remote.Message = v
	}
	if v, ok := fields["stack"].(string); ok {
		remote.Stack = v
	}
	return remote
}
