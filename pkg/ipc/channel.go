package ipc

import (
	"context"

	"github.com/remchan/remchan/pkg/events"
)

// Progress receives intermediate values produced by an operation before its
// result settles. A nil Progress discards them.
type Progress func(value interface{})

// A Channel is a named collection of remote operations and remote event
// streams. Local implementations are registered on a ChannelServer; remote
// proxies are obtained from a ChannelClient. Both satisfy the same contract.
type Channel interface {
	// Call invokes the named operation and blocks until it settles or ctx is
	// canceled. Intermediate values are reported through progress, in
	// production order, strictly before Call returns.
	Call(ctx context.Context, command string, arg interface{}, progress Progress) (interface{}, error)

	// Listen returns the named event stream. No work happens until the first
	// listener subscribes, and resources are released when the last listener
	// unsubscribes.
	Listen(event string, arg interface{}) *events.Event
}

// Transport is the message pipe the protocol runs over. It is assumed
// reliable and ordered: values arrive on the peer's Messages event exactly in
// the order they were sent, without duplication.
//
// Send is fire-and-forget; a Send error means the pipe is going away, and the
// protocol relies on Done to observe that independently.
type Transport interface {
	// Send queues a value for delivery to the peer.
	Send(v interface{}) error

	// Messages fires once per value received from the peer, in send order.
	Messages() *events.Event

	// Done is closed when the transport is closed or fails.
	Done() <-chan struct{}

	// Close tears down the transport for both ends.
	Close() error
}
