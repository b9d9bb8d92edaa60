// Package transport provides implementations of the ipc.Transport contract:
// an in-process pair for wiring two endpoints inside one program, a
// JSON-encoded net.Conn transport, and a websocket transport speaking the
// same JSON envelope.
package transport

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/remchan/remchan/pkg/events"
	"github.com/remchan/remchan/pkg/ipc"
)

// ErrClosed is returned by Send once a transport has closed.
var ErrClosed = errors.New("transport: closed")

const sendBuffSize = 256 // Buffer size of the queue between an endpoint and the wire

// Pair returns two connected in-process transports. Values sent on one end
// are delivered, in order and without serialization, to the other end's
// Messages event. Closing either end closes both.
//
// Delivery to an end does not begin until that end has a listener, so a peer
// may send (for example, the initialization handshake) before the other side
// has finished wiring itself up.
func Pair() (ipc.Transport, ipc.Transport) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	emitter   *events.Emitter
	peer      *pipeEnd
	in        chan interface{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func newPipeEnd() *pipeEnd {
	p := &pipeEnd{
		emitter: events.NewEmitter(),
		in:      make(chan interface{}, sendBuffSize),
		done:    make(chan struct{}),
	}
	p.emitter.OnFirstListener = func() {
		p.startOnce.Do(func() { go p.pump() })
	}
	return p
}

func (p *pipeEnd) pump() {
	for {
		select {
		case v := <-p.in:
			p.emitter.Fire(v)
		case <-p.done:
			return
		}
	}
}

func (p *pipeEnd) Send(v interface{}) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.in <- v:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Messages() *events.Event {
	return p.emitter.Event()
}

func (p *pipeEnd) Done() <-chan struct{} {
	return p.done
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.peer.closeOnce.Do(func() { close(p.peer.done) })
	})
	return nil
}
