package transport

import (
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/remchan/remchan/pkg/events"
	"github.com/remchan/remchan/pkg/ipc"
)

// connTransport speaks newline-delimited JSON over a net.Conn. One goroutine
// drains the outbound queue into the connection, another decodes inbound
// values and fires them on the Messages event in arrival order.
type connTransport struct {
	conn    net.Conn
	log     *logrus.Logger
	emitter *events.Emitter
	out     chan interface{}
	done    chan struct{}

	startRead sync.Once
	closeOnce sync.Once
}

// NewConnTransport wraps conn in an ipc.Transport. Reads do not start until
// the first Messages listener subscribes, so inbound values cannot be lost
// while an endpoint is still wiring itself up.
func NewConnTransport(conn net.Conn, log *logrus.Logger) ipc.Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &connTransport{
		conn:    conn,
		log:     log,
		emitter: events.NewEmitter(),
		out:     make(chan interface{}, sendBuffSize),
		done:    make(chan struct{}),
	}
	t.emitter.OnFirstListener = func() {
		t.startRead.Do(func() { go t.readLoop() })
	}
	go t.writeLoop()
	return t
}

func (t *connTransport) Send(v interface{}) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.out <- v:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

func (t *connTransport) Messages() *events.Event {
	return t.emitter.Event()
}

func (t *connTransport) Done() <-chan struct{} {
	return t.done
}

func (t *connTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
	return nil
}

func (t *connTransport) writeLoop() {
	encoder := json.NewEncoder(t.conn)
	for {
		select {
		case v := <-t.out:
			if err := encoder.Encode(v); err != nil {
				t.log.WithFields(logrus.Fields{
					"remote_addr": t.conn.RemoteAddr(),
					"error":       err,
				}).Debug("Error serializing message to peer")
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *connTransport) readLoop() {
	defer t.Close()
	decoder := json.NewDecoder(t.conn)
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if err != io.EOF {
				t.log.WithFields(logrus.Fields{
					"remote_addr": t.conn.RemoteAddr(),
					"error":       err,
				}).Debug("Error deserializing message from peer")
			}
			return
		}
		v, err := decodeValue(raw)
		if err != nil {
			t.log.WithFields(logrus.Fields{
				"remote_addr": t.conn.RemoteAddr(),
				"error":       err,
			}).Debug("Dropping undecodable message")
			continue
		}
		t.emitter.Fire(v)
	}
}
