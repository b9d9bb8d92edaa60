package transport

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/remchan/remchan/pkg/events"
	"github.com/remchan/remchan/pkg/ipc"
)

// wsTransport speaks the same JSON envelope as the net.Conn transport, one
// value per websocket text message. Writes are funneled through a single
// goroutine; gorilla/websocket connections support one concurrent writer.
type wsTransport struct {
	conn    *websocket.Conn
	log     *logrus.Logger
	emitter *events.Emitter
	out     chan interface{}
	done    chan struct{}

	startRead sync.Once
	closeOnce sync.Once
}

// NewWebsocketTransport wraps an established websocket connection in an
// ipc.Transport. As with NewConnTransport, reads start on the first Messages
// listener.
func NewWebsocketTransport(conn *websocket.Conn, log *logrus.Logger) ipc.Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &wsTransport{
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

func (t *wsTransport) Send(v interface{}) error {
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

func (t *wsTransport) Messages() *events.Event {
	return t.emitter.Event()
}

func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
	return nil
}

func (t *wsTransport) writeLoop() {
	for {
		select {
		case v := <-t.out:
			buf, err := encodeValue(v)
			if err != nil {
				t.log.WithFields(logrus.Fields{
					"remote_addr": t.conn.RemoteAddr(),
					"error":       err,
				}).Debug("Error serializing message to peer")
				continue
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				t.log.WithFields(logrus.Fields{
					"remote_addr": t.conn.RemoteAddr(),
					"error":       err,
				}).Debug("Error writing message to peer")
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) readLoop() {
	defer t.Close()
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.WithFields(logrus.Fields{
					"remote_addr": t.conn.RemoteAddr(),
					"error":       err,
				}).Debug("Error reading message from peer")
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
