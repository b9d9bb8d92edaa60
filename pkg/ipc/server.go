package ipc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/remchan/remchan/pkg/events"
)

// ChannelServer exposes a registry of named channels to the single remote
// peer on the other end of a transport, and executes that peer's requests
// against them.
type ChannelServer struct {
	transport Transport
	log       *logrus.Logger

	lock     sync.Mutex
	channels map[string]Channel
	// pending maps a request id to the disposer that cancels the underlying
	// work: a context cancel for calls, a subscription disposer for listens.
	pending  map[uint64]func()
	disposed bool

	sub *events.Subscription
}

// NewChannelServer creates a server bound to t and immediately sends the
// initialization handshake, releasing any requests the peer buffered.
func NewChannelServer(t Transport, log *logrus.Logger) *ChannelServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &ChannelServer{
		transport: t,
		log:       log,
		channels:  make(map[string]Channel),
		pending:   make(map[uint64]func()),
	}
	s.sub = t.Messages().Subscribe(s.onMessage)
	s.send(Message{Type: ResponseInitialize})
	return s
}

// RegisterChannel installs ch under name. Registering the same name again
// replaces the previous channel; requests already executing against the old
// one are unaffected. Channels may be registered before or after the peer
// starts issuing requests.
func (s *ChannelServer) RegisterChannel(name string, ch Channel) {
	s.lock.Lock()
	s.channels[name] = ch
	s.lock.Unlock()
}

// Dispose detaches the server from the transport and cancels all work still
// pending for the peer. The peer is not notified.
func (s *ChannelServer) Dispose() {
	s.lock.Lock()
	if s.disposed {
		s.lock.Unlock()
		return
	}
	s.disposed = true
	disposers := make([]func(), 0, len(s.pending))
	for _, d := range s.pending {
		disposers = append(disposers, d)
	}
	s.pending = make(map[uint64]func())
	s.lock.Unlock()

	s.sub.Dispose()
	for _, d := range disposers {
		d()
	}
}

func (s *ChannelServer) onMessage(v interface{}) {
	msg, ok := v.(Message)
	if !ok || msg.Type.IsResponse() {
		return
	}
	switch msg.Type {
	case RequestPromise:
		s.onPromise(msg)
	case RequestEventListen:
		s.onEventListen(msg)
	case RequestPromiseCancel, RequestEventDispose:
		// A cancel racing a just-completed response references an id with no
		// disposer; that is a no-op, not an error.
		s.disposePending(msg.ID)
	}
}

func (s *ChannelServer) onPromise(msg Message) {
	ctx, cancel := context.WithCancel(context.Background())
	if !s.registerPending(msg.ID, cancel) {
		cancel()
		return
	}

	go func() {
		defer cancel()
		progress := func(value interface{}) {
			s.send(Message{Type: ResponsePromiseProgress, ID: msg.ID, Data: value})
		}
		result, err := s.invoke(ctx, msg, progress)

		// If the peer canceled, the pending entry is already gone and no
		// terminal response is owed.
		if !s.unregisterPending(msg.ID) {
			return
		}
		switch failure := err.(type) {
		case nil:
			s.send(Message{Type: ResponsePromiseSuccess, ID: msg.ID, Data: result})
		case *ValueError:
			s.send(Message{Type: ResponsePromiseErrorObj, ID: msg.ID, Data: failure.Value})
		default:
			s.send(Message{Type: ResponsePromiseError, ID: msg.ID, Data: encodeError(err)})
		}
	}()
}

// invoke runs the named operation. It is the single point where channel
// implementations are entered for calls, so panics are converted to a failed
// result here rather than unwinding into the receive path.
func (s *ChannelServer) invoke(ctx context.Context, msg Message, progress Progress) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = &ValueError{Value: r}
			}
		}
	}()
	ch := s.channel(msg.ChannelName)
	if ch == nil {
		return nil, errors.Errorf("unknown channel %q", msg.ChannelName)
	}
	return ch.Call(ctx, msg.Name, msg.Arg, progress)
}

func (s *ChannelServer) onEventListen(msg Message) {
	ev, err := s.listen(msg)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"channel": msg.ChannelName,
			"event":   msg.Name,
			"error":   err,
		}).Error("Cannot serve event listen request")
		return
	}
	sub := ev.Subscribe(func(value interface{}) {
		s.send(Message{Type: ResponseEventFire, ID: msg.ID, Data: value})
	})
	if !s.registerPending(msg.ID, sub.Dispose) {
		sub.Dispose()
	}
}

func (s *ChannelServer) listen(msg Message) (ev *events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("listen %q on channel %q: %v", msg.Name, msg.ChannelName, r)
		}
	}()
	ch := s.channel(msg.ChannelName)
	if ch == nil {
		return nil, errors.Errorf("unknown channel %q", msg.ChannelName)
	}
	ev = ch.Listen(msg.Name, msg.Arg)
	if ev == nil {
		return nil, errors.Errorf("channel %q has no event %q", msg.ChannelName, msg.Name)
	}
	return ev, nil
}

func (s *ChannelServer) channel(name string) Channel {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.channels[name]
}

func (s *ChannelServer) registerPending(id uint64, dispose func()) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.disposed {
		return false
	}
	s.pending[id] = dispose
	return true
}

func (s *ChannelServer) unregisterPending(id uint64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *ChannelServer) disposePending(id uint64) {
	s.lock.Lock()
	dispose, ok := s.pending[id]
	delete(s.pending, id)
	s.lock.Unlock()
	if ok {
		dispose()
	}
}

// send is best-effort: a failing transport surfaces as a disconnect, which
// the owner of this server observes on the transport itself.
func (s *ChannelServer) send(msg Message) {
	if err := s.transport.Send(msg); err != nil {
		s.log.WithFields(logrus.Fields{
			"type":  msg.Type,
			"id":    msg.ID,
			"error": err,
		}).Debug("Dropped outbound message")
	}
}
