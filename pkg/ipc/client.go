package ipc

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/remchan/remchan/pkg/events"
)

// ChannelClient presents every channel registered on the remote peer as a
// local Channel, multiplexing any number of concurrent calls and
// subscriptions over one transport.
//
// A freshly created client is uninitialized: requests issued before the
// peer's ChannelServer announces itself are buffered and flushed, in issue
// order, when the initialization handshake arrives. Requests issued after
// that go out immediately.
type ChannelClient struct {
	transport Transport
	log       *logrus.Logger

	lock        sync.Mutex
	initialized bool
	disposed    bool
	lastID      uint64
	// queued holds requests issued before initialization, in issue order.
	queued []queuedRequest
	// handlers demultiplexes inbound responses to the request they answer.
	handlers map[uint64]func(Message)
	// inflight tracks a disposer per outstanding request so Dispose can fail
	// everything still pending.
	inflight map[uint64]func()

	sub *events.Subscription
}

type queuedRequest struct {
	id  uint64
	msg Message
}

// NewChannelClient creates a client bound to t. No traffic is produced until
// the first call or subscription.
func NewChannelClient(t Transport, log *logrus.Logger) *ChannelClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &ChannelClient{
		transport: t,
		log:       log,
		handlers:  make(map[uint64]func(Message)),
		inflight:  make(map[uint64]func()),
	}
	c.sub = t.Messages().Subscribe(c.onMessage)
	return c
}

// GetChannel returns a proxy for the named remote channel. The proxy is cheap
// and produces no traffic until its Call or Listen is used.
func (c *ChannelClient) GetChannel(name string) Channel {
	return &clientChannel{client: c, name: name}
}

// Dispose detaches the client from the transport and cancels everything still
// in flight. Buffered requests that were never sent are dropped silently.
func (c *ChannelClient) Dispose() {
	c.lock.Lock()
	if c.disposed {
		c.lock.Unlock()
		return
	}
	c.disposed = true
	disposers := make([]func(), 0, len(c.inflight))
	for _, d := range c.inflight {
		disposers = append(disposers, d)
	}
	c.handlers = make(map[uint64]func(Message))
	c.inflight = make(map[uint64]func())
	c.queued = nil
	c.lock.Unlock()

	c.sub.Dispose()
	for _, d := range disposers {
		d()
	}
}

type clientChannel struct {
	client *ChannelClient
	name   string
}

func (ch *clientChannel) Call(ctx context.Context, command string, arg interface{}, progress Progress) (interface{}, error) {
	return ch.client.requestPromise(ctx, ch.name, command, arg, progress)
}

func (ch *clientChannel) Listen(event string, arg interface{}) *events.Event {
	return ch.client.requestEvent(ch.name, event, arg)
}

func (c *ChannelClient) requestPromise(ctx context.Context, channelName, command string, arg interface{}, progress Progress) (interface{}, error) {
	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1)
	settle := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	c.lock.Lock()
	if c.disposed {
		c.lock.Unlock()
		return nil, ErrClientDisposed
	}
	c.lastID++
	id := c.lastID
	msg := Message{Type: RequestPromise, ID: id, ChannelName: channelName, Name: command, Arg: arg}
	c.handlers[id] = func(m Message) {
		switch m.Type {
		case ResponsePromiseProgress:
			if progress != nil {
				progress(m.Data)
			}
		case ResponsePromiseSuccess:
			settle(outcome{data: m.Data})
		case ResponsePromiseError:
			settle(outcome{err: decodeRemoteError(m.Data)})
		case ResponsePromiseErrorObj:
			settle(outcome{err: &ValueError{Value: m.Data}})
		}
	}
	c.inflight[id] = func() { settle(outcome{err: ErrClientDisposed}) }
	sendNow := c.initialized
	if !sendNow {
		c.queued = append(c.queued, queuedRequest{id: id, msg: msg})
	}
	c.lock.Unlock()

	if sendNow {
		c.send(msg)
	}

	select {
	case o := <-done:
		return o.data, o.err
	case <-ctx.Done():
		c.cancelRequest(id)
		return nil, ctx.Err()
	}
}

// cancelRequest abandons an outstanding call. If the request is still
// buffered it is removed and never sent; if it was already sent, exactly one
// cancel message goes to the peer, without waiting for an acknowledgment.
func (c *ChannelClient) cancelRequest(id uint64) {
	c.lock.Lock()
	_, outstanding := c.handlers[id]
	delete(c.handlers, id)
	delete(c.inflight, id)
	buffered := c.removeQueuedLocked(id)
	c.lock.Unlock()

	if outstanding && !buffered {
		c.send(Message{Type: RequestPromiseCancel, ID: id})
	}
}

func (c *ChannelClient) requestEvent(channelName, event string, arg interface{}) *events.Event {
	em := events.NewEmitter()

	// The id of the live subscription, guarded by c.lock. After full teardown
	// a new subscription gets a fresh id; a stream is not resumable.
	var currentID uint64

	em.OnFirstListener = func() {
		c.lock.Lock()
		if c.disposed {
			c.lock.Unlock()
			return
		}
		c.lastID++
		id := c.lastID
		currentID = id
		msg := Message{Type: RequestEventListen, ID: id, ChannelName: channelName, Name: event, Arg: arg}
		c.handlers[id] = func(m Message) {
			if m.Type == ResponseEventFire {
				em.Fire(m.Data)
			}
		}
		c.inflight[id] = func() {}
		sendNow := c.initialized
		if !sendNow {
			c.queued = append(c.queued, queuedRequest{id: id, msg: msg})
		}
		c.lock.Unlock()

		if sendNow {
			c.send(msg)
		}
	}

	em.OnLastListener = func() {
		c.lock.Lock()
		id := currentID
		currentID = 0
		_, outstanding := c.handlers[id]
		delete(c.handlers, id)
		delete(c.inflight, id)
		buffered := c.removeQueuedLocked(id)
		c.lock.Unlock()

		// A listen that never went out is simply abandoned.
		if outstanding && !buffered {
			c.send(Message{Type: RequestEventDispose, ID: id})
		}
	}

	return em.Event()
}

func (c *ChannelClient) onMessage(v interface{}) {
	msg, ok := v.(Message)
	if !ok || !msg.Type.IsResponse() {
		return
	}
	if msg.Type == ResponseInitialize {
		c.flush()
		return
	}

	c.lock.Lock()
	handler := c.handlers[msg.ID]
	switch msg.Type {
	case ResponsePromiseSuccess, ResponsePromiseError, ResponsePromiseErrorObj:
		delete(c.handlers, msg.ID)
		delete(c.inflight, msg.ID)
	}
	c.lock.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// flush transitions the client to its initialized state and sends every
// buffered request in the order it was issued. Requests are drained one at a
// time so a cancellation racing the flush still finds its request in the
// queue and drops it unsent instead of canceling a request already on the
// wire.
func (c *ChannelClient) flush() {
	c.lock.Lock()
	if c.initialized {
		c.lock.Unlock()
		return
	}
	c.initialized = true
	for len(c.queued) > 0 {
		msg := c.queued[0].msg
		c.queued = c.queued[1:]
		c.lock.Unlock()
		c.send(msg)
		c.lock.Lock()
	}
	c.lock.Unlock()
}

func (c *ChannelClient) removeQueuedLocked(id uint64) bool {
	for i, q := range c.queued {
		if q.id == id {
			c.queued = append(c.queued[:i], c.queued[i+1:]...)
			return true
		}
	}
	return false
}

// send is best-effort, mirroring the server side: transport failures show up
// independently as a disconnect, so they are not turned into call failures.
func (c *ChannelClient) send(msg Message) {
	if err := c.transport.Send(msg); err != nil {
		c.log.WithFields(logrus.Fields{
			"type":  msg.Type,
			"id":    msg.ID,
			"error": err,
		}).Debug("Dropped outbound message")
	}
}
