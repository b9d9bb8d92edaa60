package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remchan/remchan/pkg/events"
)

// IPCClient is the connecting party's endpoint: one ChannelClient and one
// ChannelServer bound to the same transport, so the party can both call the
// remote peer's channels and serve its own.
type IPCClient struct {
	// ID is the identifier announced to the server when connecting.
	ID string

	*ChannelClient
	server *ChannelServer
}

// NewIPCClient creates an endpoint over t, announcing id to the remote
// server as the very first value on the transport so the server can register
// this connection before any protocol messages arrive.
func NewIPCClient(t Transport, id string, log *logrus.Logger) *IPCClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := t.Send(id); err != nil {
		log.WithFields(logrus.Fields{
			"client_id": id,
			"error":     err,
		}).Debug("Dropped connection announcement")
	}
	return &IPCClient{
		ID:            id,
		ChannelClient: NewChannelClient(t, log),
		server:        NewChannelServer(t, log),
	}
}

// RegisterChannel installs a locally implemented channel for the remote
// server to call.
func (c *IPCClient) RegisterChannel(name string, ch Channel) {
	c.server.RegisterChannel(name, ch)
}

// Dispose tears down both roles of the endpoint.
func (c *IPCClient) Dispose() {
	c.ChannelClient.Dispose()
	c.server.Dispose()
}

// Connection is one connected client on an IPCServer: the pair serving that
// client's requests and proxying calls back to it.
type Connection struct {
	// ID is the identifier the client announced when connecting.
	ID string

	// Client proxies calls to channels the remote party serves.
	Client *ChannelClient

	// Server executes the remote party's requests against the locally
	// registered channels.
	Server *ChannelServer

	transport Transport
}

// A Router picks the connection that should service a routed call or
// subscription, given the command or event name and its argument. Returning
// the empty string means no connection services it, and the call fails
// without touching any transport.
type Router interface {
	Route(command string, arg interface{}) (connectionID string)
}

// RouterFunc is an adapter to use an ordinary function as a Router.
type RouterFunc func(command string, arg interface{}) string

// Route calls f(command, arg).
func (f RouterFunc) Route(command string, arg interface{}) string {
	return f(command, arg)
}

// IPCServer is the accepting party's endpoint. It owns the channels served
// to every connection and, per connected client, a fresh ChannelServer and
// ChannelClient pair keyed by the client's announced identifier.
type IPCServer struct {
	log *logrus.Logger

	lock        sync.Mutex
	channels    map[string]Channel
	connections map[string]*Connection

	connectionAdded   *events.Emitter
	connectionRemoved *events.Emitter

	// Running totals for Stats.
	createdTime        time.Time
	totalConnections   int
	maxConnections     int
	maxConnectionsTime time.Time
}

// NewIPCServer creates a server with no connections. Transports for newly
// connected clients are handed to Accept.
func NewIPCServer(log *logrus.Logger) *IPCServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := time.Now()
	return &IPCServer{
		log:                log,
		channels:           make(map[string]Channel),
		connections:        make(map[string]*Connection),
		connectionAdded:    events.NewEmitter(),
		connectionRemoved:  events.NewEmitter(),
		createdTime:        now,
		maxConnectionsTime: now,
	}
}

// Accept wires a newly connected transport into the server. The server waits
// for exactly one inbound value, the identifier announced by the connecting
// IPCClient, before creating that connection's channel pair; when the
// transport closes, the pair is disposed and the connection forgotten.
func (s *IPCServer) Accept(t Transport) {
	var lock sync.Mutex
	var sub *events.Subscription
	accepted := false

	handler := func(v interface{}) {
		lock.Lock()
		if accepted {
			lock.Unlock()
			return
		}
		accepted = true
		announce := sub
		lock.Unlock()

		id, ok := v.(string)
		if !ok {
			s.log.WithFields(logrus.Fields{
				"value": v,
			}).Warn("Dropping connection with a malformed announcement")
			t.Close()
		} else {
			// The pair must exist before the next inbound message fires, so
			// build it here, while delivery is paused on this handler.
			s.addConnection(id, t)
		}
		announce.Dispose()
	}

	// Holding lock here keeps the handler from observing sub before it is
	// assigned.
	lock.Lock()
	sub = t.Messages().Subscribe(handler)
	lock.Unlock()

	go func() {
		<-t.Done()
		lock.Lock()
		accepted = true
		lock.Unlock()
		sub.Dispose()
		s.removeConnection(t)
	}()
}

// RegisterChannel installs ch under name for every current and future
// connection. Last writer wins.
func (s *IPCServer) RegisterChannel(name string, ch Channel) {
	s.lock.Lock()
	s.channels[name] = ch
	conns := make([]*Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.lock.Unlock()

	for _, conn := range conns {
		conn.Server.RegisterChannel(name, ch)
	}
}

// GetChannel returns a channel that routes each call and subscription to the
// connection picked by router. If the routed connection has not announced
// itself yet, the call waits for it; if the router picks none, the call fails
// fast with ErrNoRoute.
func (s *IPCServer) GetChannel(name string, router Router) Channel {
	return &routedChannel{server: s, name: name, router: router}
}

// Connection returns the connection with the given id, waiting for it to
// announce itself if it has not yet.
func (s *IPCServer) Connection(ctx context.Context, id string) (*Connection, error) {
	added := make(chan *Connection, 1)
	sub := s.connectionAdded.Event().Subscribe(func(v interface{}) {
		if conn := v.(*Connection); conn.ID == id {
			select {
			case added <- conn:
			default:
			}
		}
	})
	defer sub.Dispose()

	// Checked after subscribing, so a connection arriving in between is not
	// missed.
	s.lock.Lock()
	conn, ok := s.connections[id]
	s.lock.Unlock()
	if ok {
		return conn, nil
	}

	select {
	case conn := <-added:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connections returns a snapshot of the currently registered connections.
func (s *IPCServer) Connections() []*Connection {
	s.lock.Lock()
	defer s.lock.Unlock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionAdded fires a *Connection whenever a client completes its
// announcement.
func (s *IPCServer) ConnectionAdded() *events.Event {
	return s.connectionAdded.Event()
}

// ConnectionRemoved fires a *Connection whenever a client disconnects.
func (s *IPCServer) ConnectionRemoved() *events.Event {
	return s.connectionRemoved.Event()
}

func (s *IPCServer) addConnection(id string, t Transport) {
	server := NewChannelServer(t, s.log)
	client := NewChannelClient(t, s.log)
	conn := &Connection{ID: id, Client: client, Server: server, transport: t}

	s.lock.Lock()
	for name, ch := range s.channels {
		server.RegisterChannel(name, ch)
	}
	if old, ok := s.connections[id]; ok {
		// A reconnecting client replaces its stale entry. Closing the old
		// transport releases its watchdog and the peer's socket.
		old.Client.Dispose()
		old.Server.Dispose()
		old.transport.Close()
	}
	s.connections[id] = conn
	s.totalConnections++
	if len(s.connections) > s.maxConnections {
		s.maxConnections = len(s.connections)
		s.maxConnectionsTime = time.Now()
	}
	s.lock.Unlock()

	s.log.WithFields(logrus.Fields{
		"client_id": id,
	}).Info("Client connected")
	s.connectionAdded.Fire(conn)
}

func (s *IPCServer) removeConnection(t Transport) {
	s.lock.Lock()
	var conn *Connection
	for id, c := range s.connections {
		if c.transport == t {
			conn = c
			delete(s.connections, id)
			break
		}
	}
	s.lock.Unlock()

	if conn == nil {
		return
	}
	conn.Client.Dispose()
	conn.Server.Dispose()
	s.log.WithFields(logrus.Fields{
		"client_id": conn.ID,
	}).Info("Client disconnected")
	s.connectionRemoved.Fire(conn)
}

type routedChannel struct {
	server *IPCServer
	name   string
	router Router
}

func (rc *routedChannel) Call(ctx context.Context, command string, arg interface{}, progress Progress) (interface{}, error) {
	target := rc.router.Route(command, arg)
	if target == "" {
		return nil, ErrNoRoute
	}
	conn, err := rc.server.Connection(ctx, target)
	if err != nil {
		return nil, err
	}
	return conn.Client.GetChannel(rc.name).Call(ctx, command, arg, progress)
}

func (rc *routedChannel) Listen(event string, arg interface{}) *events.Event {
	target := rc.router.Route(event, arg)
	if target == "" {
		// No connection services this event; the stream stays silent.
		return events.NewEmitter().Event()
	}
	delayed := NewDelayedChannel(func(ctx context.Context) (Channel, error) {
		conn, err := rc.server.Connection(ctx, target)
		if err != nil {
			return nil, err
		}
		return conn.Client.GetChannel(rc.name), nil
	})
	return delayed.Listen(event, arg)
}
