package ipc_test

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/remchan/remchan/pkg/events"
	"github.com/remchan/remchan/pkg/ipc"
	"github.com/remchan/remchan/pkg/transport"
)

func routeTo(id string) ipc.Router {
	return ipc.RouterFunc(func(command string, arg interface{}) string {
		return id
	})
}

func TestRoutedCall(t *testing.T) {
	srv := ipc.NewIPCServer(testLog)

	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "worker-1", testLog)
	defer client.Dispose()
	client.RegisterChannel("jobs", echoChannel())
	srv.Accept(serverEnd)

	got, err := srv.GetChannel("jobs", routeTo("worker-1")).Call(context.Background(), "run", "payload", nil)
	if err != nil {
		t.Fatalf("Call: %s", err)
	}
	if got != "payload" {
		t.Errorf(`wanted "payload", got %v`, got)
	}
}

func TestRoutedCallNoRouteFailsFast(t *testing.T) {
	srv := ipc.NewIPCServer(testLog)

	ch := srv.GetChannel("jobs", routeTo(""))
	_, err := ch.Call(context.Background(), "run", nil, nil)
	if err != ipc.ErrNoRoute {
		t.Errorf("wanted ErrNoRoute, got %v", err)
	}
}

func TestRoutedCallWaitsForConnection(t *testing.T) {
	srv := ipc.NewIPCServer(testLog)

	result := make(chan interface{}, 1)
	go func() {
		got, err := srv.GetChannel("jobs", routeTo("late")).Call(context.Background(), "run", "payload", nil)
		if err != nil {
			t.Errorf("Call: %s", err)
			result <- nil
			return
		}
		result <- got
	}()

	// The routed call must park until the connection announces itself.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-result:
		t.Fatal("routed call completed without a connection")
	default:
	}

	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "late", testLog)
	defer client.Dispose()
	client.RegisterChannel("jobs", echoChannel())
	srv.Accept(serverEnd)

	select {
	case got := <-result:
		if got != "payload" {
			t.Errorf(`wanted "payload", got %v`, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("routed call never completed")
	}
}

func TestRoutedListen(t *testing.T) {
	srv := ipc.NewIPCServer(testLog)

	source := events.NewEmitter()
	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "worker-1", testLog)
	defer client.Dispose()
	client.RegisterChannel("jobs", &funcChannel{
		call: func(ctx context.Context, command string, arg interface{}, progress ipc.Progress) (interface{}, error) {
			return nil, nil
		},
		listen: func(event string, arg interface{}) *events.Event {
			return source.Event()
		},
	})
	srv.Accept(serverEnd)

	var lock sync.Mutex
	var fired []interface{}
	sub := srv.GetChannel("jobs", routeTo("worker-1")).Listen("progress", nil).Subscribe(func(value interface{}) {
		lock.Lock()
		fired = append(fired, value)
		lock.Unlock()
	})
	defer sub.Dispose()

	waitFor(t, "worker-side subscription", func() bool { return source.ListenerCount() == 1 })
	source.Fire("x")
	source.Fire("y")
	waitFor(t, "two fires", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(fired) == 2
	})

	lock.Lock()
	defer lock.Unlock()
	if !reflect.DeepEqual(fired, []interface{}{"x", "y"}) {
		t.Errorf(`wanted ["x" "y"], got %v`, fired)
	}
}

func TestServerCallsAreServedToClients(t *testing.T) {
	// The server end also serves channels: every connected client can call
	// channels registered on the IPCServer.
	srv := ipc.NewIPCServer(testLog)
	srv.RegisterChannel("echo", echoChannel())

	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "worker-1", testLog)
	defer client.Dispose()
	srv.Accept(serverEnd)

	got, err := client.GetChannel("echo").Call(context.Background(), "any", "ping", nil)
	if err != nil {
		t.Fatalf("Call: %s", err)
	}
	if got != "ping" {
		t.Errorf(`wanted "ping", got %v`, got)
	}
}

func TestRegisterChannelReachesExistingConnections(t *testing.T) {
	srv := ipc.NewIPCServer(testLog)

	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "worker-1", testLog)
	defer client.Dispose()
	srv.Accept(serverEnd)

	waitFor(t, "connection registration", func() bool { return len(srv.Connections()) == 1 })

	// Registered after the connection exists; calls still find it.
	srv.RegisterChannel("echo", echoChannel())
	got, err := client.GetChannel("echo").Call(context.Background(), "any", "late", nil)
	if err != nil {
		t.Fatalf("Call: %s", err)
	}
	if got != "late" {
		t.Errorf(`wanted "late", got %v`, got)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	srv := ipc.NewIPCServer(testLog)

	removed := make(chan struct{}, 1)
	srv.ConnectionRemoved().Subscribe(func(interface{}) { removed <- struct{}{} })

	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "worker-1", testLog)
	srv.Accept(serverEnd)
	waitFor(t, "connection registration", func() bool { return len(srv.Connections()) == 1 })

	client.Dispose()
	clientEnd.Close()
	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never removed the connection")
	}
	if got := len(srv.Connections()); got != 0 {
		t.Errorf("wanted 0 connections, got %d", got)
	}
}

func TestStats(t *testing.T) {
	srv := ipc.NewIPCServer(testLog)

	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "worker-1", testLog)
	defer client.Dispose()
	srv.Accept(serverEnd)
	waitFor(t, "connection registration", func() bool { return srv.Stats().NumConnections == 1 })

	stats := srv.Stats()
	if stats.TotalConnections != 1 {
		t.Errorf("wanted 1 total connection, got %d", stats.TotalConnections)
	}
	if stats.MaxConnections != 1 {
		t.Errorf("wanted max 1 connection, got %d", stats.MaxConnections)
	}
}

func TestDelayedChannel(t *testing.T) {
	serverEnd, clientEnd := transport.Pair()
	source := events.NewEmitter()
	server := ipc.NewChannelServer(serverEnd, testLog)
	defer server.Dispose()
	server.RegisterChannel("feed", &funcChannel{
		call: func(ctx context.Context, command string, arg interface{}, progress ipc.Progress) (interface{}, error) {
			return arg, nil
		},
		listen: func(event string, arg interface{}) *events.Event {
			return source.Event()
		},
	})

	client := ipc.NewChannelClient(clientEnd, testLog)
	defer client.Dispose()

	release := make(chan struct{})
	delayed := ipc.NewDelayedChannel(func(ctx context.Context) (ipc.Channel, error) {
		select {
		case <-release:
			return client.GetChannel("feed"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	var lock sync.Mutex
	var fired []interface{}
	sub := delayed.Listen("tick", nil).Subscribe(func(value interface{}) {
		lock.Lock()
		fired = append(fired, value)
		lock.Unlock()
	})
	defer sub.Dispose()

	// Produced before the channel resolves: not delivered.
	source.Fire("early")
	time.Sleep(50 * time.Millisecond)

	close(release)
	waitFor(t, "relay attach", func() bool { return source.ListenerCount() == 1 })
	source.Fire("late")
	waitFor(t, "relayed fire", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(fired) == 1
	})

	lock.Lock()
	if !reflect.DeepEqual(fired, []interface{}{"late"}) {
		t.Errorf(`wanted ["late"], got %v`, fired)
	}
	lock.Unlock()

	got, err := delayed.Call(context.Background(), "any", "deferred", nil)
	if err != nil {
		t.Fatalf("Call: %s", err)
	}
	if got != "deferred" {
		t.Errorf(`wanted "deferred", got %v`, got)
	}
}

func TestNextTickChannel(t *testing.T) {
	serverEnd, clientEnd := transport.Pair()
	server := ipc.NewChannelServer(serverEnd, testLog)
	defer server.Dispose()
	server.RegisterChannel("echo", echoChannel())

	client := ipc.NewChannelClient(clientEnd, testLog)
	defer client.Dispose()

	ch := ipc.NewNextTickChannel(client.GetChannel("echo"))
	for i := 0; i < 3; i++ {
		got, err := ch.Call(context.Background(), "any", i, nil)
		if err != nil {
			t.Fatalf("Call %d: %s", i, err)
		}
		if got != i {
			t.Errorf("call %d: wanted %d, got %v", i, i, got)
		}
	}
}

func TestBidirectionalCallsShareOneTransport(t *testing.T) {
	// Ids are allocated per Channel Client, so simultaneous calls in both
	// directions over one transport never collide.
	srv := ipc.NewIPCServer(testLog)
	srv.RegisterChannel("echo", echoChannel())

	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "worker-1", testLog)
	defer client.Dispose()
	client.RegisterChannel("jobs", echoChannel())
	srv.Accept(serverEnd)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := client.GetChannel("echo").Call(context.Background(), "any", i, nil)
			if err != nil || got != i {
				t.Errorf("client call %d: got %v, %v", i, got, err)
			}
		}(i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := srv.GetChannel("jobs", routeTo("worker-1")).Call(context.Background(), "any", i, nil)
			if err != nil || got != i {
				t.Errorf("server call %d: got %v, %v", i, got, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestRoutedListenNoRouteStaysSilent(t *testing.T) {
	// With no connection to service the event, Listen still hands out a
	// usable stream; it just never fires.
	srv := ipc.NewIPCServer(testLog)

	fired := make(chan interface{}, 1)
	sub := srv.GetChannel("jobs", routeTo("")).Listen("progress", nil).Subscribe(func(value interface{}) {
		fired <- value
	})
	defer sub.Dispose()

	select {
	case v := <-fired:
		t.Fatalf("silent stream fired %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectReplacesStaleConnection(t *testing.T) {
	srv := ipc.NewIPCServer(testLog)
	srv.RegisterChannel("echo", echoChannel())

	staleEnd, staleClientEnd := transport.Pair()
	stale := ipc.NewIPCClient(staleClientEnd, "worker-1", testLog)
	defer stale.Dispose()
	srv.Accept(staleEnd)
	waitFor(t, "first connection", func() bool { return len(srv.Connections()) == 1 })

	serverEnd, clientEnd := transport.Pair()
	client := ipc.NewIPCClient(clientEnd, "worker-1", testLog)
	defer client.Dispose()
	client.RegisterChannel("jobs", echoChannel())
	srv.Accept(serverEnd)

	// The reconnect closes the stale transport and takes over the id.
	select {
	case <-staleEnd.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stale transport never closed")
	}
	if got := len(srv.Connections()); got != 1 {
		t.Fatalf("wanted 1 connection after reconnect, got %d", got)
	}

	got, err := srv.GetChannel("jobs", routeTo("worker-1")).Call(context.Background(), "run", "fresh", nil)
	if err != nil {
		t.Fatalf("Call: %s", err)
	}
	if got != "fresh" {
		t.Errorf(`wanted "fresh", got %v`, got)
	}
}
