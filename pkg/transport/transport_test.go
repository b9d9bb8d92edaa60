package transport

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/remchan/remchan/pkg/ipc"
)

var testLog *logrus.Logger

func init() {
	testLog = logrus.New()
	testLog.Out = io.Discard
}

func collect(t ipc.Transport) (func() []interface{}, func()) {
	var lock sync.Mutex
	var got []interface{}
	sub := t.Messages().Subscribe(func(v interface{}) {
		lock.Lock()
		got = append(got, v)
		lock.Unlock()
	})
	snapshot := func() []interface{} {
		lock.Lock()
		defer lock.Unlock()
		out := make([]interface{}, len(got))
		copy(out, got)
		return out
	}
	return snapshot, sub.Dispose
}

func waitForValues(t *testing.T, snapshot func() []interface{}, n int) []interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d values, have %v", n, snapshot())
	return nil
}

func TestPairDeliversInOrder(t *testing.T) {
	a, b := Pair()
	defer a.Close()

	snapshot, dispose := collect(b)
	defer dispose()

	for i := 0; i < 5; i++ {
		if err := a.Send(i); err != nil {
			t.Fatalf("Send %d: %s", i, err)
		}
	}

	got := waitForValues(t, snapshot, 5)
	wanted := []interface{}{0, 1, 2, 3, 4}
	if !reflect.DeepEqual(got, wanted) {
		t.Errorf("wanted %v, got %v", wanted, got)
	}
}

func TestPairBuffersUntilFirstListener(t *testing.T) {
	a, b := Pair()
	defer a.Close()

	// Sent before anyone listens; must not be lost.
	if err := a.Send("early"); err != nil {
		t.Fatalf("Send: %s", err)
	}

	snapshot, dispose := collect(b)
	defer dispose()

	got := waitForValues(t, snapshot, 1)
	if got[0] != "early" {
		t.Errorf(`wanted "early", got %v`, got[0])
	}
}

func TestPairCloseClosesBothEnds(t *testing.T) {
	a, b := Pair()
	a.Close()

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("closing one end did not close the peer")
	}
	if err := b.Send("x"); err != ErrClosed {
		t.Errorf("wanted ErrClosed, got %v", err)
	}
}

func TestConnTransportRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	a := NewConnTransport(left, testLog)
	b := NewConnTransport(right, testLog)
	defer a.Close()
	defer b.Close()

	snapshot, dispose := collect(b)
	defer dispose()

	// A bare value, like the connection announcement, and a protocol message.
	if err := a.Send("client-id"); err != nil {
		t.Fatalf("Send announcement: %s", err)
	}
	if err := a.Send(ipc.Message{
		Type:        ipc.RequestPromise,
		ID:          7,
		ChannelName: "echo",
		Name:        "run",
		Arg:         map[string]interface{}{"n": 1},
	}); err != nil {
		t.Fatalf("Send message: %s", err)
	}

	got := waitForValues(t, snapshot, 2)
	if got[0] != "client-id" {
		t.Errorf(`wanted "client-id", got %v`, got[0])
	}
	msg, ok := got[1].(ipc.Message)
	if !ok {
		t.Fatalf("wanted an ipc.Message, got %T", got[1])
	}
	wanted := ipc.Message{
		Type:        ipc.RequestPromise,
		ID:          7,
		ChannelName: "echo",
		Name:        "run",
		Arg:         map[string]interface{}{"n": float64(1)}, // JSON numbers decode as float64
	}
	if !reflect.DeepEqual(msg, wanted) {
		t.Errorf("wanted %+v, got %+v", wanted, msg)
	}
}

func TestConnTransportPeerCloseSignalsDone(t *testing.T) {
	left, right := net.Pipe()
	a := NewConnTransport(left, testLog)
	b := NewConnTransport(right, testLog)
	defer b.Close()

	// Reads start with the first listener; Done depends on the read loop
	// noticing the peer going away.
	_, dispose := collect(a)
	defer dispose()

	b.Close()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer close never signaled Done")
	}
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: %s", err)
			return
		}
		tr := NewWebsocketTransport(conn, testLog)
		// Echo everything back.
		tr.Messages().Subscribe(func(v interface{}) { tr.Send(v) })
		<-tr.Done()
	}))
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	tr := NewWebsocketTransport(conn, testLog)
	defer tr.Close()

	snapshot, dispose := collect(tr)
	defer dispose()

	if err := tr.Send("client-id"); err != nil {
		t.Fatalf("Send announcement: %s", err)
	}
	if err := tr.Send(ipc.Message{Type: ipc.ResponsePromiseSuccess, ID: 3, Data: "ok"}); err != nil {
		t.Fatalf("Send message: %s", err)
	}

	got := waitForValues(t, snapshot, 2)
	if got[0] != "client-id" {
		t.Errorf(`wanted "client-id", got %v`, got[0])
	}
	msg, ok := got[1].(ipc.Message)
	if !ok {
		t.Fatalf("wanted an ipc.Message, got %T", got[1])
	}
	if msg.Type != ipc.ResponsePromiseSuccess || msg.ID != 3 || msg.Data != "ok" {
		t.Errorf("unexpected echo: %+v", msg)
	}
}
