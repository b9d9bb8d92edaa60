package control

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remchan/remchan/pkg/ipc"
)

var testLog *logrus.Logger

func init() {
	testLog = logrus.New()
	testLog.Out = io.Discard
}

func TestPing(t *testing.T) {
	ch := New(ipc.NewIPCServer(testLog), "")

	got, err := ch.Call(context.Background(), "ping", nil, nil)
	if err != nil {
		t.Fatalf("ping: %s", err)
	}
	if got != "pong" {
		t.Errorf(`wanted "pong", got %v`, got)
	}
}

func TestStatsPassword(t *testing.T) {
	ch := New(ipc.NewIPCServer(testLog), "hunter2")

	if _, err := ch.Call(context.Background(), "stats", nil, nil); err != ErrBadPassword {
		t.Errorf("wanted ErrBadPassword without a password, got %v", err)
	}
	arg := map[string]interface{}{"password": "wrong"}
	if _, err := ch.Call(context.Background(), "stats", arg, nil); err != ErrBadPassword {
		t.Errorf("wanted ErrBadPassword with a wrong password, got %v", err)
	}

	arg = map[string]interface{}{"password": "hunter2"}
	got, err := ch.Call(context.Background(), "stats", arg, nil)
	if err != nil {
		t.Fatalf("stats: %s", err)
	}
	if _, ok := got.(ipc.Stats); !ok {
		t.Errorf("wanted ipc.Stats, got %T", got)
	}
}

func TestStatsOpenWithoutPassword(t *testing.T) {
	ch := New(ipc.NewIPCServer(testLog), "")

	if _, err := ch.Call(context.Background(), "stats", nil, nil); err != nil {
		t.Errorf("stats without a configured password: %s", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	ch := New(ipc.NewIPCServer(testLog), "")

	if _, err := ch.Call(context.Background(), "frobnicate", nil, nil); err == nil {
		t.Error("wanted an error for an unknown command")
	}
}

func TestHeartbeat(t *testing.T) {
	ch := New(ipc.NewIPCServer(testLog), "")

	beats := make(chan interface{}, 1)
	sub := ch.Listen("heartbeat", nil).Subscribe(func(v interface{}) { beats <- v })
	defer sub.Dispose()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ch.Heartbeat(now)

	select {
	case v := <-beats:
		fields, ok := v.(map[string]interface{})
		if !ok {
			t.Fatalf("wanted a map payload, got %T", v)
		}
		if fields["time"] != now.Format(time.RFC3339) {
			t.Errorf("wanted %q, got %v", now.Format(time.RFC3339), fields["time"])
		}
	default:
		t.Fatal("heartbeat never fired")
	}
}

func TestDecodeStatsFromJSONShape(t *testing.T) {
	decoded, err := DecodeStats(map[string]interface{}{
		"uptime":             float64(5 * time.Second),
		"num_connections":    float64(2),
		"total_connections":  float64(9),
		"max_connections":    float64(4),
		"max_connections_at": "2024-06-01T12:00:00Z",
		"num_channels":       float64(3),
	})
	if err != nil {
		t.Fatalf("DecodeStats: %s", err)
	}
	if decoded.Uptime != 5*time.Second {
		t.Errorf("wanted 5s uptime, got %s", decoded.Uptime)
	}
	if decoded.NumConnections != 2 || decoded.TotalConnections != 9 || decoded.MaxConnections != 4 || decoded.NumChannels != 3 {
		t.Errorf("unexpected counts: %+v", decoded)
	}
	if decoded.MaxConnectionsTime.IsZero() {
		t.Error("max connections time not decoded")
	}
}
