// Package control implements the built-in "control" channel a remchand
// daemon serves to every connection: a ping operation, password-gated server
// stats, and a heartbeat event stream.
package control

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/remchan/remchan/pkg/events"
	"github.com/remchan/remchan/pkg/ipc"
)

// ChannelName is the name the control channel is registered under.
const ChannelName = "control"

// ErrBadPassword rejects stats requests with a missing or wrong password.
var ErrBadPassword = errors.New("control: stats password missing or incorrect")

// Channel serves control operations for one IPCServer.
type Channel struct {
	server        *ipc.IPCServer
	statsPassword string
	heartbeat     *events.Emitter
}

// New creates a control channel for srv. If statsPassword is empty, the
// stats operation is open.
func New(srv *ipc.IPCServer, statsPassword string) *Channel {
	return &Channel{
		server:        srv,
		statsPassword: statsPassword,
		heartbeat:     events.NewEmitter(),
	}
}

// Heartbeat fires the heartbeat event for every subscribed connection,
// carrying the current time.
func (c *Channel) Heartbeat(now time.Time) {
	c.heartbeat.Fire(map[string]interface{}{
		"time": now.Format(time.RFC3339),
	})
}

// Call serves the control operations.
func (c *Channel) Call(ctx context.Context, command string, arg interface{}, progress ipc.Progress) (interface{}, error) {
	switch command {
	case "ping":
		return "pong", nil
	case "stats":
		if c.statsPassword != "" && password(arg) != c.statsPassword {
			return nil, ErrBadPassword
		}
		return c.server.Stats(), nil
	}
	return nil, errors.Errorf("control: unknown command %q", command)
}

// Listen serves the control event streams. Unknown events stay silent.
func (c *Channel) Listen(event string, arg interface{}) *events.Event {
	if event == "heartbeat" {
		return c.heartbeat.Event()
	}
	return events.NewEmitter().Event()
}

func password(arg interface{}) string {
	fields, ok := arg.(map[string]interface{})
	if !ok {
		return ""
	}
	p, _ := fields["password"].(string)
	return p
}

// DecodeStats rebuilds a Stats value from the result of a "stats" call,
// which arrives as a JSON object on remote transports.
func DecodeStats(v interface{}) (ipc.Stats, error) {
	if stats, ok := v.(ipc.Stats); ok {
		return stats, nil
	}
	fields, ok := v.(map[string]interface{})
	if !ok {
		return ipc.Stats{}, errors.Errorf("control: malformed stats response: %v", v)
	}
	stats := ipc.Stats{}
	if n, ok := fields["uptime"].(float64); ok {
		stats.Uptime = time.Duration(n)
	}
	if n, ok := fields["num_connections"].(float64); ok {
		stats.NumConnections = int(n)
	}
	if n, ok := fields["total_connections"].(float64); ok {
		stats.TotalConnections = int(n)
	}
	if n, ok := fields["max_connections"].(float64); ok {
		stats.MaxConnections = int(n)
	}
	if s, ok := fields["max_connections_at"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, s); err == nil {
			stats.MaxConnectionsTime = at
		}
	}
	if n, ok := fields["num_channels"].(float64); ok {
		stats.NumChannels = int(n)
	}
	return stats, nil
}
