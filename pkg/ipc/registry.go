package ipc

import "time"

// Stats contains summary information about an IPCServer.
type Stats struct {
	Uptime             time.Duration `json:"uptime"`
	NumConnections     int           `json:"num_connections"`
	TotalConnections   int           `json:"total_connections"`
	MaxConnections     int           `json:"max_connections"`
	MaxConnectionsTime time.Time     `json:"max_connections_at"`
	NumChannels        int           `json:"num_channels"`
}

// Stats gets stats for this server.
func (s *IPCServer) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	return Stats{
		Uptime:             time.Since(s.createdTime),
		NumConnections:     len(s.connections),
		TotalConnections:   s.totalConnections,
		MaxConnections:     s.maxConnections,
		MaxConnectionsTime: s.maxConnectionsTime,
		NumChannels:        len(s.channels),
	}
}
