// Package daemon runs an IPC server over TCP, serving the built-in control
// channel plus any channels the embedding program registers.
package daemon

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/remchan/remchan/pkg/control"
	"github.com/remchan/remchan/pkg/ipc"
	"github.com/remchan/remchan/pkg/transport"
)

// Daemon contains state for a remchand server.
type Daemon struct {
	// HeartbeatInterval specifies how often the control channel's heartbeat
	// event fires. If 0, no heartbeats are sent.
	HeartbeatInterval time.Duration

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// StatsPassword gates the control channel's stats operation.
	// If empty, stats are open.
	StatsPassword string

	Log *logrus.Logger

	server  *ipc.IPCServer
	control *control.Channel
}

// Server returns the daemon's IPC server, creating it on first use. Channels
// registered on it are served to every connection.
func (d *Daemon) Server() *ipc.IPCServer {
	if d.server == nil {
		d.server = ipc.NewIPCServer(d.Log)
		d.control = control.New(d.server, d.StatsPassword)
		d.server.RegisterChannel(control.ChannelName, d.control)
	}
	return d.server
}

// ListenAndServe listens for connections on the network, and serves them the
// IPC protocol.
func (d *Daemon) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	d.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	d.Serve(listener)
	return nil
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (d *Daemon) ListenAndServeTLS(addr, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		d.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if d.TLSConfig == nil {
		return errors.New("No TLSConfig set in daemon, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, d.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	d.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	d.Serve(listener)
	return nil
}

// Serve accepts connections from the listener and wires each one into the
// IPC server. It blocks until the listener fails.
func (d *Daemon) Serve(listener net.Listener) {
	d.Log.WithFields(logrus.Fields{
		"heartbeat_interval": d.HeartbeatInterval,
	}).Info("Server started")

	srv := d.Server()

	// Heartbeats are skipped entirely when the interval is 0; heartbeatsCH
	// stays nil and the select below never fires.
	var heartbeatsCH <-chan time.Time
	if d.HeartbeatInterval > 0 {
		ticker := time.NewTicker(d.HeartbeatInterval)
		defer ticker.Stop()
		heartbeatsCH = ticker.C
	}

	conns := make(chan net.Conn)
	go d.acceptConns(listener, conns)

	for {
		select {
		case conn, ok := <-conns:
			if !ok {
				return
			}
			srv.Accept(transport.NewConnTransport(conn, d.Log))
		case now := <-heartbeatsCH:
			d.control.Heartbeat(now)
		}
	}
}

func (d *Daemon) acceptConns(listener net.Listener, conns chan<- net.Conn) {
	defer close(conns)
	for {
		conn, err := listener.Accept()
		if err != nil {
			d.Log.WithFields(logrus.Fields{
				"error": err,
			}).Error("Error accepting connection")
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
		}
		conns <- conn
	}
}
