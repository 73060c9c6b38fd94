// Package controlserver exposes the daemon over a Unix domain socket
// using a line-delimited JSON protocol: one ClientMessage or
// ServerMessage per line. It forwards commands to the orchestrator and
// fans out status/log events to every connected client.
package controlserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zero-robotics/krill/internal/orchestrator"
	"github.com/zero-robotics/krill/internal/runner"
)

const (
	broadcastBufferSize    = 256
	connWriterBufferSize   = 64
	snapshotTimeout        = 1 * time.Second
	defaultLogHistoryLines = 1000
)

// Backend is the orchestrator surface the control server drives.
type Backend interface {
	ProcessHeartbeat(service, status string)
	StopService(ctx context.Context, name string) error
	RestartService(ctx context.Context, name string) error
	GetSnapshot() map[string]orchestrator.Snapshot
	Shutdown(ctx context.Context)
}

// LogHistory supplies the Log Sink's recent-lines lookup for
// GetLogs responses.
type LogHistory interface {
	Last(service string, n int) []string
}

// Server listens on a Unix socket and speaks the line-JSON protocol.
type Server struct {
	path    string
	backend Backend
	logs    LogHistory
	log     *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	conns    map[*connection]struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	onStopDaemon func()
}

// New builds a Server bound to socketPath (not yet listening).
// onStopDaemon is invoked when a client sends Command{StopDaemon}; the
// caller typically wires this to the daemon's own graceful-shutdown
// trigger.
func New(socketPath string, backend Backend, logs LogHistory, log *slog.Logger, onStopDaemon func()) *Server {
	return &Server{
		path:         socketPath,
		backend:      backend,
		logs:         logs,
		log:          log.With("component", "controlserver"),
		conns:        make(map[*connection]struct{}),
		shutdownCh:   make(chan struct{}),
		onStopDaemon: onStopDaemon,
	}
}

// ListenUnix removes any stale socket at path and binds a fresh one
// with owner-only permissions.
func (s *Server) ListenUnix() error {
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("removing stale socket %s: %w", s.path, err)
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Serve runs the accept loop until Shutdown is called. It blocks.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener == nil {
		return fmt.Errorf("controlserver: ListenUnix was not called")
	}

	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 5)

	for {
		select {
		case <-s.shutdownCh:
			return nil
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return nil
			default:
			}
			if !limiter.Allow() {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
			}
			s.log.Warn("accept failed, retrying", "error", err)
			continue
		}

		c := newConnection(conn, s)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go c.serve(ctx)
	}
}

// StatusUpdate implements orchestrator.EventSink.
func (s *Server) StatusUpdate(service string, status runner.Status) {
	s.publish(StatusUpdateMessage(service, string(status)))
}

// LogLine implements orchestrator.EventSink.
func (s *Server) LogLine(service, line string) {
	s.publish(LogLineMessage(service, line))
}

// publish fans msg out to every connected client. Each connection has
// its own bounded buffer; a client that cannot keep up gets its oldest
// buffered message dropped rather than stalling every other client or
// blocking the orchestrator's event producer.
func (s *Server) publish(msg ServerMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		c.deliver(msg)
	}
}

func (s *Server) removeConn(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops the accept loop, closes every connection, and removes
// the socket file.
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		conns := make([]*connection, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			c.close()
		}

		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("removing socket file failed", "error", err)
		}
	})
}

type connection struct {
	conn        net.Conn
	server      *Server
	respCh      chan ServerMessage
	broadcastCh chan ServerMessage
	done        chan struct{}
	once        sync.Once
}

func newConnection(conn net.Conn, s *Server) *connection {
	return &connection{
		conn:        conn,
		server:      s,
		respCh:      make(chan ServerMessage, connWriterBufferSize),
		broadcastCh: make(chan ServerMessage, broadcastBufferSize),
		done:        make(chan struct{}),
	}
}

// deliver pushes a broadcast message to this connection's buffer,
// dropping the oldest buffered broadcast if it is full.
func (c *connection) deliver(msg ServerMessage) {
	select {
	case c.broadcastCh <- msg:
		return
	default:
	}
	select {
	case <-c.broadcastCh:
	default:
	}
	select {
	case c.broadcastCh <- msg:
	case <-c.done:
	}
}

func (c *connection) serve(ctx context.Context) {
	defer c.close()
	go c.writeLoop()
	c.readLoop(ctx)
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.server.removeConn(c)
	})
}

func (c *connection) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		var msg ClientMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.send(ErrorMessage(fmt.Sprintf("invalid message: %v", err), 400))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *connection) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case msgHeartbeat:
		c.server.backend.ProcessHeartbeat(msg.Service, msg.Status)

	case msgCommand:
		c.dispatchCommand(ctx, msg)
		c.send(Ack())

	case msgSubscribe:
		// The broadcast channel already delivers to every connection;
		// there is nothing additional to register.

	case msgGetSnapshot:
		c.replySnapshot(ctx)

	case msgGetLogs:
		c.replyLogs(msg)
	}
}

func (c *connection) dispatchCommand(ctx context.Context, msg ClientMessage) {
	switch msg.Action {
	case ActionStart:
		c.server.log.Warn("start command is a no-op: services start automatically at daemon boot", "target", msg.Target)
	case ActionStop, ActionKill:
		if err := c.server.backend.StopService(ctx, msg.Target); err != nil {
			c.server.log.Warn("stop command failed", "target", msg.Target, "error", err)
		}
	case ActionRestart:
		if err := c.server.backend.RestartService(ctx, msg.Target); err != nil {
			c.server.log.Warn("restart command failed", "target", msg.Target, "error", err)
		}
	case ActionStopDaemon:
		if c.server.onStopDaemon != nil {
			go c.server.onStopDaemon()
		}
	}
}

func (c *connection) replySnapshot(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	done := make(chan map[string]orchestrator.Snapshot, 1)
	go func() { done <- c.server.backend.GetSnapshot() }()

	select {
	case snap := <-done:
		c.send(SnapshotMessage(toWireSnapshots(snap)))
	case <-ctx.Done():
		// Bounded timeout with no reply; the client is expected to retry.
	}
}

func toWireSnapshots(snap map[string]orchestrator.Snapshot) map[string]ServiceSnapshot {
	out := make(map[string]ServiceSnapshot, len(snap))
	for name, s := range snap {
		var pid *int
		if s.PID != 0 {
			pid = &s.PID
		}
		var uptime *float64
		if s.Uptime > 0 {
			secs := s.Uptime.Seconds()
			uptime = &secs
		}
		var lastError *string
		if s.LastError != "" {
			lastError = &s.LastError
		}
		out[name] = ServiceSnapshot{
			Status:        string(s.Status),
			PID:           pid,
			Uptime:        uptime,
			RestartCount:  s.RestartCount,
			LastError:     lastError,
			Namespace:     s.Namespace,
			ExecutorType:  string(s.ExecutorType),
			Dependencies:  s.Dependencies,
			UsesGPU:       s.UsesGPU,
			Critical:      s.Critical,
			RestartPolicy: string(s.RestartPolicy),
			MaxRestarts:   s.MaxRestarts,
		}
	}
	return out
}

func (c *connection) replyLogs(msg ClientMessage) {
	service := ""
	if msg.LogService != nil {
		service = *msg.LogService
	}
	var lines []string
	if c.server.logs != nil {
		lines = c.server.logs.Last(service, defaultLogHistoryLines)
	}
	c.send(LogHistoryMessage(msg.LogService, lines))
}

func (c *connection) writeLoop() {
	enc := json.NewEncoder(c.conn)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.broadcastCh:
			if err := enc.Encode(msg); err != nil {
				return
			}
		case msg := <-c.respCh:
			if err := enc.Encode(msg); err != nil {
				return
			}
		}
	}
}

func (c *connection) send(msg ServerMessage) {
	select {
	case c.respCh <- msg:
	case <-c.done:
	}
}
