package controlserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zero-robotics/krill/internal/orchestrator"
	"github.com/zero-robotics/krill/internal/runner"
)

type fakeBackend struct {
	mu        sync.Mutex
	heartbeat []string
	stopped   []string
	restarted []string
	snapshot  map[string]orchestrator.Snapshot
}

func (f *fakeBackend) ProcessHeartbeat(service, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeat = append(f.heartbeat, service+":"+status)
}

func (f *fakeBackend) StopService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeBackend) RestartService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, name)
	return nil
}

func (f *fakeBackend) GetSnapshot() map[string]orchestrator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeBackend) Shutdown(ctx context.Context) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, backend Backend) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "krill.sock")
	s := New(path, backend, nil, testLogger(), nil)
	if err := s.ListenUnix(); err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Serve(ctx)
	return s, path
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", path)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", path, err)
	return nil
}

func readOneMessage(t *testing.T, conn net.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("readOneMessage: %v", scanner.Err())
	}
	var msg ServerMessage
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestHeartbeatForwardedToBackend(t *testing.T) {
	backend := &fakeBackend{}
	_, path := startTestServer(t, backend)
	conn := dial(t, path)
	defer conn.Close()

	send(t, conn, ClientMessage{Type: msgHeartbeat, Service: "lidar", Status: "Healthy"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		backend.mu.Lock()
		n := len(backend.heartbeat)
		backend.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.heartbeat) != 1 || backend.heartbeat[0] != "lidar:Healthy" {
		t.Fatalf("heartbeat = %v, want [lidar:Healthy]", backend.heartbeat)
	}
}

func TestCommandStopRepliesAck(t *testing.T) {
	backend := &fakeBackend{}
	_, path := startTestServer(t, backend)
	conn := dial(t, path)
	defer conn.Close()

	send(t, conn, ClientMessage{Type: msgCommand, Action: ActionStop, Target: "worker"})

	reply := readOneMessage(t, conn)
	if reply.Type != msgAck {
		t.Fatalf("reply.Type = %q, want ack", reply.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		backend.mu.Lock()
		n := len(backend.stopped)
		backend.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.stopped) != 1 || backend.stopped[0] != "worker" {
		t.Fatalf("stopped = %v, want [worker]", backend.stopped)
	}
}

func TestGetSnapshotReplies(t *testing.T) {
	pid := 4242
	backend := &fakeBackend{snapshot: map[string]orchestrator.Snapshot{
		"broker": {Status: runner.StatusHealthy, PID: pid, Namespace: "demo"},
	}}
	_, path := startTestServer(t, backend)
	conn := dial(t, path)
	defer conn.Close()

	send(t, conn, ClientMessage{Type: msgGetSnapshot})

	reply := readOneMessage(t, conn)
	if reply.Type != msgSnapshot {
		t.Fatalf("reply.Type = %q, want snapshot", reply.Type)
	}
	broker, ok := reply.Services["broker"]
	if !ok {
		t.Fatalf("Services = %v, missing broker", reply.Services)
	}
	if broker.Status != "healthy" || broker.PID == nil || *broker.PID != pid {
		t.Fatalf("broker snapshot = %+v, want status healthy pid %d", broker, pid)
	}
}

func TestBroadcastStatusUpdateReachesClient(t *testing.T) {
	backend := &fakeBackend{}
	s, path := startTestServer(t, backend)
	conn := dial(t, path)
	defer conn.Close()

	// give the accept loop a moment to register the connection before
	// we publish, since publish only reaches already-registered conns
	time.Sleep(50 * time.Millisecond)

	s.StatusUpdate("broker", runner.StatusHealthy)

	reply := readOneMessage(t, conn)
	if reply.Type != msgStatusUpd || reply.Service != "broker" || reply.Status != "healthy" {
		t.Fatalf("reply = %+v, want status_update broker healthy", reply)
	}
}

func send(t *testing.T, conn net.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}
