package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAndLast(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Write("broker", "starting up")
	s.Write("broker", "listening on :9000")
	s.Write("worker", "waiting for broker")

	lines := s.Last("broker", 10)
	if len(lines) != 2 ||
		!strings.HasSuffix(lines[0], "starting up") ||
		!strings.HasSuffix(lines[1], "listening on :9000") {
		t.Fatalf("Last(broker) = %v", lines)
	}
}

func TestWriteCreatesPerServiceFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Write("broker", "hello")
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "broker.log"))
	if err != nil {
		t.Fatalf("reading broker.log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("broker.log = %q, want to contain hello", data)
	}
}

func TestWriteAppendsTimeline(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Write("broker", "hello")
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "timeline.jsonl"))
	if err != nil {
		t.Fatalf("reading timeline.jsonl: %v", err)
	}
	if !strings.Contains(string(data), `"service":"broker"`) {
		t.Fatalf("timeline.jsonl = %q, want to contain broker entry", data)
	}
}

func TestLastWithUnknownServiceReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if lines := s.Last("ghost", 10); lines != nil {
		t.Fatalf("Last(ghost) = %v, want nil", lines)
	}
}
