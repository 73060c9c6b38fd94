// Package logsink persists each service's output to disk: one
// append-only file per service plus a combined timeline.jsonl. It keeps a
// bounded in-memory tail (internal/logbuf.Ring) per service, and the
// Control Server's GetLogs history lookup is served from those tails
// without a disk read.
package logsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zero-robotics/krill/internal/logbuf"
)

const defaultRingSize = 1000

type timelineEntry struct {
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Sink writes and caches per-service log output.
type Sink struct {
	dir string

	mu       sync.Mutex
	files    map[string]*os.File
	rings    map[string]*logbuf.Ring
	timeline *os.File
}

// Open creates dir if needed and opens (or creates) timeline.jsonl.
func Open(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir %s: %w", dir, err)
	}
	timeline, err := os.OpenFile(filepath.Join(dir, "timeline.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening timeline: %w", err)
	}
	return &Sink{
		dir:      dir,
		files:    make(map[string]*os.File),
		rings:    make(map[string]*logbuf.Ring),
		timeline: timeline,
	}, nil
}

// Write records one log line for service, appending it to that
// service's own file, the shared timeline, and the in-memory ring.
func (s *Sink) Write(service, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[service]
	if !ok {
		var err error
		f, err = os.OpenFile(filepath.Join(s.dir, service+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		s.files[service] = f
		s.rings[service] = logbuf.New(defaultRingSize)
	}

	now := time.Now().UTC()
	timestamped := fmt.Sprintf("%s %s", now.Format(time.RFC3339Nano), line)
	fmt.Fprintln(f, timestamped)
	s.rings[service].Write([]byte(timestamped + "\n"))

	entry, err := json.Marshal(timelineEntry{
		Timestamp: now.Format(time.RFC3339Nano),
		Service:   service,
		Level:     "info",
		Message:   line,
	})
	if err == nil {
		s.timeline.Write(append(entry, '\n'))
	}
}

// Last returns the last n cached lines for service, or for every
// service when service is "". In the latter case the services' tails
// are concatenated one service after another, in no defined service
// order; lines of different services are not interleaved by arrival.
func (s *Sink) Last(service string, n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if service != "" {
		ring, ok := s.rings[service]
		if !ok {
			return nil
		}
		return ring.Last(n)
	}

	var all []string
	for _, ring := range s.rings {
		all = append(all, ring.Lines()...)
	}
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Close flushes and closes every open file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.timeline.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
