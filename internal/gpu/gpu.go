// Package gpu provides the GPU-availability probe the orchestrator
// consults before starting a service declared gpu: true, plus a
// periodic observer for dashboard display. Probing is nvidia-smi
// based — the workstation-class robotics hosts this targets carry an
// NVIDIA stack, not Apple Silicon.
package gpu

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Info holds a snapshot of one GPU's state.
type Info struct {
	Name               string    `json:"name"`
	MemoryTotalBytes   uint64    `json:"memory_total_bytes"`
	MemoryUsedBytes    uint64    `json:"memory_used_bytes"`
	UtilizationPercent float64   `json:"utilization_percent"`
	Timestamp          time.Time `json:"timestamp"`
}

// UsagePercent returns memory utilization as a percentage.
func (i Info) UsagePercent() float64 {
	if i.MemoryTotalBytes == 0 {
		return 0
	}
	return float64(i.MemoryUsedBytes) / float64(i.MemoryTotalBytes) * 100
}

// Observer periodically polls GPU state and caches the result.
type Observer struct {
	mu       sync.RWMutex
	info     Info
	interval time.Duration
	cancel   context.CancelFunc
}

// NewObserver creates a GPU observer that polls at the given interval.
func NewObserver(interval time.Duration) *Observer {
	return &Observer{interval: interval}
}

// Start begins polling GPU state in the background.
func (o *Observer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	o.poll()

	go func() {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.poll()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the observer.
func (o *Observer) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Info returns the latest cached GPU info.
func (o *Observer) Info() Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.info
}

func (o *Observer) poll() {
	info, err := QueryNow()
	if err != nil {
		return
	}
	o.mu.Lock()
	o.info = info
	o.mu.Unlock()
}

// Available reports whether an NVIDIA GPU management interface is
// present on this host.
func Available() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

// QueryNow runs nvidia-smi and returns the first GPU's current state.
func QueryNow() (Info, error) {
	if !Available() {
		return Info{}, fmt.Errorf("no nvidia GPU management interface found")
	}

	cmd := exec.Command("nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,utilization.gpu",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("running nvidia-smi: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return Info{}, fmt.Errorf("nvidia-smi returned no output")
	}

	fields := strings.Split(scanner.Text(), ",")
	if len(fields) != 4 {
		return Info{}, fmt.Errorf("unexpected nvidia-smi output: %q", scanner.Text())
	}

	name := strings.TrimSpace(fields[0])
	totalMiB, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("parsing memory.total: %w", err)
	}
	usedMiB, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("parsing memory.used: %w", err)
	}
	util, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return Info{}, fmt.Errorf("parsing utilization.gpu: %w", err)
	}

	const mib = 1024 * 1024
	return Info{
		Name:               name,
		MemoryTotalBytes:   totalMiB * mib,
		MemoryUsedBytes:    usedMiB * mib,
		UtilizationPercent: util,
		Timestamp:          time.Now(),
	}, nil
}

// Precheck is the orchestrator's gpuCheck collaborator: it rejects
// starting a gpu: true service outright when no GPU is present, rather
// than spawning a process that will fail once it reaches for CUDA.
func Precheck(name string) error {
	if !Available() {
		return fmt.Errorf("service %s requires gpu but none was found on this host", name)
	}
	return nil
}
