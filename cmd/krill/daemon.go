package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zero-robotics/krill/internal/config"
	"github.com/zero-robotics/krill/internal/controlserver"
	"github.com/zero-robotics/krill/internal/gpu"
	"github.com/zero-robotics/krill/internal/logsink"
	"github.com/zero-robotics/krill/internal/manifest"
	"github.com/zero-robotics/krill/internal/orchestrator"
	"github.com/zero-robotics/krill/internal/runner"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the krill daemon",
	Long:  "Load the workspace manifest and supervise its services until stopped.",
	RunE:  runDaemon,
}

var (
	manifestPath  string
	startupPipeFD int
)

func init() {
	daemonCmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to the workspace manifest (default: discovered)")
	daemonCmd.Flags().IntVar(&startupPipeFD, "startup-pipe-fd", -1, "Inherited fd to report startup result on, used by the foreground client")
	rootCmd.AddCommand(daemonCmd)
}

// startupErrorCategory mirrors the categories the foreground client's
// startup handshake distinguishes.
type startupErrorCategory string

const (
	categoryConfig       startupErrorCategory = "Config"
	categoryLogStore     startupErrorCategory = "LogStore"
	categoryOrchestrator startupErrorCategory = "Orchestrator"
	categoryIPCServer    startupErrorCategory = "IpcServer"
)

// startupResult mirrors the Rust daemon's StartupResult enum on the
// wire: the success variant has no payload and serializes as the bare
// string "Success"; the error variant serializes as {"Error": {...}}.
type startupResult struct {
	Success bool
	Error   *startupResultError
}

type startupResultError struct {
	Category startupErrorCategory `json:"category"`
	Message  string               `json:"message"`
	Path     string               `json:"path,omitempty"`
	Hint     string               `json:"hint,omitempty"`
}

func (r startupResult) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			Error *startupResultError `json:"Error"`
		}{r.Error})
	}
	return json.Marshal("Success")
}

func (r *startupResult) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		*r = startupResult{Success: tag == "Success"}
		return nil
	}

	var envelope struct {
		Error *startupResultError `json:"Error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	*r = startupResult{Error: envelope.Error}
	return nil
}

// reportStartup writes exactly one JSON line to the inherited startup
// pipe, if one was passed, and closes it. A nil pipeFile is a no-op,
// which lets runDaemon behave the same whether or not it was launched
// by the foreground client.
func reportStartup(pipeFile *os.File, result startupResult) {
	if pipeFile == nil {
		return
	}
	defer pipeFile.Close()
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	data = append(data, '\n')
	pipeFile.Write(data)
}

// openStartupPipe wraps the inherited fd. The foreground client clears
// FD_CLOEXEC on the write end before exec; there is nothing further to
// do on this side beyond wrapping the descriptor.
func openStartupPipe(fd int) *os.File {
	if fd < 0 {
		return nil
	}
	return os.NewFile(uintptr(fd), "startup-pipe")
}

// combinedSink fans orchestrator events out to both disk persistence
// (logsink) and connected control-server clients, so neither
// collaborator needs to know about the other.
type combinedSink struct {
	logs   *logsink.Sink
	server *controlserver.Server
}

func (c *combinedSink) StatusUpdate(service string, status runner.Status) {
	c.server.StatusUpdate(service, status)
}

func (c *combinedSink) LogLine(service, line string) {
	c.logs.Write(service, line)
	c.server.LogLine(service, line)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	pipeFile := openStartupPipe(startupPipeFD)

	cfgPath := config.DefaultPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{
			Category: categoryConfig, Message: err.Error(), Path: cfgPath,
		}})
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	resolvedManifest, err := config.DiscoverManifest(manifestPath)
	if err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{
			Category: categoryConfig, Message: err.Error(),
			Hint: "create a krill.yaml or pass --manifest",
		}})
		return fmt.Errorf("discovering manifest: %w", err)
	}

	ws, err := manifest.Load(resolvedManifest)
	if err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{
			Category: categoryConfig, Message: err.Error(), Path: resolvedManifest,
		}})
		return fmt.Errorf("loading manifest: %w", err)
	}

	home, err := krillHome()
	if err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{Category: categoryConfig, Message: err.Error()}})
		return fmt.Errorf("resolving krill home: %w", err)
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{Category: categoryConfig, Message: err.Error(), Path: home}})
		return fmt.Errorf("creating krill home: %w", err)
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(home, "krill.sock")
	}

	if conn, err := net.DialTimeout("unix", socketPath, time.Second); err == nil {
		conn.Close()
		dialErr := fmt.Errorf("another daemon is already running (socket %s is active)", socketPath)
		reportStartup(pipeFile, startupResult{Error: &startupResultError{Category: categoryIPCServer, Message: dialErr.Error(), Path: socketPath}})
		return dialErr
	}
	os.Remove(socketPath)

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = ws.LogDir
	}
	if logDir == "" {
		logDir = filepath.Join(home, "logs")
	}
	sessionDir := filepath.Join(logDir, "session-"+time.Now().UTC().Format("20060102T150405Z"))

	logs, err := logsink.Open(sessionDir)
	if err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{Category: categoryLogStore, Message: err.Error(), Path: sessionDir}})
		return fmt.Errorf("opening log sink: %w", err)
	}
	defer logs.Close()

	logFile, err := os.OpenFile(filepath.Join(sessionDir, "krill.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{Category: categoryLogStore, Message: err.Error(), Path: sessionDir}})
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewJSONHandler(logFile, nil)).With("component", "daemon")
	logger.Info("krill daemon starting", "manifest", resolvedManifest, "workspace", ws.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gpuCheck := func(spec *manifest.ServiceSpec) error {
		return gpu.Precheck(spec.Name)
	}

	o, err := orchestrator.New(ws, nil, logger, gpuCheck)
	if err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{Category: categoryOrchestrator, Message: err.Error()}})
		return fmt.Errorf("building orchestrator: %w", err)
	}

	var stopOnce sync.Once
	stopCh := make(chan struct{})
	onStopDaemon := func() {
		stopOnce.Do(func() { close(stopCh) })
	}

	server := controlserver.New(socketPath, o, logs, logger, onStopDaemon)
	o.SetSink(&combinedSink{logs: logs, server: server})

	if err := server.ListenUnix(); err != nil {
		reportStartup(pipeFile, startupResult{Error: &startupResultError{Category: categoryIPCServer, Message: err.Error(), Path: socketPath}})
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	reportStartup(pipeFile, startupResult{Success: true})

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(ctx) }()

	o.StartAll(ctx)
	logger.Info("krill daemon ready", "socket", socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-stopCh:
		logger.Info("stop_daemon command received, shutting down")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("control server error", "error", err)
		}
	}

	o.Shutdown(context.Background())
	server.Shutdown(context.Background())
	cancel()

	logger.Info("krill daemon stopped")
	return nil
}

func defaultSocketPath() string {
	dir, err := krillHome()
	if err != nil {
		return "/tmp/krill.sock"
	}
	return filepath.Join(dir, "krill.sock")
}
