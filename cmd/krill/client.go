package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/zero-robotics/krill/internal/config"
	"github.com/zero-robotics/krill/internal/controlserver"
)

const (
	dialTimeout     = 2 * time.Second
	replyTimeout    = 2 * time.Second
	startupWaitTime = 5 * time.Second
)

// resolveSocketPath follows the same discovery the daemon itself uses
// for its persistent config, so a client invoked from anywhere in the
// workspace finds the daemon the daemon actually bound to.
func resolveSocketPath() string {
	if cfg, err := config.Load(config.DefaultPath()); err == nil && cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return defaultSocketPath()
}

func dialControl() (net.Conn, error) {
	socketPath := resolveSocketPath()
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w (is the krill daemon running? try `krill up`)", socketPath, err)
	}
	return conn, nil
}

func sendLine(conn net.Conn, msg controlserver.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

// readServerMessages scans newline-delimited ServerMessage values from
// conn, invoking fn for each until fn returns true (stop) or the read
// deadline already set on conn expires.
func readServerMessages(conn net.Conn, fn func(controlserver.ServerMessage) bool) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg controlserver.ServerMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if fn(msg) {
			return nil
		}
	}
	return scanner.Err()
}

// command sends a single command action and waits for the ack/error
// reply, ignoring any broadcast events that happen to arrive first.
func command(action controlserver.CommandAction, target string) error {
	conn, err := dialControl()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendLine(conn, controlserver.ClientMessage{Type: "command", Action: action, Target: target}); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(replyTimeout))
	var replyErr error
	err = readServerMessages(conn, func(msg controlserver.ServerMessage) bool {
		switch msg.Type {
		case "ack":
			return true
		case "error":
			replyErr = fmt.Errorf("daemon: %s", msg.Message)
			return true
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("waiting for reply: %w", err)
	}
	return replyErr
}

func requestSnapshot() (map[string]controlserver.ServiceSnapshot, error) {
	conn, err := dialControl()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := sendLine(conn, controlserver.ClientMessage{Type: "get_snapshot"}); err != nil {
		return nil, fmt.Errorf("sending get_snapshot: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(replyTimeout))
	var services map[string]controlserver.ServiceSnapshot
	found := false
	err = readServerMessages(conn, func(msg controlserver.ServerMessage) bool {
		if msg.Type == "snapshot" {
			services = msg.Services
			found = true
			return true
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for snapshot: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no snapshot reply from daemon within %s", replyTimeout)
	}
	return services, nil
}

func requestLogs(service string, lines int) ([]string, error) {
	conn, err := dialControl()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var svcField *string
	if service != "" {
		svcField = &service
	}
	if err := sendLine(conn, controlserver.ClientMessage{Type: "get_logs", LogService: svcField}); err != nil {
		return nil, fmt.Errorf("sending get_logs: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(replyTimeout))
	var out []string
	found := false
	err = readServerMessages(conn, func(msg controlserver.ServerMessage) bool {
		if msg.Type == "log_history" {
			out = msg.Lines
			found = true
			return true
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for log history: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no log_history reply from daemon within %s", replyTimeout)
	}
	if lines > 0 && len(out) > lines {
		out = out[len(out)-lines:]
	}
	return out, nil
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		services, err := requestSnapshot()
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(services)
		}

		if len(services) == 0 {
			fmt.Println("No services")
			return nil
		}

		names := make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATUS\tPID\tUPTIME\tRESTARTS\tCRITICAL\tGPU")
		for _, name := range names {
			s := services[name]
			pid := "-"
			if s.PID != nil {
				pid = fmt.Sprintf("%d", *s.PID)
			}
			uptime := "-"
			if s.Uptime != nil {
				uptime = time.Duration(*s.Uptime * float64(time.Second)).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%t\n",
				name, s.Status, pid, uptime, s.RestartCount, s.Critical, s.UsesGPU)
		}
		w.Flush()

		for _, name := range names {
			s := services[name]
			if s.Status == "failed" && s.LastError != nil {
				fmt.Printf("\n%s: %s\n", name, *s.LastError)
			}
		}
		return nil
	},
}

// stop command
var stopCmd = &cobra.Command{
	Use:   "stop <service>",
	Short: "Stop a running service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := command(controlserver.ActionStop, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s: stopping\n", args[0])
		return nil
	},
}

// restart command
var restartCmd = &cobra.Command{
	Use:   "restart <service>",
	Short: "Restart a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := command(controlserver.ActionRestart, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s: restarting\n", args[0])
		return nil
	},
}

// down command: stop the whole daemon.
var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the krill daemon and every service it supervises",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := command(controlserver.ActionStopDaemon, ""); err != nil {
			return err
		}
		fmt.Println("daemon stopping")
		return nil
	},
}

// logs command
var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Show recent log output for a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		lines, err := requestLogs(args[0], n)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

// up command: daemonize the daemon and wait for its startup handshake.
var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the krill daemon in the background",
	RunE:  runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	socketPath := resolveSocketPath()
	if conn, err := net.DialTimeout("unix", socketPath, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("krill daemon already running (socket %s is active)", socketPath)
	}

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating startup pipe: %w", err)
	}
	defer readEnd.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving krill executable: %w", err)
	}

	daemonArgs := []string{"daemon", "--startup-pipe-fd", "3"}
	if manifestFlag != "" {
		daemonArgs = append(daemonArgs, "--manifest", manifestFlag)
	}

	c := exec.Command(exe, daemonArgs...)
	// ExtraFiles hands the pipe's write end to the child as fd 3; Go's
	// exec package clears FD_CLOEXEC on it automatically across the
	// fork/exec, so no separate fcntl call is needed on this side.
	c.ExtraFiles = []*os.File{writeEnd}
	c.SysProcAttr = &unix.SysProcAttr{Setsid: true}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()
	c.Stdin = devnull
	c.Stdout = devnull
	c.Stderr = devnull

	if err := c.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	writeEnd.Close()
	_ = c.Process.Release()

	readEnd.SetReadDeadline(time.Now().Add(startupWaitTime))
	data, err := io.ReadAll(readEnd)
	if err != nil {
		return fmt.Errorf("daemon did not report startup status within %s: %w", startupWaitTime, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("daemon closed the startup pipe without reporting a result")
	}

	var result startupResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decoding startup result: %w", err)
	}
	if result.Error != nil {
		msg := fmt.Sprintf("daemon failed to start (%s): %s", result.Error.Category, result.Error.Message)
		if result.Error.Hint != "" {
			msg += "\nhint: " + result.Error.Hint
		}
		return fmt.Errorf("%s", msg)
	}

	fmt.Println("krill daemon started")
	return nil
}

var manifestFlag string

func init() {
	logsCmd.Flags().IntP("lines", "n", 100, "number of lines to show")
	upCmd.Flags().StringVar(&manifestFlag, "manifest", "", "Path to the workspace manifest (default: discovered)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(upCmd)
}
