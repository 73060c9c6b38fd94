package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zero-robotics/krill/internal/controlserver"
)

// attach is the terminal dashboard: a pure view over the control
// server's broadcast stream (spec.md §1 lists this renderer as an
// out-of-core collaborator). It never calls into the orchestrator
// directly — everything it shows arrives as a ServerMessage.
var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a live terminal dashboard to the running daemon",
	RunE:  runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("attach requires an interactive terminal")
	}

	conn, err := dialControl()
	if err != nil {
		return err
	}

	events := make(chan controlserver.ServerMessage, 256)
	errCh := make(chan error, 1)
	go streamEvents(conn, events, errCh)

	if err := sendLine(conn, controlserver.ClientMessage{Type: "subscribe", Events: true}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribing: %w", err)
	}
	if err := sendLine(conn, controlserver.ClientMessage{Type: "get_snapshot"}); err != nil {
		conn.Close()
		return fmt.Errorf("requesting snapshot: %w", err)
	}

	p := tea.NewProgram(newDashboardModel(conn, events, errCh), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// streamEvents decodes the connection's line-JSON stream into out until
// the connection closes or a decode-ending error occurs; it is the only
// reader of conn, so the dashboard model never touches the socket
// directly.
func streamEvents(conn net.Conn, out chan<- controlserver.ServerMessage, errCh chan<- error) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg controlserver.ServerMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		out <- msg
	}
	if err := scanner.Err(); err != nil {
		errCh <- err
		return
	}
	errCh <- fmt.Errorf("daemon closed the connection")
}

type eventMsg controlserver.ServerMessage
type streamErrMsg error

func waitForEvent(events <-chan controlserver.ServerMessage) tea.Cmd {
	return func() tea.Msg { return eventMsg(<-events) }
}

func waitForStreamErr(errCh <-chan error) tea.Cmd {
	return func() tea.Msg { return streamErrMsg(<-errCh) }
}

type dashboardModel struct {
	conn     net.Conn
	events   chan controlserver.ServerMessage
	errCh    chan error
	services map[string]controlserver.ServiceSnapshot
	logLines []string
	logs     viewport.Model
	err      error
}

const maxDashboardLogLines = 500

func newDashboardModel(conn net.Conn, events chan controlserver.ServerMessage, errCh chan error) *dashboardModel {
	return &dashboardModel{
		conn:     conn,
		events:   events,
		errCh:    errCh,
		services: make(map[string]controlserver.ServiceSnapshot),
		logs:     viewport.New(80, 10),
	}
}

func (m *dashboardModel) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), waitForStreamErr(m.errCh))
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.logs.Width = msg.Width - 2
		logHeight := msg.Height - len(m.services) - 6
		if logHeight < 3 {
			logHeight = 3
		}
		m.logs.Height = logHeight
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.conn.Close()
			return m, tea.Quit
		}

	case eventMsg:
		m.applyEvent(controlserver.ServerMessage(msg))
		return m, waitForEvent(m.events)

	case streamErrMsg:
		m.err = msg
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.logs, cmd = m.logs.Update(msg)
	return m, cmd
}

func (m *dashboardModel) applyEvent(msg controlserver.ServerMessage) {
	switch msg.Type {
	case "snapshot":
		m.services = msg.Services
	case "status_update":
		s := m.services[msg.Service]
		s.Status = msg.Status
		m.services[msg.Service] = s
	case "log_line":
		m.logLines = append(m.logLines, fmt.Sprintf("%-16s %s", msg.Service, msg.Line))
		if len(m.logLines) > maxDashboardLogLines {
			m.logLines = m.logLines[len(m.logLines)-maxDashboardLogLines:]
		}
		m.logs.SetContent(strings.Join(m.logLines, "\n"))
		m.logs.GotoBottom()
	}
}

var (
	dashboardHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dashboardStatusStyle = map[string]lipgloss.Style{
		"healthy":  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"running":  lipgloss.NewStyle().Foreground(lipgloss.Color("36")),
		"degraded": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"failed":   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"stopped":  lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		"stopping": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"starting": lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	}
)

func (m *dashboardModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("connection lost: %v\n", m.err)
	}

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(dashboardHeaderStyle.Render("krill — live workspace view") + "\n\n")
	for _, name := range names {
		s := m.services[name]
		style, ok := dashboardStatusStyle[s.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		fmt.Fprintf(&b, "%-20s %s\n", name, style.Render(s.Status))
	}
	b.WriteString("\n" + m.logs.View())
	b.WriteString("\n\nq: quit")
	return b.String()
}
