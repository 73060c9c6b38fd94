package controlserver

// ClientMessage is the tagged union of every message a client may send
// over the control socket. Exactly one of the pointer/value fields
// relevant to Type is populated; Type drives both (un)marshaling via
// MarshalJSON/UnmarshalJSON below.
type ClientMessage struct {
	Type string

	// heartbeat
	Service  string
	Status   string
	Metadata map[string]string

	// command
	Action CommandAction
	Target string

	// subscribe
	Events bool
	Logs   *string

	// get_logs
	LogService *string
}

type CommandAction string

const (
	ActionStart      CommandAction = "start"
	ActionStop       CommandAction = "stop"
	ActionRestart    CommandAction = "restart"
	ActionKill       CommandAction = "kill"
	ActionStopDaemon CommandAction = "stop_daemon"
)

const (
	msgHeartbeat   = "heartbeat"
	msgCommand     = "command"
	msgSubscribe   = "subscribe"
	msgGetSnapshot = "get_snapshot"
	msgGetLogs     = "get_logs"

	msgAck         = "ack"
	msgError       = "error"
	msgStatusUpd   = "status_update"
	msgLogLine     = "log_line"
	msgSnapshot    = "snapshot"
	msgLogHistory  = "log_history"
)

// ServiceSnapshot is the wire projection of one service's live state.
type ServiceSnapshot struct {
	Status        string   `json:"status"`
	PID           *int     `json:"pid,omitempty"`
	Uptime        *float64 `json:"uptime,omitempty"`
	RestartCount  uint32   `json:"restart_count"`
	LastError     *string  `json:"last_error,omitempty"`
	Namespace     string   `json:"namespace"`
	ExecutorType  string   `json:"executor_type"`
	Dependencies  []string `json:"dependencies"`
	UsesGPU       bool     `json:"uses_gpu"`
	Critical      bool     `json:"critical"`
	RestartPolicy string   `json:"restart_policy"`
	MaxRestarts   uint32   `json:"max_restarts"`
}

// ServerMessage is the tagged union of every message the server may
// broadcast or reply with.
type ServerMessage struct {
	Type string

	// ack / error
	RequestID *string
	Message   string
	Code      *int

	// status_update
	Service string
	Status  string

	// log_line
	Line string

	// snapshot
	Services map[string]ServiceSnapshot

	// log_history
	LogService *string
	Lines      []string
}

func Ack() ServerMessage { return ServerMessage{Type: msgAck} }

func ErrorMessage(message string, code int) ServerMessage {
	return ServerMessage{Type: msgError, Message: message, Code: &code}
}

func StatusUpdateMessage(service, status string) ServerMessage {
	return ServerMessage{Type: msgStatusUpd, Service: service, Status: status}
}

func LogLineMessage(service, line string) ServerMessage {
	return ServerMessage{Type: msgLogLine, Service: service, Line: line}
}

func SnapshotMessage(services map[string]ServiceSnapshot) ServerMessage {
	return ServerMessage{Type: msgSnapshot, Services: services}
}

func LogHistoryMessage(service *string, lines []string) ServerMessage {
	return ServerMessage{Type: msgLogHistory, LogService: service, Lines: lines}
}
