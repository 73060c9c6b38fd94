package controlserver

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON renders the tagged union using the same {"type": ...}
// envelope the daemon's Rust predecessor used, so a client written
// against that wire format keeps working unmodified.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case msgHeartbeat:
		return json.Marshal(struct {
			Type     string            `json:"type"`
			Service  string            `json:"service"`
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
		}{msgHeartbeat, m.Service, m.Status, m.Metadata})
	case msgCommand:
		return json.Marshal(struct {
			Type   string        `json:"type"`
			Action CommandAction `json:"action"`
			Target *string       `json:"target,omitempty"`
		}{msgCommand, m.Action, nilIfEmpty(m.Target)})
	case msgSubscribe:
		return json.Marshal(struct {
			Type   string  `json:"type"`
			Events bool    `json:"events"`
			Logs   *string `json:"logs,omitempty"`
		}{msgSubscribe, m.Events, m.Logs})
	case msgGetSnapshot:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{msgGetSnapshot})
	case msgGetLogs:
		return json.Marshal(struct {
			Type    string  `json:"type"`
			Service *string `json:"service,omitempty"`
		}{msgGetLogs, m.LogService})
	default:
		return nil, fmt.Errorf("unknown client message type %q", m.Type)
	}
}

func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Type     string            `json:"type"`
		Service  string            `json:"service"`
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
		Action   CommandAction     `json:"action"`
		Target   *string           `json:"target"`
		Events   bool              `json:"events"`
		Logs     *string           `json:"logs"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	*m = ClientMessage{Type: envelope.Type}
	switch envelope.Type {
	case msgHeartbeat:
		m.Service = envelope.Service
		m.Status = envelope.Status
		m.Metadata = envelope.Metadata
	case msgCommand:
		m.Action = envelope.Action
		if envelope.Target != nil {
			m.Target = *envelope.Target
		}
	case msgSubscribe:
		m.Events = envelope.Events
		m.Logs = envelope.Logs
	case msgGetSnapshot:
	case msgGetLogs:
		m.LogService = envelope.Logs
		if envelope.Service != "" {
			svc := envelope.Service
			m.LogService = &svc
		}
	default:
		return fmt.Errorf("unknown client message type %q", envelope.Type)
	}
	return nil
}

func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case msgAck:
		return json.Marshal(struct {
			Type      string  `json:"type"`
			RequestID *string `json:"request_id,omitempty"`
		}{msgAck, m.RequestID})
	case msgError:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Code    *int   `json:"code,omitempty"`
		}{msgError, m.Message, m.Code})
	case msgStatusUpd:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Service string `json:"service"`
			Status  string `json:"status"`
		}{msgStatusUpd, m.Service, m.Status})
	case msgLogLine:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Service string `json:"service"`
			Line    string `json:"line"`
		}{msgLogLine, m.Service, m.Line})
	case msgSnapshot:
		return json.Marshal(struct {
			Type     string                     `json:"type"`
			Services map[string]ServiceSnapshot `json:"services"`
		}{msgSnapshot, m.Services})
	case msgLogHistory:
		return json.Marshal(struct {
			Type    string   `json:"type"`
			Service *string  `json:"service,omitempty"`
			Lines   []string `json:"lines"`
		}{msgLogHistory, m.LogService, m.Lines})
	default:
		return nil, fmt.Errorf("unknown server message type %q", m.Type)
	}
}

func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Type      string                     `json:"type"`
		RequestID *string                    `json:"request_id"`
		Message   string                     `json:"message"`
		Code      *int                       `json:"code"`
		Service   string                     `json:"service"`
		Status    string                     `json:"status"`
		Line      string                     `json:"line"`
		Services  map[string]ServiceSnapshot `json:"services"`
		Lines     []string                   `json:"lines"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	*m = ServerMessage{Type: envelope.Type}
	switch envelope.Type {
	case msgAck:
		m.RequestID = envelope.RequestID
	case msgError:
		m.Message = envelope.Message
		m.Code = envelope.Code
	case msgStatusUpd:
		m.Service = envelope.Service
		m.Status = envelope.Status
	case msgLogLine:
		m.Service = envelope.Service
		m.Line = envelope.Line
	case msgSnapshot:
		m.Services = envelope.Services
	case msgLogHistory:
		if envelope.Service != "" {
			svc := envelope.Service
			m.LogService = &svc
		}
		m.Lines = envelope.Lines
	default:
		return fmt.Errorf("unknown server message type %q", envelope.Type)
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
