package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// MessageType identifies one of the nine protocol messages exchanged with a
// worker over newline-delimited JSON on its stdio pipes.
type MessageType string

const (
	MessageInit            MessageType = "init"
	MessageActivate        MessageType = "activate"
	MessageDeactivate      MessageType = "deactivate"
	MessageCall            MessageType = "call"
	MessageResponse        MessageType = "response"
	MessageError           MessageType = "error"
	MessageLog             MessageType = "log"
	MessageRegisterTool    MessageType = "register-tool"
	MessageRegisterCommand MessageType = "register-command"
)

// maxLogMessageLen caps log/error message payloads from a worker.
const maxLogMessageLen = 10000

var knownTypes = map[MessageType]bool{
	MessageInit:            true,
	MessageActivate:        true,
	MessageDeactivate:      true,
	MessageCall:            true,
	MessageResponse:        true,
	MessageError:           true,
	MessageLog:             true,
	MessageRegisterTool:    true,
	MessageRegisterCommand: true,
}

var registrationNameRe = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// Message is the wire envelope. ID correlates requests with responses;
// unsolicited messages (log, register-tool, register-command) may omit it.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload is the handshake sent to a freshly spawned worker.
type InitPayload struct {
	PluginPath  string          `json:"pluginPath"`
	PluginID    string          `json:"pluginId"`
	DataDir     string          `json:"dataDir"`
	Config      json.RawMessage `json:"config,omitempty"`
	Permissions *Permissions    `json:"permissions,omitempty"`
}

// CallPayload invokes a named method inside the worker.
type CallPayload struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// ResponsePayload carries a successful result back to the host. Ready is
// set only on the bootstrap message a worker sends before init.
type ResponsePayload struct {
	Ready  bool            `json:"ready,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorPayload carries a failure back to the host.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LogPayload is an unsolicited log line from the worker.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// RegistrationPayload announces a tool or command the plugin provides. The
// name must carry the plugin's "<pluginID>:" prefix.
type RegistrationPayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// rawMessage mirrors Message but leaves id untyped so a non-string id can
// be detected instead of silently failing to decode.
type rawMessage struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseMessage decodes and structurally validates one inbound wire message.
// Anything that fails validation is rejected before a handler can see it;
// the worker is untrusted and malformed traffic is dropped, not honored.
func ParseMessage(line []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}

	msgType := MessageType(raw.Type)
	if !knownTypes[msgType] {
		return Message{}, fmt.Errorf("unknown message type %q", raw.Type)
	}

	msg := Message{Type: msgType, Payload: raw.Payload}

	if len(raw.ID) > 0 {
		if err := json.Unmarshal(raw.ID, &msg.ID); err != nil {
			return Message{}, fmt.Errorf("message id must be a string")
		}
	}

	switch msgType {
	case MessageLog:
		var p LogPayload
		if err := strictUnmarshal(raw.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("invalid log payload: %w", err)
		}
		if p.Level == "" || p.Message == "" {
			return Message{}, fmt.Errorf("log payload requires string level and message")
		}
		if len(p.Message) > maxLogMessageLen {
			return Message{}, fmt.Errorf("log message exceeds %d characters", maxLogMessageLen)
		}
	case MessageError:
		var p ErrorPayload
		if err := strictUnmarshal(raw.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("invalid error payload: %w", err)
		}
		if p.Message == "" {
			return Message{}, fmt.Errorf("error payload requires a string message")
		}
		if len(p.Message) > maxLogMessageLen {
			return Message{}, fmt.Errorf("error message exceeds %d characters", maxLogMessageLen)
		}
	case MessageRegisterTool, MessageRegisterCommand:
		var p RegistrationPayload
		if err := strictUnmarshal(raw.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("invalid registration payload: %w", err)
		}
		if p.Name == "" || !registrationNameRe.MatchString(p.Name) {
			return Message{}, fmt.Errorf("registration name %q is not a valid identifier", p.Name)
		}
		if msgType == MessageRegisterTool && p.Description == "" {
			return Message{}, fmt.Errorf("tool registration requires a description")
		}
	}

	return msg, nil
}

// strictUnmarshal fails on a missing payload or on type mismatches inside
// it; absent optional fields are fine.
func strictUnmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("payload is required")
	}
	return json.Unmarshal(data, v)
}

// EncodeMessage renders an outbound message as one NDJSON line.
func EncodeMessage(msgType MessageType, id string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		raw = data
	}
	data, err := json.Marshal(Message{Type: msgType, ID: id, Payload: raw})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
