package module

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MessageType is the type of a protocol message.
type MessageType string

const (
	// MessageTypeReady is sent once by the module when it accepts commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand is a request from the agent
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent is a log line from the module
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone completes a command
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError fails a command
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent by the module before it terminates
	MessageTypeExit MessageType = "EXIT"
)

// Operation is what a command asks the module to do.
type Operation string

const (
	// OperationValidate checks the attributes of a promise without
	// touching the system.
	OperationValidate Operation = "validate"
	// OperationEvaluate keeps the promise.
	OperationEvaluate Operation = "evaluate"
)

// ProtocolVersion is the version announced in READY that the agent accepts.
const ProtocolVersion = 1

// maxLine bounds one message.
const maxLine = 10 * 1024 * 1024

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces the module.
type ReadyMessage struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	ProtocolVersion int               `json:"protocol_version"`
	PID             int               `json:"pid,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CommandMessage asks the module to validate or evaluate one promise.
type CommandMessage struct {
	ID         string         `json:"id"`
	Operation  Operation      `json:"operation"`
	Type       string         `json:"promise_type"`
	Bundle     string         `json:"bundle"`
	Promiser   string         `json:"promiser"`
	Attributes map[string]any `json:"attributes,omitempty"`
	DryRun     bool           `json:"dry_run"`
	Timeout    int            `json:"timeout"` // seconds
}

// EventMessage is a log line emitted while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // debug, info, warn, error
	Message   string `json:"message"`
}

// DoneMessage completes a command with an outcome.
type DoneMessage struct {
	CommandID string  `json:"command_id"`
	Outcome   string  `json:"outcome"`
	Duration  float64 `json:"duration,omitempty"` // seconds
}

// ErrorMessage fails a command, or the module when CommandID is empty.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ExitMessage is the last message of a module.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	switch cmd.Operation {
	case OperationValidate, OperationEvaluate:
	default:
		return fmt.Errorf("invalid operation: %s", cmd.Operation)
	}
	if cmd.Type == "" {
		return fmt.Errorf("promise type is required")
	}
	return nil
}

// Encoder writes protocol messages, one JSON object per line.
type Encoder struct {
	w   *bufio.Writer
	now func() time.Time
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), now: time.Now}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data any) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var raw []byte
	if data != nil {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	line, err := json.Marshal(Message{Type: msgType, Timestamp: e.now().UTC(), Data: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads protocol messages.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	return &Decoder{r: scanner}
}

// Decode reads the next message. It returns io.EOF at the end of the
// stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// DecodeCommand reads a CMD message. Modules written in Go use it to serve
// the agent.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}

	var cmd CommandMessage
	if err := ParseData(msg.Data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// ParseData decodes the data of a message into target.
func ParseData(data json.RawMessage, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
