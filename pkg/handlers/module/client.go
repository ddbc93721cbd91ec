package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by a client after Close or after the module went
// away.
var ErrClosed = errors.New("module client is closed")

// CommandError is an ERROR reply to a command.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("module error %s: %s", e.Code, e.Message)
}

type received struct {
	msg *Message
	err error
}

// Client speaks the protocol with one module over its stdio. Commands are
// sent one at a time.
type Client struct {
	logger  zerolog.Logger
	encoder *Encoder
	msgs    chan received
	done    chan struct{}

	mu     sync.Mutex
	ready  *ReadyMessage
	broken error
	once   sync.Once
}

// NewClient starts reading messages from r. Commands are written to w.
func NewClient(logger zerolog.Logger, r io.Reader, w io.Writer) *Client {
	c := &Client{
		logger:  logger,
		encoder: NewEncoder(w),
		msgs:    make(chan received, 16),
		done:    make(chan struct{}),
	}
	go c.read(NewDecoder(r))
	return c
}

func (c *Client) read(dec *Decoder) {
	for {
		msg, err := dec.Decode()
		select {
		case c.msgs <- received{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// next returns the next message, giving up when ctx ends.
func (c *Client) next(ctx context.Context) (*Message, error) {
	select {
	case r := <-c.msgs:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil, fmt.Errorf("module closed its output: %w", ErrClosed)
			}
			return nil, r.err
		}
		return r.msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// WaitReady waits for the READY message and checks the protocol version.
func (c *Client) WaitReady(ctx context.Context) (*ReadyMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.next(ctx)
	if err != nil {
		c.broken = err
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	}
	if msg.Type != MessageTypeReady {
		c.broken = fmt.Errorf("expected READY, got %s", msg.Type)
		return nil, c.broken
	}
	var ready ReadyMessage
	if err := ParseData(msg.Data, &ready); err != nil {
		c.broken = err
		return nil, err
	}
	if ready.ProtocolVersion != ProtocolVersion {
		c.broken = fmt.Errorf("unsupported protocol version %d", ready.ProtocolVersion)
		return nil, c.broken
	}
	c.ready = &ready
	return &ready, nil
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Broken returns the error that made the stream unusable, if any. A client
// whose command was interrupted cannot be reused because the reply may
// still arrive.
func (c *Client) Broken() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Execute sends a command and waits for its DONE reply. EVENT messages are
// passed to events. An ERROR reply is returned as *CommandError.
func (c *Client) Execute(ctx context.Context, cmd *CommandMessage, events func(*EventMessage)) (*DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, c.broken)
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if err := c.encoder.Encode(MessageTypeCommand, cmd); err != nil {
		c.broken = err
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := c.next(ctx)
		if err != nil {
			c.broken = err
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case MessageTypeEvent:
			var event EventMessage
			if err := ParseData(msg.Data, &event); err != nil {
				c.broken = err
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if events != nil {
				events(&event)
			}

		case MessageTypeDone:
			var done DoneMessage
			if err := ParseData(msg.Data, &done); err != nil {
				c.broken = err
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				c.broken = fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
				return nil, c.broken
			}
			return &done, nil

		case MessageTypeError:
			var errMsg ErrorMessage
			if err := ParseData(msg.Data, &errMsg); err != nil {
				c.broken = err
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				c.broken = fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
				return nil, c.broken
			}
			return nil, &CommandError{Code: errMsg.Code, Message: errMsg.Message}

		case MessageTypeExit:
			var exit ExitMessage
			_ = ParseData(msg.Data, &exit)
			c.broken = fmt.Errorf("module exited: %s (code %d)", exit.Reason, exit.ExitCode)
			return nil, c.broken

		default:
			c.broken = fmt.Errorf("unexpected message type: %s", msg.Type)
			return nil, c.broken
		}
	}
}

// Close stops reading. It does not close the underlying streams.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	if c.broken == nil {
		c.broken = ErrClosed
	}
	c.mu.Unlock()
}
