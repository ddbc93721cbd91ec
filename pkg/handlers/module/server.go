package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Func serves one command of a module written in Go and returns the
// outcome name. Returning a *CommandError sends its code; any other error
// is sent with code FAILED.
type Func func(ctx context.Context, cmd *CommandMessage, emit func(level, message string)) (string, error)

// Serve runs the module side of the protocol on r and w until r ends: it
// announces READY, answers every command with fn, and sends EXIT.
func Serve(ctx context.Context, r io.Reader, w io.Writer, name, version string, fn Func) error {
	enc := NewEncoder(w)
	dec := NewDecoder(r)

	if err := enc.Encode(MessageTypeReady, &ReadyMessage{
		Name:            name,
		Version:         version,
		ProtocolVersion: ProtocolVersion,
		PID:             os.Getpid(),
	}); err != nil {
		return err
	}

	served := 0
	for {
		cmd, err := dec.DecodeCommand()
		if errors.Is(err, io.EOF) {
			return enc.Encode(MessageTypeExit, &ExitMessage{
				Reason: fmt.Sprintf("input closed after %d commands", served),
			})
		}
		if err != nil {
			_ = enc.Encode(MessageTypeError, &ErrorMessage{Code: "PROTOCOL", Message: err.Error()})
			return err
		}
		served++

		emit := func(level, message string) {
			_ = enc.Encode(MessageTypeEvent, &EventMessage{CommandID: cmd.ID, Level: level, Message: message})
		}
		start := time.Now()
		outcome, err := fn(ctx, cmd, emit)
		if err != nil {
			reply := &ErrorMessage{CommandID: cmd.ID, Code: "FAILED", Message: err.Error()}
			var cmdErr *CommandError
			if errors.As(err, &cmdErr) {
				reply.Code, reply.Message = cmdErr.Code, cmdErr.Message
			}
			if err := enc.Encode(MessageTypeError, reply); err != nil {
				return err
			}
			continue
		}
		if err := enc.Encode(MessageTypeDone, &DoneMessage{
			CommandID: cmd.ID,
			Outcome:   outcome,
			Duration:  time.Since(start).Seconds(),
		}); err != nil {
			return err
		}
	}
}
