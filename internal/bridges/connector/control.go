package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Command names accepted over MQTT and HTTP.
const (
	CommandOpen        = "open"
	CommandClose       = "close"
	CommandStop        = "stop"
	CommandSetPosition = "set_position"
	CommandSetTilt     = "set_tilt"
	CommandRefresh     = "refresh"
)

// BlindCommand is a validated command ready to apply to a blind.
type BlindCommand struct {
	Name string

	// Position is in protocol units (0 open, 100 closed).
	Position int

	// Tilt is in degrees (0-180).
	Tilt int
}

// ParseBlindCommand validates a command name and its parameters.
//
// set_position takes "position" as percent open (Gray Logic convention) and
// converts it to protocol units. set_tilt takes "tilt" in degrees.
//
// Returns:
//   - BlindCommand: The validated command
//   - error: ErrInvalidCommand for unknown names, ErrValidation for missing
//     or out-of-range parameters
func ParseBlindCommand(name string, params map[string]any) (BlindCommand, error) {
	cmd := BlindCommand{Name: name}

	switch name {
	case CommandOpen, CommandClose, CommandStop, CommandRefresh:
		return cmd, nil

	case CommandSetPosition:
		pct, err := intParam(params, "position", 0, 100)
		if err != nil {
			return cmd, err
		}
		cmd.Position = PercentOpen(pct)
		return cmd, nil

	case CommandSetTilt:
		tilt, err := intParam(params, "tilt", AngleMin, AngleMax)
		if err != nil {
			return cmd, err
		}
		cmd.Tilt = tilt
		return cmd, nil

	default:
		return cmd, fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
}

// intParam reads a whole number parameter within [low, high].
// JSON numbers arrive as float64.
func intParam(params map[string]any, key string, low, high int) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing '%s' parameter", ErrValidation, key)
	}

	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	default:
		return 0, fmt.Errorf("%w: '%s' must be a number", ErrValidation, key)
	}

	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: '%s' must be a whole number, got %v", ErrValidation, key, v)
	}
	if v < float64(low) || v > float64(high) {
		return 0, fmt.Errorf("%w: '%s' must be %d-%d, got %v", ErrValidation, key, low, high, v)
	}
	return int(v), nil
}

// Apply sends the command to b.
func (c BlindCommand) Apply(ctx context.Context, b *Blind) error {
	switch c.Name {
	case CommandOpen:
		return b.Open(ctx)
	case CommandClose:
		return b.Close(ctx)
	case CommandStop:
		return b.Stop(ctx)
	case CommandSetPosition:
		return b.SetPosition(ctx, c.Position)
	case CommandSetTilt:
		return b.SetAngle(ctx, c.Tilt)
	case CommandRefresh:
		return b.UpdateState(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCommand, c.Name)
	}
}

// ErrorCodeFor maps an engine error onto an ack error code.
func ErrorCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrValidation):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrNotSupported):
		return ErrCodeNotSupported
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrMissingCredentials):
		return ErrCodeNotConfigured
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeDeviceUnreachable
	}
}
