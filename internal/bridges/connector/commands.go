package connector

import (
	"context"
	"fmt"
)

// WriteDevice operation codes.
const (
	OpClose       = 0
	OpOpen        = 1
	OpStop        = 2
	OpUpdateState = 5
)

// sender is the transport surface used to dispatch commands.
type sender interface {
	Send(ctx context.Context, m Message) error
}

// dispatcher builds WriteDevice and ReadDevice requests using the current
// access token of the target device.
type dispatcher struct {
	tx  sender
	reg *Registry
}

// write sends op to b.
func (d *dispatcher) write(ctx context.Context, b *Blind, op Operation) error {
	d.reg.mu.RLock()
	msg := WriteDevice{
		Mac:         b.mac,
		DeviceType:  b.deviceType,
		AccessToken: b.accessTokenLocked(),
		Data:        op,
	}
	d.reg.mu.RUnlock()

	if msg.AccessToken == "" {
		return fmt.Errorf("%w: no access token for %s", ErrMissingCredentials, msg.Mac)
	}
	return d.tx.Send(ctx, msg)
}

// queryDetails asks a device for its details: WriteDevice with the
// updateState operation, or ReadDevice for hubs that only answer that.
func (d *dispatcher) queryDetails(ctx context.Context, e PendingEntry, useRead bool) error {
	token, ok := d.reg.accessTokenFor(e.Mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, e.Mac)
	}

	if useRead {
		return d.tx.Send(ctx, ReadDevice{Mac: e.Mac, DeviceType: e.DeviceType, AccessToken: token})
	}
	return d.tx.Send(ctx, WriteDevice{
		Mac:         e.Mac,
		DeviceType:  e.DeviceType,
		AccessToken: token,
		Data:        Operation{Operation: intPtr(OpUpdateState)},
	})
}

// Open fully opens the blind.
func (b *Blind) Open(ctx context.Context) error {
	return b.writeMoving(ctx, Operation{Operation: intPtr(OpOpen)}, true, false)
}

// Close fully closes the blind.
func (b *Blind) Close(ctx context.Context) error {
	return b.writeMoving(ctx, Operation{Operation: intPtr(OpClose)}, false, true)
}

// Stop halts the blind.
func (b *Blind) Stop(ctx context.Context) error {
	return b.writeMoving(ctx, Operation{Operation: intPtr(OpStop)}, false, false)
}

// SetPosition moves a two-way blind to position (0 open, 100 closed).
//
// Returns:
//   - error: ErrNotSupported for one-way blinds, ErrValidation when
//     position is outside 0-100; nothing is sent in either case
func (b *Blind) SetPosition(ctx context.Context, position int) error {
	if b.variant != VariantTwoWay {
		return fmt.Errorf("%w: set position on %s blind %s", ErrNotSupported, b.variant, b.mac)
	}
	if position < PositionOpen || position > PositionClosed {
		return fmt.Errorf("%w: position %d outside %d-%d", ErrValidation, position, PositionOpen, PositionClosed)
	}

	op := Operation{TargetPosition: intPtr(position)}
	current := b.State()
	if !current.HasPosition || position == current.Position {
		return b.disp.write(ctx, b, op)
	}
	return b.writeMoving(ctx, op, position < current.Position, position > current.Position)
}

// writeMoving sends op with the movement flags of a two-way blind already
// set, so a Report handled while the send is in flight clears them. The
// flags are rolled back if the send fails.
func (b *Blind) writeMoving(ctx context.Context, op Operation, opening, closing bool) error {
	if b.variant != VariantTwoWay {
		return b.disp.write(ctx, b, op)
	}
	undo := b.reg.markMoving(b, opening, closing)
	if err := b.disp.write(ctx, b, op); err != nil {
		undo()
		return err
	}
	return nil
}

// SetAngle tilts a two-way blind to angle (0-180).
//
// Returns:
//   - error: ErrNotSupported for one-way blinds, ErrValidation when angle
//     is outside 0-180; nothing is sent in either case
func (b *Blind) SetAngle(ctx context.Context, angle int) error {
	if b.variant != VariantTwoWay {
		return fmt.Errorf("%w: set angle on %s blind %s", ErrNotSupported, b.variant, b.mac)
	}
	if angle < AngleMin || angle > AngleMax {
		return fmt.Errorf("%w: angle %d outside %d-%d", ErrValidation, angle, AngleMin, AngleMax)
	}
	return b.disp.write(ctx, b, Operation{TargetAngle: intPtr(angle)})
}

// UpdateState asks a two-way blind to report its state.
func (b *Blind) UpdateState(ctx context.Context) error {
	if b.variant != VariantTwoWay {
		return fmt.Errorf("%w: update state on %s blind %s", ErrNotSupported, b.variant, b.mac)
	}
	return b.disp.write(ctx, b, Operation{Operation: intPtr(OpUpdateState)})
}
