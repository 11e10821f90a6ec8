// Package dispatch routes validated packets by major key.
//
// ERROR, RESET and ACK are handled here against the connection's Control.
// CONFIG_UPDATE and application keys go to registered handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnroutable  = errors.New("dispatch: no handler for major key")
	ErrReservedKey = errors.New("dispatch: major key is handled by the protocol layer")
	ErrNilHandler  = errors.New("dispatch: nil handler")
)

// Handler consumes one routed packet.
type Handler interface {
	Handle(ctx context.Context, p packet.Packet) error
}

type HandlerFunc func(ctx context.Context, p packet.Packet) error

func (f HandlerFunc) Handle(ctx context.Context, p packet.Packet) error {
	return f(ctx, p)
}

// Control is the connection state the control keys act on.
type Control interface {
	Ack(ref packet.Ref) bool
	Nack(ref packet.Ref) bool
	Reset()
}

type Outcome int

const (
	Routed Outcome = iota
	Acked
	Nacked
	Stray
	Fault
	ResetApplied
	Unroutable
	HandlerFailed
)

func (o Outcome) String() string {
	switch o {
	case Routed:
		return "routed"
	case Acked:
		return "acked"
	case Nacked:
		return "nacked"
	case Stray:
		return "stray"
	case Fault:
		return "fault"
	case ResetApplied:
		return "reset"
	case Unroutable:
		return "unroutable"
	case HandlerFailed:
		return "handler_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what Dispatch did with one packet. Err is set for Fault,
// Unroutable and HandlerFailed.
type Result struct {
	Outcome Outcome
	Packet  packet.Packet
	Err     error
}

// RoutingError reports a packet dropped at dispatch.
type RoutingError struct {
	Major packet.MajorKey
	Minor uint8
	Err   error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("dispatch major=%s minor=%d: %v", e.Major, e.Minor, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// DeviceFault is a peer ERROR packet that does not reference the in-flight
// transfer.
type DeviceFault struct {
	Ref     packet.Ref
	Payload []byte
}

func (f *DeviceFault) Error() string {
	if f.Ref.HasMinor {
		return fmt.Sprintf("device fault major=%s minor=%d", f.Ref.Major, f.Ref.Minor)
	}
	return fmt.Sprintf("device fault major=%s", f.Ref.Major)
}

type Dispatcher struct {
	ctl Control

	mu       sync.RWMutex
	handlers map[packet.MajorKey]Handler
}

func New(ctl Control) *Dispatcher {
	return &Dispatcher{
		ctl:      ctl,
		handlers: make(map[packet.MajorKey]Handler),
	}
}

// Register installs h for major, replacing any previous handler.
func (d *Dispatcher) Register(major packet.MajorKey, h Handler) error {
	if major.Control() {
		return fmt.Errorf("%w: %s", ErrReservedKey, major)
	}
	if h == nil {
		return ErrNilHandler
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[major] = h
	return nil
}

func (d *Dispatcher) Unregister(major packet.MajorKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, major)
}

func (d *Dispatcher) Registered(major packet.MajorKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[major]
	return ok
}

func (d *Dispatcher) Dispatch(ctx context.Context, p packet.Packet) Result {
	res := Result{Packet: p}
	switch p.Major {
	case packet.MajorAck:
		res.Outcome = Stray
		if d.ctl != nil && d.ctl.Ack(packet.RefOf(p)) {
			res.Outcome = Acked
		}
	case packet.MajorError:
		ref := packet.RefOf(p)
		if d.ctl != nil && d.ctl.Nack(ref) {
			res.Outcome = Nacked
			break
		}
		res.Outcome = Fault
		var extra []byte
		if len(p.Payload) > 1 {
			extra = append(extra, p.Payload[1:]...)
		}
		res.Err = &DeviceFault{Ref: ref, Payload: extra}
	case packet.MajorReset:
		if d.ctl != nil {
			d.ctl.Reset()
		}
		res.Outcome = ResetApplied
	default:
		d.mu.RLock()
		h, ok := d.handlers[p.Major]
		d.mu.RUnlock()
		if !ok {
			res.Outcome = Unroutable
			res.Err = &RoutingError{Major: p.Major, Minor: p.Minor, Err: ErrUnroutable}
			break
		}
		if err := h.Handle(ctx, p); err != nil {
			res.Outcome = HandlerFailed
			res.Err = &RoutingError{Major: p.Major, Minor: p.Minor, Err: err}
			break
		}
		res.Outcome = Routed
	}
	if res.Err != nil {
		log.Debug().Stringer("major", p.Major).Uint8("minor", p.Minor).Stringer("outcome", res.Outcome).Err(res.Err).Msg("dispatch.Dispatch")
	}
	return res
}
