package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	inflight packet.Packet
	busy     bool
	acks     int
	nacks    int
	resets   int
}

func (c *fakeControl) Ack(ref packet.Ref) bool {
	if !c.busy || !ref.Matches(c.inflight.Major, c.inflight.Minor) {
		return false
	}
	c.acks++
	return true
}

func (c *fakeControl) Nack(ref packet.Ref) bool {
	if !c.busy || !ref.Matches(c.inflight.Major, c.inflight.Minor) {
		return false
	}
	c.nacks++
	return true
}

func (c *fakeControl) Reset() {
	c.resets++
	c.busy = false
}

func TestControlKeysDriveConnection(t *testing.T) {
	testlog.Start(t)
	sent := packet.Packet{Major: packet.MajorTypeIO, Minor: 4}
	ctl := &fakeControl{inflight: sent, busy: true}
	d := New(ctl)
	ctx := context.Background()

	res := d.Dispatch(ctx, packet.AckFor(sent))
	require.Equal(t, Acked, res.Outcome)
	require.NoError(t, res.Err)

	res = d.Dispatch(ctx, packet.AckFor(packet.Packet{Major: packet.MajorTypeProgrammer, Minor: 4}))
	require.Equal(t, Stray, res.Outcome)

	res = d.Dispatch(ctx, packet.ErrorFor(sent))
	require.Equal(t, Nacked, res.Outcome)
	require.Equal(t, 1, ctl.nacks)

	res = d.Dispatch(ctx, packet.Packet{Major: packet.MajorReset})
	require.Equal(t, ResetApplied, res.Outcome)
	require.Equal(t, 1, ctl.resets)

	// With nothing in flight an ERROR is a device fault.
	res = d.Dispatch(ctx, packet.Packet{Major: packet.MajorError, Minor: uint8(packet.MajorTypeIO), Payload: []byte{4, 0x2a}})
	require.Equal(t, Fault, res.Outcome)
	var fault *DeviceFault
	require.True(t, errors.As(res.Err, &fault))
	require.Equal(t, packet.MajorTypeIO, fault.Ref.Major)
	require.Equal(t, uint8(4), fault.Ref.Minor)
	require.Equal(t, []byte{0x2a}, fault.Payload)
	require.Equal(t, 1, ctl.acks)
}

func TestRoutesRegisteredKeys(t *testing.T) {
	testlog.Start(t)
	d := New(&fakeControl{})
	var got []packet.Packet
	require.NoError(t, d.Register(packet.MajorConfigUpdate, HandlerFunc(func(_ context.Context, p packet.Packet) error {
		got = append(got, p)
		return nil
	})))
	require.True(t, d.Registered(packet.MajorConfigUpdate))

	p := packet.Packet{Major: packet.MajorConfigUpdate, Minor: 2, Payload: []byte{1}}
	res := d.Dispatch(context.Background(), p)
	require.Equal(t, Routed, res.Outcome)
	require.Equal(t, []packet.Packet{p}, got)

	d.Unregister(packet.MajorConfigUpdate)
	res = d.Dispatch(context.Background(), p)
	require.Equal(t, Unroutable, res.Outcome)
	require.ErrorIs(t, res.Err, ErrUnroutable)
	var rerr *RoutingError
	require.True(t, errors.As(res.Err, &rerr))
	require.Equal(t, uint8(2), rerr.Minor)
}

func TestHandlerErrorIsReported(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	boom := errors.New("pin out of range")
	require.NoError(t, d.Register(packet.MajorTypeIO, HandlerFunc(func(context.Context, packet.Packet) error {
		return boom
	})))
	res := d.Dispatch(context.Background(), packet.Packet{Major: packet.MajorTypeIO, Minor: 1})
	require.Equal(t, HandlerFailed, res.Outcome)
	require.ErrorIs(t, res.Err, boom)

	// Control keys without a Control are safe.
	require.Equal(t, Stray, d.Dispatch(context.Background(), packet.Packet{Major: packet.MajorAck, Minor: 6}).Outcome)
	require.Equal(t, ResetApplied, d.Dispatch(context.Background(), packet.Packet{Major: packet.MajorReset}).Outcome)
}

func TestRegisterRejectsControlKeys(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	for _, k := range []packet.MajorKey{packet.MajorError, packet.MajorReset, packet.MajorAck} {
		require.ErrorIs(t, d.Register(k, HandlerFunc(func(context.Context, packet.Packet) error { return nil })), ErrReservedKey)
	}
	require.ErrorIs(t, d.Register(packet.MajorTypeIO, nil), ErrNilHandler)
}
