package sender

import (
	"context"
	"sync"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/google/uuid"
)

// Handle tracks one submitted transfer until it is done or failed.
type Handle struct {
	id     uuid.UUID
	major  packet.MajorKey
	minor  uint8
	total  uint64
	chunks int

	mu    sync.Mutex
	acked uint64
	state State
	err   error
	done  chan struct{}
}

func newHandle(major packet.MajorKey, minor uint8, total uint64, chunks int) *Handle {
	return &Handle{
		id:     uuid.New(),
		major:  major,
		minor:  minor,
		total:  total,
		chunks: chunks,
		state:  AwaitingAck,
		done:   make(chan struct{}),
	}
}

func (h *Handle) ID() uuid.UUID          { return h.id }
func (h *Handle) Major() packet.MajorKey { return h.major }
func (h *Handle) Minor() uint8           { return h.minor }
func (h *Handle) Total() uint64          { return h.total }
func (h *Handle) Chunks() int            { return h.chunks }

// Done is closed once the transfer reaches Done or Failed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns nil until the transfer fails, then its *TransferError.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Progress returns acknowledged and total byte counts.
func (h *Handle) Progress() (uint64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acked, h.total
}

// Wait blocks until the transfer finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) setAcked(n uint64) {
	h.mu.Lock()
	h.acked = n
	h.mu.Unlock()
}

func (h *Handle) finish(state State, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Done || h.state == Failed {
		return
	}
	h.state = state
	h.err = err
	close(h.done)
}
