package sender

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/rs/zerolog/log"
)

// DefaultPacketRetries is the retransmit budget per chunk (3 attempts total).
const DefaultPacketRetries = 2

// State of the sender's current or most recent transfer.
type State int

const (
	Idle State = iota
	AwaitingAck
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingAck:
		return "awaiting_ack"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Writer is the write half of a transport.
type Writer interface {
	Write(frame []byte) error
}

// Config holds the per-connection send settings.
type Config struct {
	Limits     packet.Limits
	Retries    int
	AckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limits:     packet.DefaultLimits(),
		Retries:    DefaultPacketRetries,
		AckTimeout: 500 * time.Millisecond,
	}
}

// WithDefaults fills an unset Limits and AckTimeout from DefaultConfig.
// Retries is taken as given: 0 means a single attempt per chunk, and a
// negative value clamps to 0.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Limits.MaxPayload == 0 {
		c.Limits = def.Limits
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	return c
}

// Hooks are invoked outside the sender lock. Any may be nil. OnDone and
// OnFailed run before the handle's Done channel closes.
type Hooks struct {
	OnStart    func(h *Handle)
	OnProgress func(h *Handle, r progress.Report)
	OnAttempt  func(h *Handle, chunk, attempt int, err error)
	OnDone     func(h *Handle)
	OnFailed   func(err *TransferError)
}

type transfer struct {
	handle  *Handle
	frames  [][]byte
	sizes   []int
	index   int
	retries int
	acked   uint64
	written bool
	// copies counts writes of the current chunk still owed a response.
	copies int
	// stale counts late ACKs for the previous chunk still to be absorbed.
	stale int
}

// Sender owns the single in-flight transfer of one connection.
//
// Chunk writes and control writes share one write lock so frames are never
// interleaved on the wire.
type Sender struct {
	cfg   Config
	w     Writer
	hooks Hooks

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	xfer    *transfer
	tracker *progress.Tracker
	timer   *time.Timer
	gen     uint64
	closed  bool
}

func New(w Writer, cfg Config, hooks Hooks) *Sender {
	return &Sender{
		cfg:     cfg.WithDefaults(),
		w:       w,
		hooks:   hooks,
		tracker: progress.NewTracker(),
	}
}

func (s *Sender) Config() Config {
	return s.cfg
}

func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the in-flight handle, or nil.
func (s *Sender) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AwaitingAck || s.xfer == nil {
		return nil
	}
	return s.xfer.handle
}

// Submit splits payload into chunks and sends chunk 0. A submit while a
// transfer is awaiting acknowledgment is rejected with ErrBusy.
func (s *Sender) Submit(major packet.MajorKey, minor uint8, payload []byte) (*Handle, error) {
	chunks := packet.Chunk(payload, s.cfg.Limits.MaxPayload)
	frames := make([][]byte, len(chunks))
	sizes := make([]int, len(chunks))
	for i, chunk := range chunks {
		frame, err := packet.Encode(packet.Packet{Major: major, Minor: minor, Payload: chunk}, s.cfg.Limits)
		if err != nil {
			return nil, err
		}
		frames[i] = frame
		sizes[i] = len(chunk)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.state == AwaitingAck {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	h := newHandle(major, minor, uint64(len(payload)), len(frames))
	x := &transfer{handle: h, frames: frames, sizes: sizes}
	s.xfer = x
	s.state = AwaitingAck
	start := s.tracker.Start(h.total)
	s.mu.Unlock()

	log.Debug().
		Str("transfer", h.id.String()).
		Stringer("major", major).
		Uint8("minor", minor).
		Int("bytes", len(payload)).
		Int("chunks", len(frames)).
		Msg("sender.Submit")
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(h)
	}
	s.emitProgress(h, start)

	// The transfer may have been cancelled while the start hooks ran.
	s.mu.Lock()
	if s.xfer != x || s.state != AwaitingAck {
		s.mu.Unlock()
		return h, nil
	}
	attemptErr := s.writeCurrentLocked()
	s.mu.Unlock()
	s.emitAttempt(h, 0, 1, attemptErr)
	return h, nil
}

// Ack advances the in-flight transfer when ref matches it. Stray or
// mismatched acknowledgments return false and change nothing. After a chunk
// was written more than once, the extra ACKs it is still owed are absorbed
// as duplicates instead of acknowledging the next chunk.
func (s *Sender) Ack(ref packet.Ref) bool {
	s.mu.Lock()
	x := s.xfer
	if s.state != AwaitingAck || x == nil || !x.written || !ref.Matches(x.handle.major, x.handle.minor) {
		s.mu.Unlock()
		return false
	}
	if x.stale > 0 {
		x.stale--
		id, chunk := x.handle.id, x.index
		s.mu.Unlock()
		log.Debug().Str("transfer", id.String()).Int("chunk", chunk).Msg("sender.Ack duplicate")
		return false
	}
	s.stopTimerLocked()
	x.stale = max(x.copies-1, 0)
	x.copies = 0
	x.acked += uint64(x.sizes[x.index])
	x.handle.setAcked(x.acked)
	x.index++
	x.retries = 0
	h := x.handle

	if x.index >= len(x.frames) {
		s.state = Done
		report := s.tracker.Complete()
		s.mu.Unlock()
		log.Debug().Str("transfer", h.id.String()).Msg("sender.Done")
		s.emitProgress(h, report)
		if s.hooks.OnDone != nil {
			s.hooks.OnDone(h)
		}
		h.finish(Done, nil)
		return true
	}

	report, ok := s.tracker.Advance(uint64(x.sizes[x.index-1]))
	index := x.index
	attemptErr := s.writeCurrentLocked()
	s.mu.Unlock()
	if ok {
		s.emitProgress(h, report)
	}
	s.emitAttempt(h, index, 1, attemptErr)
	return true
}

// Nack re-sends the in-flight chunk when ref matches it.
func (s *Sender) Nack(ref packet.Ref) bool {
	s.mu.Lock()
	x := s.xfer
	if s.state != AwaitingAck || x == nil || !x.written || !ref.Matches(x.handle.major, x.handle.minor) {
		s.mu.Unlock()
		return false
	}
	s.stopTimerLocked()
	if x.copies > 0 {
		x.copies--
	}
	s.retryLocked(ErrNacked)
	return true
}

// Disconnected aborts any in-flight transfer without further writes and
// leaves the sender Failed from any state.
func (s *Sender) Disconnected() {
	s.mu.Lock()
	if s.state != AwaitingAck {
		s.state = Failed
		s.mu.Unlock()
		return
	}
	s.failLocked(ErrDisconnected, Failed)
}

// Reset cancels any in-flight transfer and returns to Idle.
func (s *Sender) Reset() {
	s.abort(ErrReset, true)
}

// Close fails any in-flight transfer and rejects later submits.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.abort(ErrClosed, false)
}

// WriteControl frames p and writes it outside transfer state. Used for
// ACK, ERROR and RESET packets.
func (s *Sender) WriteControl(p packet.Packet) error {
	frame, err := packet.Encode(p, s.cfg.Limits)
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *Sender) abort(cause error, toIdle bool) {
	s.mu.Lock()
	if s.state != AwaitingAck {
		if toIdle {
			s.state = Idle
		}
		s.mu.Unlock()
		return
	}
	final := Failed
	if toIdle {
		final = Idle
	}
	s.failLocked(cause, final)
}

func (s *Sender) onTimeout(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != AwaitingAck {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.retryLocked(ErrAckTimeout)
}

// retryLocked re-sends the current chunk or fails the transfer once the
// retry budget is spent. It releases s.mu.
func (s *Sender) retryLocked(cause error) {
	x := s.xfer
	if x.retries >= s.cfg.Retries {
		log.Warn().
			Str("transfer", x.handle.id.String()).
			Int("chunk", x.index).
			Int("attempts", x.retries+1).
			Err(cause).
			Msg("sender.retry exhausted")
		s.failLocked(fmt.Errorf("%w: %w", ErrRetriesExhausted, cause), Failed)
		return
	}
	x.retries++
	h := x.handle
	index := x.index
	attempt := x.retries + 1
	log.Debug().
		Str("transfer", h.id.String()).
		Int("chunk", index).
		Int("attempt", attempt).
		Err(cause).
		Msg("sender.retry")
	attemptErr := s.writeCurrentLocked()
	s.mu.Unlock()
	s.emitAttempt(h, index, attempt, attemptErr)
}

// failLocked ends the in-flight transfer with cause and leaves the sender in
// final. It releases s.mu.
func (s *Sender) failLocked(cause error, final State) {
	x := s.xfer
	s.stopTimerLocked()
	s.state = final
	report := s.tracker.Fail()
	terr := &TransferError{
		ID:        x.handle.id,
		Direction: progress.Send,
		Major:     x.handle.major,
		Minor:     x.handle.minor,
		Chunk:     x.index,
		Done:      x.acked,
		Total:     x.handle.total,
		Err:       cause,
	}
	h := x.handle
	s.mu.Unlock()

	s.emitProgress(h, report)
	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed(terr)
	}
	h.finish(Failed, terr)
}

// writeCurrentLocked writes the current chunk and arms the ack timer. A
// failed write still arms the timer so it counts as one attempt.
func (s *Sender) writeCurrentLocked() error {
	x := s.xfer
	x.written = true
	err := s.write(x.frames[x.index])
	if err == nil {
		x.copies++
	}
	if err != nil {
		log.Warn().Str("transfer", x.handle.id.String()).Int("chunk", x.index).Err(err).Msg("sender.write")
	}
	s.armTimerLocked()
	return err
}

func (s *Sender) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.w.Write(frame)
}

func (s *Sender) armTimerLocked() {
	s.stopTimerLocked()
	gen := s.gen
	s.timer = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.onTimeout(gen)
	})
}

// stopTimerLocked cancels the pending timeout. Bumping gen makes a timer
// that already fired a no-op.
func (s *Sender) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Sender) emitProgress(h *Handle, r progress.Report) {
	if s.hooks.OnProgress != nil {
		s.hooks.OnProgress(h, r)
	}
}

func (s *Sender) emitAttempt(h *Handle, chunk, attempt int, err error) {
	if s.hooks.OnAttempt != nil {
		s.hooks.OnAttempt(h, chunk, attempt, err)
	}
}
