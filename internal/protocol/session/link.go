package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/uclink/internal/protocol/dispatch"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/danmuck/uclink/internal/protocol/reassembler"
	"github.com/danmuck/uclink/internal/protocol/sender"
	"github.com/danmuck/uclink/internal/spool"
	"github.com/danmuck/uclink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrLinkClosed     = errors.New("session: link closed")
	ErrNotConnected   = errors.New("session: not connected")
	ErrConnectFailed  = errors.New("session: connect attempts exhausted")
	ErrAlreadyRunning = errors.New("session: link already running")
	ErrControlKey     = errors.New("session: control keys cannot be submitted")
	ErrRecvRestarted  = errors.New("session: receive restarted by a new size announce")
	ErrStreamTooLarge = errors.New("session: stream larger than 4 GiB")
)

// Hooks are the application-facing events of a link. Any may be nil. They
// run on the link loop, except send progress and send failure which may
// also run on an ack timer.
type Hooks struct {
	OnProgress         func(dir progress.Direction, r progress.Report)
	OnTransferFailed   func(err *sender.TransferError)
	OnTransferDone     func(h *sender.Handle)
	OnPacketDispatched func(p packet.Packet)
	OnStreamComplete   func(major packet.MajorKey, data []byte)
	OnConnection       func(connected bool, err error)
	OnProtocolError    func(err error)
}

type Option func(*Link)

// WithSink sets the receive buffer. The link closes it on Close.
func WithSink(s spool.Sink) Option {
	return func(l *Link) { l.sink = s }
}

func WithObserver(o Observer) Option {
	return func(l *Link) {
		if o != nil {
			l.obs = o
		}
	}
}

type event struct {
	data []byte
	lost bool
	err  error
}

type recvTransfer struct {
	id       uuid.UUID
	major    packet.MajorKey
	expected uint64
}

// Stats is a point-in-time view of one link.
type Stats struct {
	Name        string
	Connected   bool
	SendState   sender.State
	Reassembler reassembler.Stats
}

// Link is one connection: a transport plus its sender, reassembler and
// dispatcher. Received bytes are processed in order on the goroutine that
// calls Run.
type Link struct {
	cfg   Config
	tr    transport.Transport
	hooks Hooks
	obs   Observer
	sink  spool.Sink

	sender *sender.Sender
	reasm  *reassembler.Reassembler
	disp   *dispatch.Dispatcher

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
	up        atomic.Bool
	running   atomic.Bool

	mu   sync.Mutex
	user map[packet.MajorKey]dispatch.Handler
	recv *recvTransfer
}

func NewLink(tr transport.Transport, cfg Config, hooks Hooks, opts ...Option) (*Link, error) {
	if tr == nil {
		return nil, fmt.Errorf("session: nil transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("link %q config invalid: %w", cfg.Name, err)
	}
	l := &Link{
		cfg:    cfg,
		tr:     tr,
		hooks:  hooks,
		obs:    NopObserver{},
		events: make(chan event, cfg.QueueDepth),
		done:   make(chan struct{}),
		user:   make(map[packet.MajorKey]dispatch.Handler),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = spool.NewMemory()
	}
	l.sender = sender.New(tr, cfg.senderConfig(), sender.Hooks{
		OnStart:    l.onSendStart,
		OnProgress: l.onSendProgress,
		OnAttempt:  l.onSendAttempt,
		OnDone:     l.onSendDone,
		OnFailed:   l.onSendFailed,
	})
	l.reasm = reassembler.New(cfg.reassemblerConfig(), l.sink)
	l.disp = dispatch.New(linkControl{l})
	for _, k := range cfg.StreamKeys {
		if err := l.disp.Register(k, dispatch.HandlerFunc(func(ctx context.Context, p packet.Packet) error {
			return l.handleStream(ctx, p)
		})); err != nil {
			return nil, err
		}
	}
	tr.SetReceiver(l)
	return l, nil
}

func (l *Link) Name() string                   { return l.cfg.Name }
func (l *Link) Config() Config                 { return l.cfg }
func (l *Link) Transport() transport.Transport { return l.tr }

// Connected reports whether the transport is open and bound.
func (l *Link) Connected() bool {
	return l.up.Load() && l.tr.Connected()
}

func (l *Link) Stats() Stats {
	return Stats{
		Name:        l.cfg.Name,
		Connected:   l.Connected(),
		SendState:   l.sender.State(),
		Reassembler: l.reasm.Stats(),
	}
}

// Handle registers h for major. Stream keys keep their built-in receive
// buffer handling and call h afterwards.
func (l *Link) Handle(major packet.MajorKey, h dispatch.Handler) error {
	if !l.reasm.IsStream(major) {
		return l.disp.Register(major, h)
	}
	if h == nil {
		return dispatch.ErrNilHandler
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.user[major] = h
	return nil
}

// Connect opens the transport, retrying with backoff until it succeeds,
// ctx ends, the link closes, or MaxConnectAttempts is spent.
func (l *Link) Connect(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		select {
		case <-l.done:
			return ErrLinkClosed
		default:
		}
		err := l.tr.Open(ctx)
		if err == nil {
			l.up.Store(true)
			log.Info().Str("link", l.cfg.Name).Str("transport", l.tr.String()).Int("attempt", attempt).Msg("session.Link.Connect")
			l.obs.Connection(l.cfg.Name, true)
			if l.hooks.OnConnection != nil {
				l.hooks.OnConnection(true, nil)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.cfg.MaxConnectAttempts > 0 && attempt >= l.cfg.MaxConnectAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, attempt, err)
		}
		delay := NextBackoffDelay(l.cfg.Backoff, attempt, rng)
		log.Warn().Str("link", l.cfg.Name).Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("session.Link.Connect failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.done:
			timer.Stop()
			return ErrLinkClosed
		case <-timer.C:
		}
	}
}

// Run processes transport events until ctx ends or the link closes. With
// Reconnect set, a lost transport is reopened through Connect; Run returns
// the error when reconnecting gives up.
func (l *Link) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)
	log.Debug().Str("link", l.cfg.Name).Msg("session.Link.Run")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case ev := <-l.events:
			if !ev.lost {
				l.handleData(ctx, ev.data)
				continue
			}
			l.handleDisconnect(ev.err)
			if !l.cfg.Reconnect {
				continue
			}
			if err := l.Connect(ctx); err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrLinkClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// Submit sends payload under (major, minor) as one transfer. It fails with
// sender.ErrBusy while another transfer awaits acknowledgment.
func (l *Link) Submit(major packet.MajorKey, minor uint8, payload []byte) (*sender.Handle, error) {
	if l.isClosed() {
		return nil, ErrLinkClosed
	}
	if major.Control() {
		return nil, fmt.Errorf("%w: %s", ErrControlKey, major)
	}
	if !l.Connected() {
		return nil, ErrNotConnected
	}
	return l.sender.Submit(major, minor, payload)
}

// SendStream announces len(data) under MinorStreamSize and then sends data
// under MinorStreamData, waiting for each transfer.
func (l *Link) SendStream(ctx context.Context, major packet.MajorKey, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return ErrStreamTooLarge
	}
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(data)))
	h, err := l.Submit(major, packet.MinorStreamSize, size)
	if err != nil {
		return err
	}
	if err := h.Wait(ctx); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	h, err = l.Submit(major, packet.MinorStreamData, data)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// Reset clears local receive and send state and tells the peer to do the
// same.
func (l *Link) Reset() error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	l.applyReset()
	return l.sender.WriteControl(packet.Packet{Major: packet.MajorReset, Minor: 0})
}

// Close stops Run, fails any transfer in flight and closes the transport
// and receive buffer.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.sender.Close()
		if snap, ok := l.reasm.Abort(); ok {
			l.failRecv(snap, ErrLinkClosed)
		}
		wasUp := l.up.Swap(false)
		err = l.tr.Close()
		if cerr := l.sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if wasUp {
			l.obs.Connection(l.cfg.Name, false)
		}
		log.Debug().Str("link", l.cfg.Name).Msg("session.Link.Close")
	})
	return err
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// OnData implements transport.Receiver. Deliveries are queued, never
// dropped, until the link closes.
func (l *Link) OnData(b []byte) {
	select {
	case l.events <- event{data: b}:
	case <-l.done:
	}
}

func (l *Link) OnDisconnect(err error) {
	select {
	case l.events <- event{lost: true, err: err}:
	case <-l.done:
	}
}

func (l *Link) handleData(ctx context.Context, b []byte) {
	before := l.reasm.Stats().DroppedBytes
	pkts := l.reasm.Feed(b)
	if dropped := l.reasm.Stats().DroppedBytes - before; dropped > 0 {
		l.obs.Dropped(l.cfg.Name, dropped)
	}
	for _, p := range pkts {
		l.process(ctx, p)
	}
}

func (l *Link) process(ctx context.Context, p packet.Packet) {
	res := l.disp.Dispatch(ctx, p)
	l.obs.Packet(l.cfg.Name, p, res.Outcome)
	switch res.Outcome {
	case dispatch.Routed:
		l.reply(packet.AckFor(p))
		if l.hooks.OnPacketDispatched != nil {
			l.hooks.OnPacketDispatched(p)
		}
	case dispatch.ResetApplied:
		l.reply(packet.AckFor(p))
	case dispatch.Unroutable, dispatch.HandlerFailed:
		l.reply(packet.ErrorFor(p))
		l.protocolError(res.Err)
	case dispatch.Fault:
		l.protocolError(res.Err)
	case dispatch.Stray:
		log.Debug().Str("link", l.cfg.Name).Stringer("packet", p).Msg("session.Link stray ack")
	}
}

func (l *Link) reply(p packet.Packet) {
	if !l.cfg.AutoAck {
		return
	}
	if err := l.sender.WriteControl(p); err != nil {
		log.Warn().Str("link", l.cfg.Name).Stringer("packet", p).Err(err).Msg("session.Link reply")
	}
}

func (l *Link) protocolError(err error) {
	if l.hooks.OnProtocolError != nil {
		l.hooks.OnProtocolError(err)
	}
}

func (l *Link) handleStream(ctx context.Context, p packet.Packet) error {
	restarted := false
	if p.Minor == packet.MinorStreamSize {
		if snap, ok := l.reasm.Abort(); ok {
			l.failRecv(snap, ErrRecvRestarted)
			restarted = true
		}
	}
	d, err := l.reasm.Accept(p)
	if err != nil {
		return err
	}
	if d.Announce && d.Expected > 0 {
		rt := &recvTransfer{id: uuid.New(), major: p.Major, expected: d.Expected}
		l.mu.Lock()
		l.recv = rt
		l.mu.Unlock()
		l.obs.TransferStarted(l.cfg.Name, Transfer{ID: rt.id, Direction: progress.Recv, Major: p.Major, Minor: packet.MinorStreamData, Total: rt.expected})
	}
	// failRecv already reported the (0, "") boundary of a restarted receive.
	if restarted && d.Announce && d.Report == (progress.Report{}) {
		d.HasReport = false
	}
	if d.HasReport && l.hooks.OnProgress != nil {
		l.hooks.OnProgress(progress.Recv, d.Report)
	}
	if d.Complete {
		l.finishRecv()
		if l.hooks.OnStreamComplete != nil {
			data, err := l.sink.ReadAll()
			if err != nil {
				return err
			}
			l.hooks.OnStreamComplete(p.Major, data)
		}
	}

	l.mu.Lock()
	h := l.user[p.Major]
	l.mu.Unlock()
	if h != nil {
		return h.Handle(ctx, p)
	}
	return nil
}

func (l *Link) finishRecv() {
	l.mu.Lock()
	rt := l.recv
	l.recv = nil
	l.mu.Unlock()
	if rt == nil {
		return
	}
	l.obs.TransferFinished(l.cfg.Name, Transfer{
		ID: rt.id, Direction: progress.Recv, Major: rt.major, Minor: packet.MinorStreamData,
		Total: rt.expected, Done: rt.expected,
	}, nil)
}

// failRecv reports an announced receive that will not complete.
func (l *Link) failRecv(snap progress.Snapshot, cause error) {
	l.mu.Lock()
	rt := l.recv
	l.recv = nil
	l.mu.Unlock()
	if rt == nil {
		rt = &recvTransfer{id: uuid.New(), expected: snap.Expected}
	}
	terr := &sender.TransferError{
		ID:        rt.id,
		Direction: progress.Recv,
		Major:     rt.major,
		Minor:     packet.MinorStreamData,
		Done:      snap.Done,
		Total:     snap.Expected,
		Err:       cause,
	}
	log.Warn().Str("link", l.cfg.Name).Err(terr).Msg("session.Link receive failed")
	if l.hooks.OnProgress != nil {
		l.hooks.OnProgress(progress.Recv, progress.Report{})
	}
	if l.hooks.OnTransferFailed != nil {
		l.hooks.OnTransferFailed(terr)
	}
	l.obs.TransferFinished(l.cfg.Name, Transfer{
		ID: rt.id, Direction: progress.Recv, Major: rt.major, Minor: packet.MinorStreamData,
		Total: snap.Expected, Done: snap.Done,
	}, terr)
}

func (l *Link) handleDisconnect(err error) {
	l.up.Store(false)
	log.Warn().Str("link", l.cfg.Name).Err(err).Msg("session.Link disconnected")
	l.sender.Disconnected()
	if snap, ok := l.reasm.Abort(); ok {
		l.failRecv(snap, sender.ErrDisconnected)
	}
	l.reasm.Reset()
	l.obs.Connection(l.cfg.Name, false)
	if l.hooks.OnConnection != nil {
		l.hooks.OnConnection(false, err)
	}
}

func (l *Link) applyReset() {
	if snap, ok := l.reasm.Abort(); ok {
		l.failRecv(snap, sender.ErrReset)
	}
	l.reasm.ResetReceive()
	l.sender.Reset()
	log.Debug().Str("link", l.cfg.Name).Msg("session.Link reset")
}

// linkControl adapts a link to dispatch.Control.
type linkControl struct {
	l *Link
}

func (c linkControl) Ack(ref packet.Ref) bool  { return c.l.sender.Ack(ref) }
func (c linkControl) Nack(ref packet.Ref) bool { return c.l.sender.Nack(ref) }
func (c linkControl) Reset()                   { c.l.applyReset() }

func transferOf(h *sender.Handle) Transfer {
	acked, total := h.Progress()
	return Transfer{
		ID:        h.ID(),
		Direction: progress.Send,
		Major:     h.Major(),
		Minor:     h.Minor(),
		Total:     total,
		Done:      acked,
	}
}

func (l *Link) onSendStart(h *sender.Handle) {
	l.obs.TransferStarted(l.cfg.Name, transferOf(h))
}

func (l *Link) onSendProgress(_ *sender.Handle, r progress.Report) {
	if l.hooks.OnProgress != nil {
		l.hooks.OnProgress(progress.Send, r)
	}
}

func (l *Link) onSendAttempt(h *sender.Handle, _ int, attempt int, _ error) {
	if attempt > 1 {
		l.obs.Retry(l.cfg.Name, transferOf(h), attempt)
	}
}

func (l *Link) onSendDone(h *sender.Handle) {
	l.obs.TransferFinished(l.cfg.Name, transferOf(h), nil)
	if l.hooks.OnTransferDone != nil {
		l.hooks.OnTransferDone(h)
	}
}

func (l *Link) onSendFailed(err *sender.TransferError) {
	l.obs.TransferFinished(l.cfg.Name, Transfer{
		ID: err.ID, Direction: err.Direction, Major: err.Major, Minor: err.Minor,
		Total: err.Total, Done: err.Done,
	}, err)
	if l.hooks.OnTransferFailed != nil {
		l.hooks.OnTransferFailed(err)
	}
}
