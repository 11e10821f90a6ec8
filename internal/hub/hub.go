// Package hub supervises several links, each running its connect and event
// loop on a worker from a shared goroutine pool.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

const DefaultPoolSize = 64

var (
	ErrDuplicateLink = errors.New("hub: duplicate link name")
	ErrHubFull       = errors.New("hub: no free workers")
	ErrHubClosed     = errors.New("hub: closed")
	ErrHubRunning    = errors.New("hub: already running")
)

type job struct {
	ctx  context.Context
	link *session.Link
}

// Hub owns a set of named links. Links added while Run is active start at
// once.
type Hub struct {
	pool *ants.PoolWithFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	links   map[string]*session.Link
	ctx     context.Context
	running bool
	closed  bool
	errs    []error
}

// New builds a hub with room for size concurrently running links. size <= 0
// selects DefaultPoolSize.
func New(size int) (*Hub, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	h := &Hub{links: make(map[string]*session.Link)}
	pool, err := ants.NewPoolWithFunc(size, func(arg any) {
		j, ok := arg.(job)
		if !ok {
			log.Error().Msg("hub worker: unexpected job type")
			return
		}
		h.serve(j)
	},
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Error().Interface("panic", p).Msg("hub worker panic")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("hub pool: %w", err)
	}
	h.pool = pool
	return h, nil
}

// Add registers l under its name.
func (h *Hub) Add(l *session.Link) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.links[l.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLink, l.Name())
	}
	if h.running {
		if err := h.startLocked(l); err != nil {
			return err
		}
	}
	h.links[l.Name()] = l
	return nil
}

// Link looks up a registered link by name.
func (h *Hub) Link(name string) (*session.Link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[name]
	return l, ok
}

// Links returns the registered links sorted by name.
func (h *Hub) Links() []*session.Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session.Link, 0, len(h.links))
	for _, l := range h.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Stats snapshots every link.
func (h *Hub) Stats() []session.Stats {
	links := h.Links()
	out := make([]session.Stats, len(links))
	for i, l := range links {
		out[i] = l.Stats()
	}
	return out
}

// Run connects and runs every link until ctx ends, then closes them all and
// returns the joined link failures.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if h.running {
		h.mu.Unlock()
		return ErrHubRunning
	}
	h.running = true
	h.ctx = ctx
	for _, l := range h.links {
		if err := h.startLocked(l); err != nil {
			h.errs = append(h.errs, err)
		}
	}
	h.mu.Unlock()
	log.Info().Int("links", len(h.Links())).Msg("hub.Run")

	<-ctx.Done()
	h.shutdown()

	h.mu.Lock()
	defer h.mu.Unlock()
	return errors.Join(h.errs...)
}

// Close stops every link without waiting for Run.
func (h *Hub) Close() {
	h.shutdown()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.wg.Wait()
		return
	}
	h.closed = true
	links := make([]*session.Link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()

	for _, l := range links {
		if err := l.Close(); err != nil {
			log.Debug().Str("link", l.Name()).Err(err).Msg("hub.Close link")
		}
	}
	h.wg.Wait()
	h.pool.Release()
}

func (h *Hub) startLocked(l *session.Link) error {
	h.wg.Add(1)
	if err := h.pool.Invoke(job{ctx: h.ctx, link: l}); err != nil {
		h.wg.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("%w: %q", ErrHubFull, l.Name())
		}
		return fmt.Errorf("hub start %q: %w", l.Name(), err)
	}
	return nil
}

func (h *Hub) serve(j job) {
	defer h.wg.Done()
	name := j.link.Name()
	err := j.link.Connect(j.ctx)
	if err == nil {
		err = j.link.Run(j.ctx)
	}
	if err == nil || j.ctx.Err() != nil || errors.Is(err, session.ErrLinkClosed) {
		log.Debug().Str("link", name).Msg("hub link stopped")
		return
	}
	log.Warn().Str("link", name).Err(err).Msg("hub link failed")
	h.mu.Lock()
	h.errs = append(h.errs, fmt.Errorf("link %q: %w", name, err))
	h.mu.Unlock()
}
