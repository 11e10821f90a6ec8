package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uclink/internal/config"
	"github.com/danmuck/uclink/internal/hub"
	"github.com/danmuck/uclink/internal/journal"
	"github.com/danmuck/uclink/internal/observability"
	"github.com/danmuck/uclink/internal/protocol/dispatch"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/danmuck/uclink/internal/protocol/sender"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/danmuck/uclink/internal/spool"
	"github.com/danmuck/uclink/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type appOptions struct {
	// SaveDir receives completed inbound streams, one file each.
	SaveDir string
	// SaveExt selects the export codec (.bin, .zst, .gz, .lz4, .sz).
	SaveExt string
	// Links restricts which configured links are built; empty means all.
	Links []string
}

// app wires configured links to the hub, journal and metrics.
type app struct {
	cfg      config.File
	opts     appOptions
	out      io.Writer
	hub      *hub.Hub
	journal  *journal.Journal
	metrics  *observability.Metrics
	registry *prometheus.Registry
	observer session.Observer

	mu    sync.Mutex
	saved []string
}

func newApp(cfg config.File, opts appOptions, out io.Writer) (*app, error) {
	a := &app{cfg: cfg, opts: opts, out: out, registry: prometheus.NewRegistry()}
	var err error
	if a.metrics, err = observability.NewMetrics(a.registry); err != nil {
		return nil, err
	}
	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
		if a.journal, err = journal.Open(cfg.JournalPath); err != nil {
			return nil, err
		}
		a.observer = session.Observers(a.metrics, a.journal)
	} else {
		a.observer = a.metrics
	}
	if a.hub, err = hub.New(cfg.PoolSize); err != nil {
		a.close()
		return nil, err
	}
	if opts.SaveDir != "" {
		if err := os.MkdirAll(opts.SaveDir, 0o755); err != nil {
			a.close()
			return nil, fmt.Errorf("save dir: %w", err)
		}
	}

	for _, lc := range cfg.Links {
		if !a.wanted(lc.Name) {
			continue
		}
		l, err := a.buildLink(lc)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("link %q: %w", lc.Name, err)
		}
		if err := a.hub.Add(l); err != nil {
			a.close()
			return nil, err
		}
	}
	if len(a.hub.Links()) == 0 {
		a.close()
		return nil, fmt.Errorf("no links selected (have %s)", strings.Join(linkNames(cfg), ", "))
	}
	return a, nil
}

func (a *app) wanted(name string) bool {
	if len(a.opts.Links) == 0 {
		return true
	}
	for _, n := range a.opts.Links {
		if n == name {
			return true
		}
	}
	return false
}

func (a *app) buildLink(lc config.Link) (*session.Link, error) {
	tc, err := lc.TransportConfig()
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(tc)
	if err != nil {
		return nil, err
	}
	opts := []session.Option{session.WithObserver(a.observer)}
	if a.cfg.SpoolDir != "" {
		if err := os.MkdirAll(a.cfg.SpoolDir, 0o755); err != nil {
			return nil, fmt.Errorf("spool dir: %w", err)
		}
		sink, err := spool.NewTempFile(a.cfg.SpoolDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithSink(sink))
	}
	l, err := session.NewLink(tr, lc.SessionConfig(), a.hooks(lc.Name), opts...)
	if err != nil {
		return nil, err
	}
	if err := a.installPrinters(l); err != nil {
		return nil, err
	}
	return l, nil
}

// installPrinters routes every non-stream subsystem key to out so inbound
// packets are acknowledged and shown.
func (a *app) installPrinters(l *session.Link) error {
	streams := map[packet.MajorKey]bool{}
	for _, k := range l.Config().StreamKeys {
		streams[k] = true
	}
	name := l.Name()
	show := dispatch.HandlerFunc(func(_ context.Context, p packet.Packet) error {
		fmt.Fprintf(a.out, "%s: %s/%d % x\n", name, p.Major, p.Minor, p.Payload)
		return nil
	})
	for k := packet.MajorTypeError; k <= packet.MajorTypeProgrammer; k++ {
		if streams[k] {
			continue
		}
		if err := l.Handle(k, show); err != nil {
			return fmt.Errorf("handle %s: %w", k, err)
		}
	}
	return nil
}

func (a *app) hooks(name string) session.Hooks {
	return session.Hooks{
		OnProgress: func(dir progress.Direction, r progress.Report) {
			log.Debug().Str("link", name).Stringer("dir", dir).Int("percent", r.Percent).Str("label", r.Label).Msg("progress")
		},
		OnTransferFailed: func(err *sender.TransferError) {
			log.Warn().Str("link", name).Err(err).Msg("transfer failed")
		},
		OnPacketDispatched: func(p packet.Packet) {
			log.Debug().Str("link", name).Stringer("major", p.Major).Uint8("minor", p.Minor).Int("bytes", len(p.Payload)).Msg("packet")
		},
		OnStreamComplete: func(major packet.MajorKey, data []byte) {
			a.saveStream(name, major, data)
		},
		OnConnection: func(up bool, err error) {
			log.Info().Str("link", name).Bool("up", up).AnErr("cause", err).Msg("connection")
		},
		OnProtocolError: func(err error) {
			log.Warn().Str("link", name).Err(err).Msg("protocol error")
		},
	}
}

func (a *app) saveStream(link string, major packet.MajorKey, data []byte) {
	fmt.Fprintf(a.out, "%s: received %s stream (%d bytes)\n", link, major, len(data))
	if a.opts.SaveDir == "" {
		return
	}
	ext := a.opts.SaveExt
	if ext == "" {
		ext = ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	path := filepath.Join(a.opts.SaveDir, fmt.Sprintf("%s-%s-%s%s", link, major, time.Now().UTC().Format("20060102T150405.000000000"), ext))
	if err := spool.WriteFile(path, data); err != nil {
		log.Warn().Str("link", link).Err(err).Msg("save stream")
		return
	}
	a.mu.Lock()
	a.saved = append(a.saved, path)
	a.mu.Unlock()
	fmt.Fprintf(a.out, "%s: saved %s\n", link, path)
}

func (a *app) savedFiles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.saved...)
}

// start runs the hub until ctx ends. The returned channel yields Run's
// result.
func (a *app) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.hub.Run(ctx) }()
	return done
}

// waitConnected blocks until every link is up or ctx ends.
func (a *app) waitConnected(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		all := true
		for _, l := range a.hub.Links() {
			if !l.Connected() {
				all = false
				break
			}
		}
		if all {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (a *app) close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Debug().Err(err).Msg("journal close")
		}
	}
}

func linkNames(cfg config.File) []string {
	out := make([]string, len(cfg.Links))
	for i, l := range cfg.Links {
		out[i] = l.Name
	}
	return out
}
