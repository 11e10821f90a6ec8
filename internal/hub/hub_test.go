package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/uclink/internal/protocol/dispatch"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/danmuck/uclink/internal/testutil/testlog"
	"github.com/danmuck/uclink/internal/transport"
	"github.com/stretchr/testify/require"
)

func linkConfig(name string) session.Config {
	cfg := session.DefaultConfig()
	cfg.Name = name
	cfg.Reconnect = false
	cfg.MaxConnectAttempts = 1
	cfg.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func pipeLinks(t *testing.T, a, b string) (*session.Link, *session.Link) {
	t.Helper()
	pa, pb := transport.NewPipe()
	la, err := session.NewLink(pa, linkConfig(a), session.Hooks{})
	require.NoError(t, err)
	lb, err := session.NewLink(pb, linkConfig(b), session.Hooks{})
	require.NoError(t, err)
	return la, lb
}

type runResult struct {
	err error
}

func startHub(t *testing.T, h *Hub) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() { done <- runResult{err: h.Run(ctx)} }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitRun(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case r := <-done:
		return r.err
	case <-time.After(3 * time.Second):
		t.Fatalf("hub.Run did not return")
		return nil
	}
}

func TestHubRunsLinksOnPool(t *testing.T) {
	testlog.Start(t)
	h, err := New(4)
	require.NoError(t, err)
	ctl, dev := pipeLinks(t, "ctl", "dev")

	var mu sync.Mutex
	var got [][]byte
	require.NoError(t, dev.Handle(packet.MajorTypeIO, dispatch.HandlerFunc(func(_ context.Context, p packet.Packet) error {
		mu.Lock()
		got = append(got, p.Payload)
		mu.Unlock()
		return nil
	})))
	require.NoError(t, h.Add(ctl))
	require.NoError(t, h.Add(dev))
	require.ErrorIs(t, h.Add(ctl), ErrDuplicateLink)

	cancel, done := startHub(t, h)
	require.Eventually(t, func() bool { return ctl.Connected() && dev.Connected() }, 3*time.Second, 5*time.Millisecond)

	hd, err := ctl.Submit(packet.MajorTypeIO, 1, []byte{0x01, 0x05, 0x01})
	require.NoError(t, err)
	ctx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	defer stop()
	require.NoError(t, hd.Wait(ctx))

	mu.Lock()
	require.Equal(t, [][]byte{{0x01, 0x05, 0x01}}, got)
	mu.Unlock()

	names := []string{}
	for _, l := range h.Links() {
		names = append(names, l.Name())
	}
	require.Equal(t, []string{"ctl", "dev"}, names)
	stats := h.Stats()
	require.Len(t, stats, 2)
	require.True(t, stats[0].Connected)

	cancel()
	require.NoError(t, waitRun(t, done))
	require.False(t, ctl.Connected())
	require.ErrorIs(t, h.Add(ctl), ErrHubClosed)
}

func TestHubStartsLinksAddedWhileRunning(t *testing.T) {
	testlog.Start(t)
	h, err := New(0)
	require.NoError(t, err)
	cancel, done := startHub(t, h)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.running
	}, 3*time.Second, 5*time.Millisecond)

	a, b := pipeLinks(t, "late-a", "late-b")
	require.NoError(t, h.Add(a))
	require.NoError(t, h.Add(b))
	require.Eventually(t, func() bool { return a.Connected() && b.Connected() }, 3*time.Second, 5*time.Millisecond)
	l, ok := h.Link("late-a")
	require.True(t, ok)
	require.Same(t, a, l)

	cancel()
	require.NoError(t, waitRun(t, done))
}

func TestHubReportsFullPool(t *testing.T) {
	testlog.Start(t)
	h, err := New(1)
	require.NoError(t, err)
	a, b := pipeLinks(t, "a", "b")
	require.NoError(t, h.Add(a))
	require.NoError(t, h.Add(b))

	cancel, done := startHub(t, h)
	time.Sleep(50 * time.Millisecond)
	cancel()
	err = waitRun(t, done)
	require.ErrorIs(t, err, ErrHubFull)
}

func TestHubReportsConnectFailure(t *testing.T) {
	testlog.Start(t)
	h, err := New(2)
	require.NoError(t, err)
	l, err := session.NewLink(transport.NewTCP("127.0.0.1:1", 200*time.Millisecond), linkConfig("unreachable"), session.Hooks{})
	require.NoError(t, err)
	require.NoError(t, h.Add(l))

	cancel, done := startHub(t, h)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	err = waitRun(t, done)
	require.ErrorIs(t, err, session.ErrConnectFailed)
	require.Contains(t, err.Error(), `link "unreachable"`)
}
