package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/danmuck/uclink/internal/testutil/testlog"
	"github.com/danmuck/uclink/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestBeginFinishAndList(t *testing.T) {
	testlog.Start(t)
	j := openTemp(t)

	sent := session.Transfer{ID: uuid.New(), Direction: progress.Send, Major: packet.MajorTypeIO, Minor: 2, Total: 10}
	recv := session.Transfer{ID: uuid.New(), Direction: progress.Recv, Major: packet.MajorTypeDataTransmit, Minor: packet.MinorStreamData, Total: 64}
	require.NoError(t, j.Begin("ctl", sent))
	require.NoError(t, j.Begin("ctl", recv))
	require.NoError(t, j.Retried(sent.ID))

	sent.Done = 10
	require.NoError(t, j.Finish(sent, nil))
	recv.Done = 32
	require.NoError(t, j.Finish(recv, errors.New("link lost")))

	got, err := j.Get(sent.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDone, got.Status)
	require.Equal(t, progress.Send, got.Direction)
	require.Equal(t, packet.MajorTypeIO, got.Major)
	require.Equal(t, uint8(2), got.Minor)
	require.Equal(t, uint64(10), got.Done)
	require.Equal(t, 1, got.Retries)
	require.NotNil(t, got.FinishedAt)

	failed, err := j.List(Query{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, recv.ID, failed[0].ID)
	require.Equal(t, "link lost", failed[0].Error)
	require.Equal(t, progress.Recv, failed[0].Direction)
	require.Equal(t, uint64(32), failed[0].Done)

	all, err := j.List(Query{Link: "ctl"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	none, err := j.List(Query{Link: "other"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestUnknownTransfer(t *testing.T) {
	testlog.Start(t)
	j := openTemp(t)
	_, err := j.Get(uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, j.Finish(session.Transfer{ID: uuid.New()}, nil), ErrNotFound)
}

func TestReopenKeepsRows(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	tr := session.Transfer{ID: uuid.New(), Direction: progress.Send, Major: packet.MajorConfigUpdate, Total: 1}
	require.NoError(t, j.Begin("ctl", tr))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	got, err := j.Get(tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Nil(t, got.FinishedAt)
}

func TestJournalObservesLink(t *testing.T) {
	testlog.Start(t)
	j := openTemp(t)

	pa, pb := transport.NewPipe()
	cfgA := session.DefaultConfig()
	cfgA.Name = "controller"
	cfgA.Reconnect = false
	cfgB := cfgA
	cfgB.Name = "device"

	a, err := session.NewLink(pa, cfgA, session.Hooks{}, session.WithObserver(j))
	require.NoError(t, err)
	var mu sync.Mutex
	var streams [][]byte
	b, err := session.NewLink(pb, cfgB, session.Hooks{
		OnStreamComplete: func(_ packet.MajorKey, data []byte) {
			mu.Lock()
			streams = append(streams, data)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	var wg sync.WaitGroup
	for _, l := range []*session.Link{a, b} {
		wg.Add(1)
		go func(l *session.Link) {
			defer wg.Done()
			_ = l.Run(ctx)
		}(l)
	}
	defer func() {
		cancel()
		_ = a.Close()
		_ = b.Close()
		wg.Wait()
	}()

	data := make([]byte, 70)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, a.SendStream(ctx, packet.MajorTypeDataTransmit, data))

	entries, err := j.List(Query{Link: "controller"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, StatusDone, e.Status)
		require.Equal(t, progress.Send, e.Direction)
		require.Equal(t, e.Total, e.Done)
	}
	up, down, err := j.Connections("controller")
	require.NoError(t, err)
	require.Equal(t, 1, up)
	require.Zero(t, down)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(streams) == 1
	}, 3*time.Second, 5*time.Millisecond)
}
