package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/uclink/internal/protocol/dispatch"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/danmuck/uclink/internal/testutil/testlog"
	"github.com/danmuck/uclink/internal/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordObserverCalls(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Connection("dev", true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.connected.WithLabelValues("dev")))
	m.Connection("dev", false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.connected.WithLabelValues("dev")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("dev", "down")))

	m.Packet("dev", packet.Packet{Major: packet.MajorTypeIO}, dispatch.Unroutable)
	require.Equal(t, 1.0, testutil.ToFloat64(m.packets.WithLabelValues("dev", "io", "unroutable")))
	m.Dropped("dev", 3)
	require.Equal(t, 3.0, testutil.ToFloat64(m.droppedBytes.WithLabelValues("dev")))

	tr := session.Transfer{ID: uuid.New(), Direction: progress.Send, Major: packet.MajorTypeProgrammer, Total: 8, Done: 8}
	m.TransferStarted("dev", tr)
	require.Equal(t, 1.0, testutil.ToFloat64(m.active.WithLabelValues("dev", "send")))
	m.Retry("dev", tr, 2)
	m.TransferFinished("dev", tr, nil)
	tr.Done = 4
	m.TransferStarted("dev", tr)
	m.TransferFinished("dev", tr, errors.New("timeout"))
	require.Equal(t, 0.0, testutil.ToFloat64(m.active.WithLabelValues("dev", "send")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues("dev", "send", "done")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues("dev", "send", "failed")))
	require.Equal(t, 12.0, testutil.ToFloat64(m.transferBytes.WithLabelValues("dev", "send")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("dev", "programmer")))

	m.RecordHTTPRequest("uclinkctl", "GET", "/links", 200, 5*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("uclinkctl", "GET", "/links", "200")))

	_, err = NewMetrics(reg)
	require.Error(t, err)
}

func TestMetricsObserveLinks(t *testing.T) {
	testlog.Start(t)
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	pa, pb := transport.NewPipe()
	cfg := session.DefaultConfig()
	cfg.Reconnect = false
	cfg.Name = "controller"
	ctl, err := session.NewLink(pa, cfg, session.Hooks{}, session.WithObserver(m))
	require.NoError(t, err)
	cfg.Name = "device"
	dev, err := session.NewLink(pb, cfg, session.Hooks{}, session.WithObserver(m))
	require.NoError(t, err)
	require.NoError(t, dev.Handle(packet.MajorTypeIO, dispatch.HandlerFunc(func(context.Context, packet.Packet) error { return nil })))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctl.Connect(ctx))
	require.NoError(t, dev.Connect(ctx))
	var wg sync.WaitGroup
	for _, l := range []*session.Link{ctl, dev} {
		wg.Add(1)
		go func(l *session.Link) {
			defer wg.Done()
			_ = l.Run(ctx)
		}(l)
	}
	defer func() {
		cancel()
		_ = ctl.Close()
		_ = dev.Close()
		wg.Wait()
	}()

	h, err := ctl.Submit(packet.MajorTypeIO, 1, []byte{0x01, 0x03, 0x01})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.packets.WithLabelValues("device", "io", "routed")) == 1 &&
			testutil.ToFloat64(m.packets.WithLabelValues("controller", "ack", "acked")) == 1
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues("controller", "send", "done")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connected.WithLabelValues("controller")))

	require.NoError(t, pa.Write([]byte{0x00, 0x00, 0x00}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.droppedBytes.WithLabelValues("device")) >= 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestInitLoggerSetsLevel(t *testing.T) {
	testlog.Start(t)
	t.Setenv("UCLINK_LOG_LEVEL", "")
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	logger := InitLogger("uclink-test", "warn")
	require.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	t.Setenv("UCLINK_LOG_LEVEL", "error")
	logger = InitLogger("uclink-test", "debug")
	require.Equal(t, zerolog.ErrorLevel, logger.GetLevel())
}
