package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/uclink/internal/auth"
	"github.com/danmuck/uclink/internal/hub"
	"github.com/danmuck/uclink/internal/journal"
	"github.com/danmuck/uclink/internal/observability"
	"github.com/danmuck/uclink/internal/protocol/dispatch"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/danmuck/uclink/internal/testutil/testlog"
	"github.com/danmuck/uclink/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

type fixture struct {
	srv     *Server
	streams chan []byte
	ioMu    sync.Mutex
	io      [][]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	f := &fixture{streams: make(chan []byte, 4)}
	obs := session.Observers(m, j)
	pa, pb := transport.NewPipe()
	cfg := session.DefaultConfig()
	cfg.Reconnect = false
	cfg.Name = "ctl"
	ctl, err := session.NewLink(pa, cfg, session.Hooks{}, session.WithObserver(obs))
	if err != nil {
		t.Fatalf("ctl link: %v", err)
	}
	cfg.Name = "dev"
	dev, err := session.NewLink(pb, cfg, session.Hooks{
		OnStreamComplete: func(_ packet.MajorKey, data []byte) { f.streams <- data },
	}, session.WithObserver(obs))
	if err != nil {
		t.Fatalf("dev link: %v", err)
	}
	if err := dev.Handle(packet.MajorTypeIO, dispatch.HandlerFunc(func(_ context.Context, p packet.Packet) error {
		f.ioMu.Lock()
		f.io = append(f.io, p.Payload)
		f.ioMu.Unlock()
		return nil
	})); err != nil {
		t.Fatalf("handle: %v", err)
	}

	h, err := hub.New(4)
	if err != nil {
		t.Fatalf("hub: %v", err)
	}
	for _, l := range []*session.Link{ctl, dev} {
		if err := h.Add(l); err != nil {
			t.Fatalf("add %s: %v", l.Name(), err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(3 * time.Second)
	for !(ctl.Connected() && dev.Connected()) {
		if time.Now().After(deadline) {
			t.Fatalf("links did not connect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.srv = New(Options{Name: "uclink-test", SendTimeout: 3 * time.Second}, h, j, m, reg)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.srv.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthAndLinks(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d %s", rr.Code, rr.Body.String())
	}
	health := decode[map[string]any](t, rr)
	if health["status"] != "ok" || health["links"] != float64(2) {
		t.Fatalf("unexpected health body: %#v", health)
	}

	links := decode[[]linkView](t, f.do(t, http.MethodGet, "/links", nil))
	if len(links) != 2 || links[0].Name != "ctl" || links[1].Name != "dev" {
		t.Fatalf("unexpected links: %#v", links)
	}
	if !links[0].Connected || links[0].SendState != "idle" {
		t.Fatalf("ctl should be connected and idle: %#v", links[0])
	}

	if rr := f.do(t, http.MethodGet, "/links/nope", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown link, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/links/dev", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for dev, got %d", rr.Code)
	}
}

func TestSendRecordsTransfer(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/links/ctl/send", sendRequest{Major: int(packet.MajorTypeIO), Minor: 1, Payload: "010501"})
	if rr.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rr.Code, rr.Body.String())
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "done" {
		t.Fatalf("expected done, got %#v", body)
	}
	f.ioMu.Lock()
	if len(f.io) != 1 || !bytes.Equal(f.io[0], []byte{0x01, 0x05, 0x01}) {
		t.Fatalf("device did not get payload: %#v", f.io)
	}
	f.ioMu.Unlock()

	transfers := decode[[]transferView](t, f.do(t, http.MethodGet, "/transfers?link=ctl", nil))
	if len(transfers) != 1 {
		t.Fatalf("expected one journaled transfer, got %#v", transfers)
	}
	if transfers[0].Status != "done" || transfers[0].Major != "io" || transfers[0].Done != 3 {
		t.Fatalf("unexpected transfer: %#v", transfers[0])
	}

	rr = f.do(t, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "uclink_transfer_finished_total") {
		t.Fatalf("metrics missing transfer counter: %d", rr.Code)
	}
}

func TestSendStream(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/links/ctl/send", sendRequest{Major: int(packet.MajorTypeDataTransmit), Payload: "aabbcc", Stream: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("stream send: %d %s", rr.Code, rr.Body.String())
	}
	select {
	case data := <-f.streams:
		if !bytes.Equal(data, []byte{0xaa, 0xbb, 0xcc}) {
			t.Fatalf("unexpected stream: % x", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("stream not completed on device")
	}
}

func TestSendRejectsBadRequests(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	cases := []struct {
		name string
		req  sendRequest
		code int
	}{
		{"bad hex", sendRequest{Major: int(packet.MajorTypeIO), Payload: "zz"}, http.StatusBadRequest},
		{"control key", sendRequest{Major: int(packet.MajorReset)}, http.StatusBadRequest},
		{"out of range", sendRequest{Major: 300}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rr := f.do(t, http.MethodPost, "/links/ctl/send", tc.req); rr.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d %s", tc.name, tc.code, rr.Code, rr.Body.String())
		}
	}
	if rr := f.do(t, http.MethodPost, "/links/missing/send", sendRequest{}); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestResetRoute(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/links/ctl/reset", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", rr.Code, rr.Body.String())
	}
	if rr := f.do(t, http.MethodPost, "/links/none/reset", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPostRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	f.srv.opts.Auth = auth.StaticToken{Token: "tok"}

	if rr := f.do(t, http.MethodPost, "/links/ctl/reset", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/links", nil); rr.Code != http.StatusOK {
		t.Fatalf("reads stay open, got %d", rr.Code)
	}
	for token, want := range map[string]int{"Bearer nope": http.StatusUnauthorized, "Bearer tok": http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/links/ctl/reset", nil)
		req.Header.Set("Authorization", token)
		rr := httptest.NewRecorder()
		f.srv.HTTPRouter().ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("%q: expected %d, got %d", token, want, rr.Code)
		}
	}
}
