package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultDialTimeout = 5 * time.Second

// TCP dials addr, or with NewTCPListener accepts one peer on a local
// address.
type TCP struct {
	addr        string
	listen      bool
	dialTimeout time.Duration
	tls         *tls.Config
	stream

	lmu      sync.Mutex
	listener net.Listener
}

func NewTCP(addr string, dialTimeout time.Duration) *TCP {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &TCP{addr: addr, dialTimeout: dialTimeout, stream: stream{name: "tcp " + addr}}
}

func NewTCPListener(local string) *TCP {
	return &TCP{addr: local, listen: true, stream: stream{name: "tcp-listen " + local}}
}

// NewTLS dials addr and runs a TLS client handshake before the link starts.
func NewTLS(addr string, dialTimeout time.Duration, cfg TLSConfig) (*TCP, error) {
	tc, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	t := NewTCP(addr, dialTimeout)
	t.tls = tc
	t.name = "tls " + addr
	return t, nil
}

// NewTLSListener accepts one TLS peer on local.
func NewTLSListener(local string, cfg TLSConfig) (*TCP, error) {
	tc, err := cfg.serverConfig()
	if err != nil {
		return nil, err
	}
	t := NewTCPListener(local)
	t.tls = tc
	t.name = "tls-listen " + local
	return t, nil
}

func (t *TCP) String() string { return t.name }

// Addr is the bound listen address once Open has started listening, else
// the configured address.
func (t *TCP) Addr() string {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Open dials, or for a listener waits for one inbound connection.
func (t *TCP) Open(ctx context.Context) error {
	if t.connected() {
		return nil
	}
	if !t.listen {
		d := &net.Dialer{Timeout: t.dialTimeout}
		var conn net.Conn
		var err error
		if t.tls != nil {
			conn, err = (&tls.Dialer{NetDialer: d, Config: t.tls}).DialContext(ctx, "tcp", t.addr)
		} else {
			conn, err = d.DialContext(ctx, "tcp", t.addr)
		}
		if err != nil {
			return fmt.Errorf("tcp dial %s: %w", t.addr, err)
		}
		t.attach(conn)
		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("transport.TCP.Open")
		return nil
	}

	ln, err := t.ensureListener()
	if err != nil {
		return err
	}
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn: conn, err: err}
	}()
	select {
	case a := <-ch:
		if a.err != nil {
			return fmt.Errorf("tcp accept %s: %w", t.addr, a.err)
		}
		t.attach(a.conn)
		log.Debug().Str("remote", a.conn.RemoteAddr().String()).Msg("transport.TCP.Open accepted")
		return nil
	case <-ctx.Done():
		t.closeListener()
		return ctx.Err()
	}
}

// Listen binds the local address without waiting for a peer.
func (t *TCP) Listen() error {
	_, err := t.ensureListener()
	return err
}

func (t *TCP) ensureListener() (net.Listener, error) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	if t.listener != nil {
		return t.listener, nil
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", t.addr, err)
	}
	if t.tls != nil {
		ln = tls.NewListener(ln, t.tls)
	}
	t.listener = ln
	return ln, nil
}

func (t *TCP) closeListener() {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	if t.listener != nil {
		_ = t.listener.Close()
		t.listener = nil
	}
}

func (t *TCP) Close() error {
	t.closeListener()
	return t.close()
}

func (t *TCP) Connected() bool        { return t.connected() }
func (t *TCP) Write(b []byte) error   { return t.write(b) }
func (t *TCP) SetReceiver(r Receiver) { t.notify.set(r) }
