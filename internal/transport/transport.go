// Package transport provides byte channels for a link: UDP, TCP, serial,
// WebSocket and an in-memory pipe.
//
// A transport only moves bytes. It preserves write order, never reframes,
// and reports loss of the connection through Receiver.OnDisconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
	ErrUnknownKind  = errors.New("transport: unknown kind")
)

// Receiver is notified from the transport's I/O goroutine. OnData owns b.
type Receiver interface {
	OnData(b []byte)
	OnDisconnect(err error)
}

type Transport interface {
	Open(ctx context.Context) error
	Close() error
	Connected() bool
	Write(b []byte) error
	SetReceiver(r Receiver)
	String() string
}

type Kind string

const (
	KindUDP       Kind = "udp"
	KindTCP       Kind = "tcp"
	KindSerial    Kind = "serial"
	KindWebSocket Kind = "websocket"
)

// Config selects and parameterizes one transport.
type Config struct {
	Kind Kind
	// Addr is the remote address (udp, tcp), device path (serial) or URL
	// (websocket).
	Addr string
	// Local is the bound address for udp, or the listen address for tcp
	// when Listen is set.
	Local       string
	Listen      bool
	BaudRate    int
	DialTimeout time.Duration
	TLS         TLSConfig
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindUDP:
		if strings.TrimSpace(c.Local) == "" && strings.TrimSpace(c.Addr) == "" {
			return fmt.Errorf("udp transport needs addr or local")
		}
	case KindTCP:
		if c.TLS.Enabled || c.TLS.Mutual {
			check := c.TLS.validateClient
			if c.Listen {
				check = c.TLS.validateServer
			}
			if err := check(); err != nil {
				return err
			}
		}
		if c.Listen && strings.TrimSpace(c.Local) == "" {
			return fmt.Errorf("tcp listen transport needs local")
		}
		if !c.Listen && strings.TrimSpace(c.Addr) == "" {
			return fmt.Errorf("tcp transport needs addr")
		}
	case KindSerial:
		if strings.TrimSpace(c.Addr) == "" {
			return fmt.Errorf("serial transport needs addr (device path)")
		}
		if c.BaudRate < 0 {
			return fmt.Errorf("serial baud_rate must be positive")
		}
	case KindWebSocket:
		if !strings.HasPrefix(c.Addr, "ws://") && !strings.HasPrefix(c.Addr, "wss://") {
			return fmt.Errorf("websocket addr must be a ws:// or wss:// url")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	if c.Kind != KindTCP && (c.TLS.Enabled || c.TLS.Mutual) {
		return ErrTLSUnsupportedKind
	}
	return nil
}

// New builds an unopened transport from cfg.
func New(cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindUDP:
		return NewUDP(cfg.Addr, cfg.Local), nil
	case KindTCP:
		if cfg.TLS.Enabled && cfg.Listen {
			return NewTLSListener(cfg.Local, cfg.TLS)
		}
		if cfg.TLS.Enabled {
			return NewTLS(cfg.Addr, cfg.DialTimeout, cfg.TLS)
		}
		if cfg.Listen {
			return NewTCPListener(cfg.Local), nil
		}
		return NewTCP(cfg.Addr, cfg.DialTimeout), nil
	case KindSerial:
		return NewSerial(cfg.Addr, cfg.BaudRate), nil
	default:
		return NewWebSocket(cfg.Addr, cfg.DialTimeout), nil
	}
}

// notifier guards the receiver so it can be swapped while I/O runs.
type notifier struct {
	mu sync.RWMutex
	r  Receiver
}

func (n *notifier) set(r Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.r = r
}

func (n *notifier) data(b []byte) {
	n.mu.RLock()
	r := n.r
	n.mu.RUnlock()
	if r != nil {
		r.OnData(b)
	}
}

func (n *notifier) disconnect(err error) {
	n.mu.RLock()
	r := n.r
	n.mu.RUnlock()
	if r != nil {
		r.OnDisconnect(err)
	}
}
