package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const maxDatagram = 65535

// UDP sends to a remote client address from a bound server port. With no
// remote configured the first sender becomes the remote. Datagrams already
// queued when a read returns are joined into one delivery.
type UDP struct {
	remote string
	local  string
	notify notifier

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *net.UDPConn
	peer    *net.UDPAddr
	closing bool
}

func NewUDP(remote, local string) *UDP {
	return &UDP{remote: remote, local: local}
}

func (u *UDP) String() string {
	return fmt.Sprintf("udp local=%s remote=%s", u.local, u.remote)
}

func (u *UDP) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return nil
	}
	var peer *net.UDPAddr
	if u.remote != "" {
		addr, err := net.ResolveUDPAddr("udp", u.remote)
		if err != nil {
			return fmt.Errorf("udp resolve %s: %w", u.remote, err)
		}
		peer = addr
	}
	var laddr *net.UDPAddr
	if u.local != "" {
		addr, err := net.ResolveUDPAddr("udp", u.local)
		if err != nil {
			return fmt.Errorf("udp resolve %s: %w", u.local, err)
		}
		laddr = addr
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("udp bind %s: %w", u.local, err)
	}
	u.conn = conn
	u.peer = peer
	u.closing = false
	go u.readLoop(conn)
	log.Debug().Str("local", conn.LocalAddr().String()).Str("remote", u.remote).Msg("transport.UDP.Open")
	return nil
}

// LocalAddr is the bound address, or nil before Open.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDP) readLoop(conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.Lock()
			closing := u.closing || u.conn != conn
			if u.conn == conn {
				u.conn = nil
			}
			u.mu.Unlock()
			if !closing {
				log.Debug().Err(err).Msg("transport.UDP disconnected")
				u.notify.disconnect(err)
			}
			return
		}
		u.learnPeer(from)
		out := append([]byte(nil), buf[:n]...)
		out = u.drainPending(conn, buf, out)
		u.notify.data(out)
	}
}

// drainPending appends datagrams that are already queued on conn.
func (u *UDP) drainPending(conn *net.UDPConn, buf, out []byte) []byte {
	for {
		if err := conn.SetReadDeadline(time.Now()); err != nil {
			break
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		u.learnPeer(from)
		out = append(out, buf[:n]...)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return out
}

func (u *UDP) learnPeer(from *net.UDPAddr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.peer == nil && from != nil {
		u.peer = from
		log.Debug().Str("remote", from.String()).Msg("transport.UDP peer")
	}
}

func (u *UDP) Write(b []byte) error {
	u.mu.Lock()
	conn, peer := u.conn, u.peer
	u.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if peer == nil {
		return fmt.Errorf("%w: no remote address yet", ErrNotConnected)
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if _, err := conn.WriteToUDP(b, peer); err != nil {
		return fmt.Errorf("udp write %s: %w", peer, err)
	}
	return nil
}

func (u *UDP) Close() error {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.closing = true
	u.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (u *UDP) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

func (u *UDP) SetReceiver(r Receiver) { u.notify.set(r) }
