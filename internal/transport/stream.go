package transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const readBufferSize = 4096

// stream runs a reader goroutine over a connected io.ReadWriteCloser. TCP
// and serial share it.
type stream struct {
	name   string
	notify notifier

	writeMu sync.Mutex

	mu  sync.Mutex
	cur *streamConn
}

// streamConn is one attached connection. closing is set before a local
// Close so the reader exits without a disconnect notification.
type streamConn struct {
	conn    io.ReadWriteCloser
	closing atomic.Bool
	dead    atomic.Bool
}

func (s *stream) attach(conn io.ReadWriteCloser) {
	c := &streamConn{conn: conn}
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	go s.readLoop(c)
}

func (s *stream) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && !s.cur.dead.Load()
}

func (s *stream) readLoop(c *streamConn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			s.notify.data(append([]byte(nil), buf[:n]...))
		}
		if err == nil {
			continue
		}
		c.dead.Store(true)
		if c.closing.Load() {
			return
		}
		if errors.Is(err, io.EOF) {
			err = ErrClosed
		}
		log.Debug().Str("transport", s.name).Err(err).Msg("transport.stream disconnected")
		s.notify.disconnect(err)
		return
	}
}

func (s *stream) write(b []byte) error {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil || c.dead.Load() {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// close stops the reader without a disconnect notification.
func (s *stream) close() error {
	s.mu.Lock()
	c := s.cur
	s.cur = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	c.closing.Store(true)
	c.dead.Store(true)
	return c.conn.Close()
}
