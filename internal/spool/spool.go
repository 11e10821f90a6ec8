// Package spool holds the bytes of one inbound multi-packet transfer.
//
// A Sink is append-only between Clear calls. Readers see everything
// appended so far; Save exports a copy without disturbing later appends.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var ErrClosed = errors.New("spool: closed")

// Sink is the backing store of a receive buffer.
type Sink interface {
	io.Writer
	Size() int64
	ReadAll() ([]byte, error)
	Clear() error
	Close() error
}

// Memory is an in-process Sink.
type Memory struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.buf.Write(p)
}

func (m *Memory) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.buf.Len())
}

func (m *Memory) ReadAll() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]byte(nil), m.buf.Bytes()...), nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Reset()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.buf.Reset()
	return nil
}

// TempFile is a disk-backed Sink. The file is removed on Close.
type TempFile struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewTempFile creates the backing file in dir (os.TempDir when empty).
func NewTempFile(dir string) (*TempFile, error) {
	f, err := os.CreateTemp(dir, "uclink-spool-*.bin")
	if err != nil {
		return nil, fmt.Errorf("spool: create temp file: %w", err)
	}
	return &TempFile{f: f}, nil
}

// Path is the backing file location.
func (t *TempFile) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return ""
	}
	return t.f.Name()
}

func (t *TempFile) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return 0, ErrClosed
	}
	n, err := t.f.WriteAt(p, t.size)
	t.size += int64(n)
	return n, err
}

func (t *TempFile) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *TempFile) ReadAll() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil, ErrClosed
	}
	out := make([]byte, t.size)
	if _, err := t.f.ReadAt(out, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("spool: read: %w", err)
	}
	return out, nil
}

func (t *TempFile) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return ErrClosed
	}
	if err := t.f.Truncate(0); err != nil {
		return fmt.Errorf("spool: truncate: %w", err)
	}
	t.size = 0
	return nil
}

func (t *TempFile) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	name := t.f.Name()
	closeErr := t.f.Close()
	t.f = nil
	t.size = 0
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("spool: remove %s: %w", name, err)
	}
	return closeErr
}
