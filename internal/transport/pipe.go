package transport

import (
	"context"
	"sync"
)

// Pipe is one end of an in-memory transport pair. Writes are queued without
// bound and delivered to the peer's receiver, in order, from a separate
// goroutine.
type Pipe struct {
	name string
	peer *Pipe

	notify notifier

	mu      sync.Mutex
	cond    *sync.Cond
	open    bool
	queue   [][]byte
	pending error
	running bool
}

// NewPipe returns two connected ends. Each end must be opened before use.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{name: "pipe-a"}
	b := &Pipe{name: "pipe-b"}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

func (p *Pipe) String() string { return p.name }

func (p *Pipe) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}
	p.open = true
	p.pending = nil
	if !p.running {
		p.running = true
		go p.deliverLoop()
	}
	return nil
}

// Close disconnects both ends. The peer's receiver sees ErrClosed.
func (p *Pipe) Close() error {
	if !p.shutdown(nil) {
		return nil
	}
	p.peer.shutdown(ErrClosed)
	return nil
}

// Break simulates link loss: both ends close and both receivers see err.
func (p *Pipe) Break(err error) {
	p.shutdown(err)
	p.peer.shutdown(err)
}

// shutdown closes this end. A non-nil notify is delivered to the local
// receiver after queued data.
func (p *Pipe) shutdown(notify error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return false
	}
	p.open = false
	p.pending = notify
	p.cond.Broadcast()
	return true
}

func (p *Pipe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Write queues b for the peer. Both ends must be open.
func (p *Pipe) Write(b []byte) error {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	return p.peer.enqueue(append([]byte(nil), b...))
}

func (p *Pipe) enqueue(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNotConnected
	}
	p.queue = append(p.queue, b)
	p.cond.Signal()
	return nil
}

func (p *Pipe) SetReceiver(r Receiver) { p.notify.set(r) }

func (p *Pipe) deliverLoop() {
	p.mu.Lock()
	for {
		for len(p.queue) == 0 && p.open {
			p.cond.Wait()
		}
		if len(p.queue) > 0 {
			b := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			p.notify.data(b)
			p.mu.Lock()
			continue
		}
		// Closed and drained.
		notify := p.pending
		p.pending = nil
		p.running = false
		p.mu.Unlock()
		if notify != nil {
			p.notify.disconnect(notify)
		}
		return
	}
}
