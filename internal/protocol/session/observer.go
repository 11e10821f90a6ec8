package session

import (
	"github.com/danmuck/uclink/internal/protocol/dispatch"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/google/uuid"
)

// Transfer identifies one send or receive for observers.
type Transfer struct {
	ID        uuid.UUID
	Direction progress.Direction
	Major     packet.MajorKey
	Minor     uint8
	Total     uint64
	Done      uint64
}

// Observer receives link activity. Calls may come from the link loop and
// from ack timers concurrently.
type Observer interface {
	Connection(link string, up bool)
	Packet(link string, p packet.Packet, outcome dispatch.Outcome)
	Dropped(link string, n uint64)
	Retry(link string, t Transfer, attempt int)
	TransferStarted(link string, t Transfer)
	TransferFinished(link string, t Transfer, err error)
}

// NopObserver implements Observer with no-ops. Embed it to implement a
// subset.
type NopObserver struct{}

func (NopObserver) Connection(string, bool)                        {}
func (NopObserver) Packet(string, packet.Packet, dispatch.Outcome) {}
func (NopObserver) Dropped(string, uint64)                         {}
func (NopObserver) Retry(string, Transfer, int)                    {}
func (NopObserver) TransferStarted(string, Transfer)               {}
func (NopObserver) TransferFinished(string, Transfer, error)       {}

type multiObserver []Observer

// Observers fans out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) Connection(link string, up bool) {
	for _, o := range m {
		o.Connection(link, up)
	}
}

func (m multiObserver) Packet(link string, p packet.Packet, outcome dispatch.Outcome) {
	for _, o := range m {
		o.Packet(link, p, outcome)
	}
}

func (m multiObserver) Dropped(link string, n uint64) {
	for _, o := range m {
		o.Dropped(link, n)
	}
}

func (m multiObserver) Retry(link string, t Transfer, attempt int) {
	for _, o := range m {
		o.Retry(link, t, attempt)
	}
}

func (m multiObserver) TransferStarted(link string, t Transfer) {
	for _, o := range m {
		o.TransferStarted(link, t)
	}
}

func (m multiObserver) TransferFinished(link string, t Transfer, err error) {
	for _, o := range m {
		o.TransferFinished(link, t, err)
	}
}
