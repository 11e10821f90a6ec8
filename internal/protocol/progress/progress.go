// Package progress derives percentage and size labels for one transfer.
package progress

import (
	"strconv"
	"sync"
)

// DoneLabel is reported with 100% when a transfer completes.
const DoneLabel = "Done!"

// Direction tags a report as inbound or outbound.
type Direction int

const (
	Recv Direction = iota
	Send
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "recv"
}

// Report is one progress emission.
type Report struct {
	Percent int
	Label   string
}

// Snapshot is the tracker's counters at a point in time.
type Snapshot struct {
	Done     uint64
	Expected uint64
	Percent  int
}

// Tracker counts bytes toward an expected total. Intermediate percentages
// never reach 100; only Complete reports 100. Counters reset to zero at
// Start, Complete and Fail.
type Tracker struct {
	mu       sync.Mutex
	done     uint64
	expected uint64
	percent  int
	suffix   string
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Start sets the expected total and reports (0, "").
func (t *Tracker) Start(expected uint64) Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = 0
	t.percent = 0
	t.expected = expected
	t.suffix = ""
	if expected > 0 {
		t.suffix = "/" + kb(expected) + "KB"
	}
	return Report{}
}

// Advance adds n bytes. It reports ok=false when nothing should be emitted:
// unknown expected length or n == 0. Reaching the expected total completes.
func (t *Tracker) Advance(n uint64) (Report, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expected == 0 || n == 0 {
		return Report{}, false
	}
	t.done += n
	if t.done >= t.expected {
		t.resetLocked()
		return Report{Percent: 100, Label: DoneLabel}, true
	}
	pct := int(t.done * 100 / t.expected)
	if pct > 99 {
		pct = 99
	}
	if pct < t.percent {
		pct = t.percent
	}
	t.percent = pct
	return Report{Percent: pct, Label: kb(t.done) + t.suffix}, true
}

// Complete forces the final (100, "Done!") report and resets.
func (t *Tracker) Complete() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	return Report{Percent: 100, Label: DoneLabel}
}

// Fail resets and reports (0, "").
func (t *Tracker) Fail() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	return Report{}
}

// Active reports whether an expected total is set.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expected > 0
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Done: t.done, Expected: t.expected, Percent: t.percent}
}

func (t *Tracker) resetLocked() {
	t.done = 0
	t.expected = 0
	t.percent = 0
	t.suffix = ""
}

// Percent returns floor(100*done/total) capped at 99 while done < total.
func Percent(done, total uint64) int {
	if total == 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	pct := int(done * 100 / total)
	if pct > 99 {
		pct = 99
	}
	return pct
}

// Label renders "<done>/<total>KB" in kilobytes (1000 bytes).
func Label(done, total uint64) string {
	if total == 0 {
		return kb(done) + "KB"
	}
	return kb(done) + "/" + kb(total) + "KB"
}

func kb(n uint64) string {
	return strconv.FormatFloat(float64(n)/1000.0, 'g', 6, 64)
}
