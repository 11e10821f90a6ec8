// Package reassembler turns raw transport deliveries into validated packets
// and accumulates multi-packet stream data into a receive buffer.
//
// Resync policy: an Invalid decode drops one byte from the front of the
// staging buffer. After an Invalid and until the next Complete decode, an
// Incomplete candidate at the front is trusted only while no later offset
// already decodes to a Complete packet.
package reassembler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/danmuck/uclink/internal/spool"
	"github.com/rs/zerolog/log"
)

const DefaultMaxStaging = 4096

var (
	ErrSizeAnnounce = errors.New("reassembler: size announce must carry 4 bytes")
	ErrNotStream    = errors.New("reassembler: major key is not a stream key")
)

// DefaultStreamKeys are the major keys whose packets feed the receive buffer.
func DefaultStreamKeys() []packet.MajorKey {
	return []packet.MajorKey{packet.MajorTypeDataTransmit, packet.MajorTypeProgrammer}
}

// Config for one reassembler. MaxStaging should hold at least one maximal
// frame (MinStaging); a smaller cap drops legal packets that arrive split.
type Config struct {
	Limits     packet.Limits
	MaxStaging int
	StreamKeys []packet.MajorKey
}

// MinStaging is the size of the largest frame allowed by limits.
func MinStaging(limits packet.Limits) int {
	if err := limits.Validate(); err != nil {
		limits = packet.Limits{MaxPayload: packet.MaxPayloadLen}
	}
	return packet.HeaderLen + 1 + limits.MaxPayload
}

func (c Config) withDefaults() Config {
	if c.Limits.MaxPayload == 0 {
		c.Limits = packet.DefaultLimits()
	}
	if c.MaxStaging <= 0 {
		c.MaxStaging = DefaultMaxStaging
	}
	if c.StreamKeys == nil {
		c.StreamKeys = DefaultStreamKeys()
	}
	return c
}

// Stats are cumulative counters since New (Staged, Received and Expected
// are current values).
type Stats struct {
	Decoded      uint64
	Invalid      uint64
	DroppedBytes uint64
	Overflows    uint64
	Staged       int
	Received     int64
	Expected     uint64
}

// Delivery describes what Accept did with a stream packet.
type Delivery struct {
	Major     packet.MajorKey
	Announce  bool
	Expected  uint64
	Report    progress.Report
	HasReport bool
	Complete  bool
	Received  int64
}

// Reassembler is owned by one connection's processing loop.
type Reassembler struct {
	cfg     Config
	streams map[packet.MajorKey]struct{}

	mu        sync.Mutex
	buf       []byte
	resyncing bool
	sink      spool.Sink
	tracker   *progress.Tracker
	stats     Stats
}

// New builds a reassembler appending stream data to sink. A nil sink gets
// an in-memory spool.
func New(cfg Config, sink spool.Sink) *Reassembler {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = spool.NewMemory()
	}
	streams := make(map[packet.MajorKey]struct{}, len(cfg.StreamKeys))
	for _, k := range cfg.StreamKeys {
		streams[k] = struct{}{}
	}
	return &Reassembler{
		cfg:     cfg,
		streams: streams,
		sink:    sink,
		tracker: progress.NewTracker(),
	}
}

// Sink returns the receive buffer.
func (r *Reassembler) Sink() spool.Sink {
	return r.sink
}

// IsStream reports whether major feeds the receive buffer.
func (r *Reassembler) IsStream(major packet.MajorKey) bool {
	_, ok := r.streams[major]
	return ok
}

// Feed appends chunk to the staging buffer and returns every packet that
// now decodes, in wire order.
func (r *Reassembler) Feed(chunk []byte) []packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, chunk...)
	buf := r.buf
	var out []packet.Packet
	dropped := 0

scan:
	for len(buf) > 0 {
		res := packet.TryDecode(buf, r.cfg.Limits)
		switch res.Status {
		case packet.Complete:
			out = append(out, res.Packet)
			buf = buf[res.N:]
			r.resyncing = false
			r.stats.Decoded++
		case packet.Invalid:
			buf = buf[1:]
			dropped++
			r.resyncing = true
			r.stats.Invalid++
		default:
			if r.resyncing {
				if off := r.nextCompleteLocked(buf); off > 0 {
					buf = buf[off:]
					dropped += off
					continue
				}
			}
			break scan
		}
	}

	if over := len(buf) - r.cfg.MaxStaging; over > 0 {
		buf = buf[over:]
		dropped += over
		r.resyncing = true
		r.stats.Overflows++
		log.Warn().Int("dropped", over).Int("max_staging", r.cfg.MaxStaging).Msg("reassembler.overflow")
	}
	if dropped > 0 {
		r.stats.DroppedBytes += uint64(dropped)
		log.Debug().Int("dropped", dropped).Int("staged", len(buf)).Msg("reassembler.resync")
	}

	r.buf = append(r.buf[:0], buf...)
	return out
}

func (r *Reassembler) nextCompleteLocked(buf []byte) int {
	for off := 1; off < len(buf); off++ {
		if packet.TryDecode(buf[off:], r.cfg.Limits).Status == packet.Complete {
			return off
		}
	}
	return -1
}

// Accept applies a stream packet to the receive buffer. A MinorStreamSize
// packet restarts the buffer with a big-endian u32 expected length; any
// other minor appends its payload.
func (r *Reassembler) Accept(p packet.Packet) (Delivery, error) {
	if !r.IsStream(p.Major) {
		return Delivery{}, fmt.Errorf("%w: %s", ErrNotStream, p.Major)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	d := Delivery{Major: p.Major}
	if p.Minor == packet.MinorStreamSize {
		if len(p.Payload) != 4 {
			return d, fmt.Errorf("%w: got %d", ErrSizeAnnounce, len(p.Payload))
		}
		expected := uint64(binary.BigEndian.Uint32(p.Payload))
		if err := r.sink.Clear(); err != nil {
			return d, err
		}
		d.Announce = true
		d.Expected = expected
		d.Report = r.tracker.Start(expected)
		d.HasReport = expected > 0
		log.Debug().Stringer("major", p.Major).Uint64("expected", expected).Msg("reassembler.announce")
		return d, nil
	}

	if _, err := r.sink.Write(p.Payload); err != nil {
		return d, fmt.Errorf("reassembler: append: %w", err)
	}
	d.Received = r.sink.Size()
	if report, ok := r.tracker.Advance(uint64(len(p.Payload))); ok {
		d.Report = report
		d.HasReport = true
		d.Complete = report.Percent == 100
	}
	return d, nil
}

// Receiving reports whether a multi-packet receive with a known length is
// in progress.
func (r *Reassembler) Receiving() bool {
	return r.tracker.Active()
}

// Abort ends an in-progress receive, returning the counters it reached.
// ok is false when nothing was in progress.
func (r *Reassembler) Abort() (progress.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.tracker.Snapshot()
	if snap.Expected == 0 {
		return snap, false
	}
	r.tracker.Fail()
	return snap, true
}

// Reset drops staged bytes and the receive buffer. It reports whether a
// receive was in progress.
func (r *Reassembler) Reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.tracker.Active()
	r.tracker.Fail()
	r.buf = r.buf[:0]
	r.resyncing = false
	if err := r.sink.Clear(); err != nil {
		log.Warn().Err(err).Msg("reassembler.Reset clear")
	}
	return active
}

// ResetReceive ends the receive buffer and tracker but keeps staged bytes,
// which belong to packets still arriving behind a RESET.
func (r *Reassembler) ResetReceive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.tracker.Active()
	r.tracker.Fail()
	if err := r.sink.Clear(); err != nil {
		log.Warn().Err(err).Msg("reassembler.ResetReceive clear")
	}
	return active
}

func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Staged = len(r.buf)
	s.Received = r.sink.Size()
	s.Expected = r.tracker.Snapshot().Expected
	return s
}
