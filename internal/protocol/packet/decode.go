package packet

import "fmt"

// Status classifies a decode attempt against a stream prefix.
type Status int

const (
	Incomplete Status = iota
	Complete
	Invalid
)

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of TryDecode. N is only set for Complete.
type Result struct {
	Status Status
	Packet Packet
	N      int
	Err    error
}

// TryDecode attempts to decode one packet from the front of b.
//
// Incomplete means more bytes are needed. Invalid means the front of b is not
// a packet (zero or oversized length, checksum mismatch) and the caller must
// resynchronize. Complete returns the packet and the bytes consumed.
func TryDecode(b []byte, limits Limits) Result {
	if len(b) < 2 {
		return Result{Status: Incomplete}
	}
	length := int(b[1])
	if length == 0 {
		return Result{Status: Invalid, Err: ErrZeroLength}
	}
	if length-1 > limits.maxPayload() {
		return Result{Status: Invalid, Err: fmt.Errorf("%w: %d", ErrLengthTooLarge, length)}
	}
	total := HeaderLen + length
	if len(b) < total {
		return Result{Status: Incomplete}
	}
	major := MajorKey(b[0])
	data := b[HeaderLen:total]
	if want := Checksum(major, uint8(length), data); want != b[2] {
		return Result{Status: Invalid, Err: fmt.Errorf("%w: got=0x%02x want=0x%02x", ErrChecksum, b[2], want)}
	}
	payload := make([]byte, length-1)
	copy(payload, data[1:])
	return Result{
		Status: Complete,
		Packet: Packet{Major: major, Minor: data[0], Payload: payload},
		N:      total,
	}
}

// Chunk splits payload into ordered slices of at most max bytes. An empty
// payload yields one empty chunk so keyed commands without data still frame.
func Chunk(payload []byte, max int) [][]byte {
	if max < 1 {
		max = 1
	}
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	out := make([][]byte, 0, (len(payload)+max-1)/max)
	for start := 0; start < len(payload); start += max {
		end := start + max
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[start:end])
	}
	return out
}
