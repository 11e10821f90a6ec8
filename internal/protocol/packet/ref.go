package packet

// Ref names the packet an ACK or ERROR refers to. On the wire the referenced
// major travels as the minor key and the referenced minor, when present, as
// the first payload byte.
type Ref struct {
	Major    MajorKey
	Minor    uint8
	HasMinor bool
}

// RefOf extracts the reference carried by an ACK or ERROR packet.
func RefOf(p Packet) Ref {
	ref := Ref{Major: MajorKey(p.Minor)}
	if len(p.Payload) > 0 {
		ref.Minor = p.Payload[0]
		ref.HasMinor = true
	}
	return ref
}

// Matches reports whether ref points at a packet sent under (major, minor).
func (r Ref) Matches(major MajorKey, minor uint8) bool {
	if r.Major != major {
		return false
	}
	return !r.HasMinor || r.Minor == minor
}

// AckFor builds the acknowledgment for p.
func AckFor(p Packet) Packet {
	return Packet{Major: MajorAck, Minor: uint8(p.Major), Payload: []byte{p.Minor}}
}

// ErrorFor builds the error response for p.
func ErrorFor(p Packet) Packet {
	return Packet{Major: MajorError, Minor: uint8(p.Major), Payload: []byte{p.Minor}}
}
