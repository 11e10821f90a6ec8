package packet

import "fmt"

// MajorKey selects protocol control or an application subsystem.
type MajorKey uint8

const (
	MajorError MajorKey = iota
	MajorReset
	MajorAck
	MajorConfigUpdate

	// Subsystem types. Values from here up are application defined.
	MajorTypeError
	MajorTypeWelcome
	MajorTypeIO
	MajorTypeDataTransmit
	MajorTypeProgrammer
)

// Stream minor keys shared by every stream major key.
const (
	MinorStreamSize uint8 = 0x01
	MinorStreamData uint8 = 0x02
)

// Control reports whether k is handled by the protocol layer itself.
func (k MajorKey) Control() bool {
	return k == MajorError || k == MajorReset || k == MajorAck
}

// Reserved reports whether k is one of the four reserved keys.
func (k MajorKey) Reserved() bool {
	return k <= MajorConfigUpdate
}

func (k MajorKey) String() string {
	switch k {
	case MajorError:
		return "error"
	case MajorReset:
		return "reset"
	case MajorAck:
		return "ack"
	case MajorConfigUpdate:
		return "config_update"
	case MajorTypeError:
		return "type_error"
	case MajorTypeWelcome:
		return "welcome"
	case MajorTypeIO:
		return "io"
	case MajorTypeDataTransmit:
		return "data_transmit"
	case MajorTypeProgrammer:
		return "programmer"
	default:
		return fmt.Sprintf("major(%d)", uint8(k))
	}
}
