package sender

import (
	"errors"
	"fmt"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/google/uuid"
)

var (
	ErrBusy             = errors.New("sender: transfer already in flight")
	ErrClosed           = errors.New("sender: closed")
	ErrRetriesExhausted = errors.New("sender: chunk retries exhausted")
	ErrDisconnected     = errors.New("sender: transport disconnected")
	ErrReset            = errors.New("sender: transfer cancelled by reset")
	ErrAckTimeout       = errors.New("sender: ack timeout")
	ErrNacked           = errors.New("sender: chunk rejected by peer")
)

// TransferError is the terminal failure of one transfer, tagged with enough
// context for the caller to decide on an application level retry.
type TransferError struct {
	ID        uuid.UUID
	Direction progress.Direction
	Major     packet.MajorKey
	Minor     uint8
	Chunk     int
	Done      uint64
	Total     uint64
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf(
		"%s transfer %s major=%s minor=%d failed at chunk=%d progress=%d/%d: %v",
		e.Direction, e.ID, e.Major, e.Minor, e.Chunk, e.Done, e.Total, e.Err,
	)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
