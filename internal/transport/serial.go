package transport

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

// Serial is a UART link at 8N1.
type Serial struct {
	path string
	mode serial.Mode
	stream
}

func NewSerial(path string, baud int) *Serial {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &Serial{
		path: path,
		mode: serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		stream: stream{name: "serial " + path},
	}
}

func (s *Serial) String() string { return s.name }

func (s *Serial) Open(ctx context.Context) error {
	if s.connected() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := serial.Open(s.path, &s.mode)
	if err != nil {
		return fmt.Errorf("serial open %s: %w", s.path, err)
	}
	s.attach(port)
	log.Debug().Str("port", s.path).Int("baud", s.mode.BaudRate).Msg("transport.Serial.Open")
	return nil
}

func (s *Serial) Close() error           { return s.close() }
func (s *Serial) Connected() bool        { return s.connected() }
func (s *Serial) Write(b []byte) error   { return s.write(b) }
func (s *Serial) SetReceiver(r Receiver) { s.notify.set(r) }

// Ports lists serial devices present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
