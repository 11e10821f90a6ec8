package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/danmuck/uclink/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

// Kinds accepted by Template.
var TemplateKinds = []string{"udp", "tcp", "serial", "websocket"}

// Template renders a starter config with one link of the given transport
// kind and every tunable at its default.
func Template(kind string) (string, error) {
	link, err := templateLink(strings.ToLower(strings.TrimSpace(kind)))
	if err != nil {
		return "", err
	}
	def := session.DefaultConfig()
	retries := def.Retries
	autoAck := def.AutoAck
	reconnect := def.Reconnect
	jitter := def.Backoff.Jitter
	link.MaxPacketData = def.Limits.MaxPayload
	link.PacketRetries = &retries
	link.AckTimeout = Duration(def.AckTimeout)
	link.MaxStagingBytes = def.MaxStaging
	link.QueueDepth = def.QueueDepth
	link.AutoAck = &autoAck
	link.Reconnect = &reconnect
	for _, k := range def.StreamKeys {
		link.StreamKeys = append(link.StreamKeys, int(k))
	}
	link.Backoff = &BackoffFile{
		Initial:    Duration(def.Backoff.InitialDelay),
		Multiplier: def.Backoff.Multiplier,
		Max:        Duration(def.Backoff.MaxDelay),
		Jitter:     &jitter,
	}

	file := Default()
	file.MetricsAddr = "127.0.0.1:9464"
	file.JournalPath = "uclink.db"
	file.Links = []Link{link}

	var buf bytes.Buffer
	buf.WriteString("# uclinkctl config. Durations use Go syntax (250ms, 5s).\n")
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(file); err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return buf.String(), nil
}

func templateLink(kind string) (Link, error) {
	switch transport.Kind(kind) {
	case transport.KindUDP:
		return Link{Name: "device", Transport: kind, Addr: "127.0.0.1:9000", Local: "0.0.0.0:9001"}, nil
	case transport.KindTCP:
		return Link{Name: "device", Transport: kind, Addr: "127.0.0.1:9000", DialTimeout: Duration(5 * time.Second)}, nil
	case transport.KindSerial:
		return Link{Name: "device", Transport: kind, Addr: "/dev/ttyUSB0", BaudRate: 115200}, nil
	case transport.KindWebSocket:
		return Link{Name: "device", Transport: kind, Addr: "ws://127.0.0.1:9000/link"}, nil
	default:
		return Link{}, fmt.Errorf("unknown config kind: %s (want one of %s)", kind, strings.Join(TemplateKinds, ", "))
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
