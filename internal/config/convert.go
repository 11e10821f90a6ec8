package config

import (
	"strings"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/danmuck/uclink/internal/transport"
)

// SessionConfig overlays the entry on session.DefaultConfig.
func (l Link) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Name = strings.TrimSpace(l.Name)
	if l.MaxPacketData != 0 {
		cfg.Limits = packet.Limits{MaxPayload: l.MaxPacketData}
	}
	if l.PacketRetries != nil {
		cfg.Retries = *l.PacketRetries
	}
	if l.AckTimeout != 0 {
		cfg.AckTimeout = l.AckTimeout.Std()
	}
	if l.MaxStagingBytes != 0 {
		cfg.MaxStaging = l.MaxStagingBytes
	}
	if l.QueueDepth != 0 {
		cfg.QueueDepth = l.QueueDepth
	}
	if l.AutoAck != nil {
		cfg.AutoAck = *l.AutoAck
	}
	if len(l.StreamKeys) > 0 {
		keys := make([]packet.MajorKey, 0, len(l.StreamKeys))
		for _, k := range l.StreamKeys {
			keys = append(keys, packet.MajorKey(k))
		}
		cfg.StreamKeys = keys
	}
	if l.Reconnect != nil {
		cfg.Reconnect = *l.Reconnect
	}
	cfg.MaxConnectAttempts = l.MaxConnectAttempts
	if b := l.Backoff; b != nil {
		if b.Initial != 0 {
			cfg.Backoff.InitialDelay = b.Initial.Std()
		}
		if b.Multiplier != 0 {
			cfg.Backoff.Multiplier = b.Multiplier
		}
		if b.Max != 0 {
			cfg.Backoff.MaxDelay = b.Max.Std()
		}
		if b.Jitter != nil {
			cfg.Backoff.Jitter = *b.Jitter
		}
	}
	return cfg
}

// TransportConfig maps the entry to a validated transport.Config.
func (l Link) TransportConfig() (transport.Config, error) {
	cfg := transport.Config{
		Kind:        transport.Kind(strings.ToLower(strings.TrimSpace(l.Transport))),
		Addr:        strings.TrimSpace(l.Addr),
		Local:       strings.TrimSpace(l.Local),
		Listen:      l.Listen,
		BaudRate:    l.BaudRate,
		DialTimeout: l.DialTimeout.Std(),
	}
	if t := l.TLS; t != nil {
		cfg.TLS = transport.TLSConfig{
			Enabled:            t.Enabled,
			Mutual:             t.Mutual,
			CertFile:           strings.TrimSpace(t.CertFile),
			KeyFile:            strings.TrimSpace(t.KeyFile),
			CAFile:             strings.TrimSpace(t.CAFile),
			ServerName:         strings.TrimSpace(t.ServerName),
			InsecureSkipVerify: t.InsecureSkipVerify,
		}
	}
	if err := cfg.Validate(); err != nil {
		return transport.Config{}, err
	}
	return cfg, nil
}
