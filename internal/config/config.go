package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// EnvAPIToken overrides api_token when set.
const EnvAPIToken = "UCLINK_API_TOKEN"

// File is a uclinkctl config file.
type File struct {
	App         string `toml:"app" yaml:"app"`
	LogLevel    string `toml:"log_level" yaml:"log_level"`
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`
	JournalPath string `toml:"journal_path" yaml:"journal_path"`
	SpoolDir    string `toml:"spool_dir" yaml:"spool_dir"`
	PoolSize    int    `toml:"pool_size" yaml:"pool_size"`
	APIToken    string `toml:"api_token,omitempty" yaml:"api_token"`
	Links       []Link `toml:"links" yaml:"links"`
}

// Link is one [[links]] entry. Pointer fields distinguish an explicit zero
// from an omitted key; other zero values select the default.
type Link struct {
	Name               string       `toml:"name" yaml:"name"`
	Transport          string       `toml:"transport" yaml:"transport"`
	Addr               string       `toml:"addr,omitempty" yaml:"addr"`
	Local              string       `toml:"local,omitempty" yaml:"local"`
	Listen             bool         `toml:"listen,omitempty" yaml:"listen"`
	BaudRate           int          `toml:"baud_rate,omitempty" yaml:"baud_rate"`
	DialTimeout        Duration     `toml:"dial_timeout,omitempty" yaml:"dial_timeout"`
	MaxPacketData      int          `toml:"max_packet_data,omitempty" yaml:"max_packet_data"`
	PacketRetries      *int         `toml:"packet_retries,omitempty" yaml:"packet_retries"`
	AckTimeout         Duration     `toml:"ack_timeout,omitempty" yaml:"ack_timeout"`
	MaxStagingBytes    int          `toml:"max_staging_bytes,omitempty" yaml:"max_staging_bytes"`
	QueueDepth         int          `toml:"queue_depth,omitempty" yaml:"queue_depth"`
	AutoAck            *bool        `toml:"auto_ack,omitempty" yaml:"auto_ack"`
	StreamKeys         []int        `toml:"stream_keys,omitempty" yaml:"stream_keys"`
	Reconnect          *bool        `toml:"reconnect,omitempty" yaml:"reconnect"`
	MaxConnectAttempts int          `toml:"max_connect_attempts,omitempty" yaml:"max_connect_attempts"`
	Backoff            *BackoffFile `toml:"backoff,omitempty" yaml:"backoff"`
	TLS                *TLSFile     `toml:"tls,omitempty" yaml:"tls"`
}

type BackoffFile struct {
	Initial    Duration `toml:"initial,omitempty" yaml:"initial"`
	Multiplier float64  `toml:"multiplier,omitempty" yaml:"multiplier"`
	Max        Duration `toml:"max,omitempty" yaml:"max"`
	Jitter     *bool    `toml:"jitter,omitempty" yaml:"jitter"`
}

type TLSFile struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file,omitempty" yaml:"cert_file"`
	KeyFile            string `toml:"key_file,omitempty" yaml:"key_file"`
	CAFile             string `toml:"ca_file,omitempty" yaml:"ca_file"`
	ServerName         string `toml:"server_name,omitempty" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify"`
}

func Default() File {
	return File{
		App:         "uclinkctl",
		LogLevel:    "info",
		MetricsAddr: "",
		JournalPath: "",
		SpoolDir:    "",
		PoolSize:    64,
	}
}

// Load reads a .toml, .yaml or .yml config, overlays it on Default and
// validates the result.
func Load(path string) (File, error) {
	var (
		raw     File
		defined func(key string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		keys := map[string]any{}
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		defined = func(key string) bool {
			_, ok := keys[key]
			return ok
		}
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return File{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
		}
		defined = func(key string) bool { return meta.IsDefined(key) }
	}

	cfg := Default()
	if defined("app") {
		cfg.App = strings.TrimSpace(raw.App)
	}
	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if defined("journal_path") {
		cfg.JournalPath = resolvePath(path, raw.JournalPath)
	}
	if defined("spool_dir") {
		cfg.SpoolDir = resolvePath(path, raw.SpoolDir)
	}
	if defined("pool_size") {
		cfg.PoolSize = raw.PoolSize
	}
	if defined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if env := strings.TrimSpace(os.Getenv(EnvAPIToken)); env != "" {
		cfg.APIToken = env
	}
	cfg.Links = raw.Links
	for i := range cfg.Links {
		if t := cfg.Links[i].TLS; t != nil {
			t.CertFile = resolvePath(path, t.CertFile)
			t.KeyFile = resolvePath(path, t.KeyFile)
			t.CAFile = resolvePath(path, t.CAFile)
		}
	}

	if err := Validate(cfg); err != nil {
		return File{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// resolvePath makes a relative path relative to the config file.
func resolvePath(configPath, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

func Validate(cfg File) error {
	if strings.TrimSpace(cfg.App) == "" {
		return fmt.Errorf("app is required")
	}
	if cfg.PoolSize < 0 {
		return fmt.Errorf("pool_size must be >= 0 (got %d)", cfg.PoolSize)
	}
	if len(cfg.Links) == 0 {
		return fmt.Errorf("at least one [[links]] entry is required")
	}
	seen := make(map[string]int, len(cfg.Links))
	for i, l := range cfg.Links {
		if err := ValidateLink(l); err != nil {
			return fmt.Errorf("links[%d] invalid: %w", i, err)
		}
		if j, ok := seen[l.Name]; ok {
			return fmt.Errorf("links[%d] invalid: name %q already used by links[%d]", i, l.Name, j)
		}
		seen[l.Name] = i
	}
	return nil
}

func ValidateLink(l Link) error {
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("name is required")
	}
	for _, k := range l.StreamKeys {
		if k < 0 || k > 255 {
			return fmt.Errorf("stream key %d out of range", k)
		}
	}
	if _, err := l.TransportConfig(); err != nil {
		return err
	}
	if err := l.SessionConfig().Validate(); err != nil {
		return err
	}
	return nil
}

// Find returns the link named name.
func (f File) Find(name string) (Link, bool) {
	for _, l := range f.Links {
		if l.Name == name {
			return l, true
		}
	}
	return Link{}, false
}
