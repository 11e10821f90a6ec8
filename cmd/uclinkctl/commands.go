package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/uclink/internal/auth"
	"github.com/danmuck/uclink/internal/config"
	"github.com/danmuck/uclink/internal/observability"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/server"
	"github.com/danmuck/uclink/internal/spool"
	"github.com/rs/zerolog/log"
)

const defaultConfigPath = "uclink.toml"

func runInit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(out)
	kind := fs.String("kind", "udp", "transport kind: "+strings.Join(config.TemplateKinds, "|"))
	output := fs.String("output", defaultConfigPath, "output path for the config template")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s config template to %s\n", *kind, *output)
	return nil
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(out)
	path := fs.String("config", defaultConfigPath, "config path (.toml, .yaml, .yml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "validated %s: %d link(s): %s\n", *path, len(cfg.Links), strings.Join(linkNames(cfg), ", "))
	return nil
}

type commonFlags struct {
	config  string
	saveDir string
	saveExt string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", defaultConfigPath, "config path (.toml, .yaml, .yml)")
	fs.StringVar(&c.saveDir, "save-dir", "", "directory for completed inbound streams")
	fs.StringVar(&c.saveExt, "save-ext", ".bin", "saved stream codec by extension: .bin .zst .gz .lz4 .sz")
}

func loadConfig(path string) (config.File, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, err
	}
	observability.InitLogger(cfg.App, cfg.LogLevel)
	return cfg, nil
}

func runListen(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(out)
	var common commonFlags
	common.register(fs)
	httpAddr := fs.String("http", "", "status API listen address (defaults to metrics_addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(common.config)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{SaveDir: common.saveDir, SaveExt: common.saveExt}, out)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	addr := *httpAddr
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	srvDone := make(chan error, 1)
	if addr != "" {
		opts := server.Options{Name: cfg.App}
		if cfg.APIToken != "" {
			opts.Auth = auth.StaticToken{Token: cfg.APIToken}
		}
		srv := server.New(opts, a.hub, a.journal, a.metrics, a.registry)
		go func() { srvDone <- srv.Serve(ctx, addr) }()
	}
	fmt.Fprintf(out, "listening on %d link(s)\n", len(a.hub.Links()))

	hubDone := a.start(ctx)
	select {
	case err := <-srvDone:
		cancel()
		<-hubDone
		return fmt.Errorf("status api: %w", err)
	case err := <-hubDone:
		return err
	}
}

func runSend(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(out)
	var common commonFlags
	common.register(fs)
	linkName := fs.String("link", "", "link name (defaults to the first configured link)")
	majorArg := fs.String("major", "", "major key: number, 0x hex or name (io, data_transmit, ...)")
	minorArg := fs.String("minor", "0", "minor key: number or 0x hex")
	payloadArg := fs.String("payload", "", "payload as hex")
	file := fs.String("file", "", "payload file; .zst/.gz/.lz4/.sz are decoded first")
	stream := fs.Bool("stream", false, "send as size-announced stream")
	timeout := fs.Duration("timeout", 30*time.Second, "overall send timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	major, err := parseMajor(*majorArg)
	if err != nil {
		return err
	}
	minor, err := parseByte(*minorArg)
	if err != nil {
		return fmt.Errorf("minor: %w", err)
	}
	payload, err := readPayload(*payloadArg, *file)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(common.config)
	if err != nil {
		return err
	}
	name := *linkName
	if name == "" {
		name = cfg.Links[0].Name
	}
	if _, ok := cfg.Find(name); !ok {
		return fmt.Errorf("unknown link %q (have %s)", name, strings.Join(linkNames(cfg), ", "))
	}
	a, err := newApp(cfg, appOptions{SaveDir: common.saveDir, SaveExt: common.saveExt, Links: []string{name}}, out)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	hubDone := a.start(ctx)
	defer func() {
		cancel()
		<-hubDone
	}()
	if err := a.waitConnected(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	l, _ := a.hub.Link(name)
	if *stream {
		if err := l.SendStream(ctx, major, payload); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: streamed %d bytes under %s\n", name, len(payload), major)
		return nil
	}
	h, err := l.Submit(major, minor, payload)
	if err != nil {
		return err
	}
	if err := h.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: sent %d bytes in %d chunk(s) under %s/%d (%s)\n", name, len(payload), h.Chunks(), major, minor, h.ID())
	return nil
}

func runConsole(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	fs.SetOutput(out)
	var common commonFlags
	common.register(fs)
	history := fs.String("history", "", "readline history file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(common.config)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{SaveDir: common.saveDir, SaveExt: common.saveExt}, out)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hubDone := a.start(ctx)
	err = newConsole(a, out).readLoop(ctx, *history)
	cancel()
	if herr := <-hubDone; herr != nil {
		log.Warn().Err(herr).Msg("hub stopped with errors")
	}
	return err
}

// parseByte accepts decimal or 0x-prefixed hex.
func parseByte(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty value")
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q", s)
	}
	return uint8(v), nil
}

// parseMajor accepts a number or a key name such as "io".
func parseMajor(s string) (packet.MajorKey, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("major is required")
	}
	if v, err := parseByte(s); err == nil {
		return packet.MajorKey(v), nil
	}
	for k := 0; k < 256; k++ {
		if packet.MajorKey(k).String() == s {
			return packet.MajorKey(k), nil
		}
	}
	return 0, fmt.Errorf("unknown major key %q", s)
}

// parseHex decodes hex, ignoring spaces and an optional 0x prefix.
func parseHex(s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("payload must be hex: %w", err)
	}
	return b, nil
}

func readPayload(hexArg, file string) ([]byte, error) {
	if file != "" && hexArg != "" {
		return nil, errors.New("use -payload or -file, not both")
	}
	if file == "" {
		return parseHex(hexArg)
	}
	return spool.Load(file)
}
