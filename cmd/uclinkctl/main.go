package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/uclink/internal/logging"
)

const usage = `usage: uclinkctl <command> [flags]

commands:
  init      write a starter config (-kind udp|tcp|serial|websocket)
  validate  load and validate a config
  listen    run every configured link, serve the status API
  send      send one payload (or stream) over one link
  console   interactive shell over the configured links
`

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "uclinkctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return fmt.Errorf("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return runInit(rest, out)
	case "validate":
		return runValidate(rest, out)
	case "listen":
		return runListen(ctx, rest, out)
	case "send":
		return runSend(ctx, rest, out)
	case "console":
		return runConsole(ctx, rest, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}
