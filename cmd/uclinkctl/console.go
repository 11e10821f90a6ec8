package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/danmuck/uclink/internal/journal"
	"github.com/danmuck/uclink/internal/protocol/session"
)

const consoleHelp = `commands:
  links                                 list links and their state
  send <link> <major> <minor> [hex]     send one transfer and wait for it
  stream <link> <major> [hex]           send a size-announced stream
  reset <link>                          reset local and peer state
  transfers [link]                      recent journaled transfers
  help                                  this text
  quit                                  leave the console
`

type console struct {
	app *app
	out io.Writer
}

func newConsole(a *app, out io.Writer) *console {
	return &console{app: a, out: out}
}

func (c *console) completer() *readline.PrefixCompleter {
	linkItems := func() []readline.PrefixCompleterInterface {
		var items []readline.PrefixCompleterInterface
		for _, l := range c.app.hub.Links() {
			items = append(items, readline.PcItem(l.Name()))
		}
		return items
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("links"),
		readline.PcItem("send", linkItems()...),
		readline.PcItem("stream", linkItems()...),
		readline.PcItem("reset", linkItems()...),
		readline.PcItem("transfers", linkItems()...),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

func (c *console) readLoop(ctx context.Context, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "\033[32muclink»\033[0m ",
		AutoComplete: c.completer(),
		HistoryFile:  historyFile,
		Stdout:       c.out,
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()
	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	fmt.Fprintln(c.out, "enter 'help' for commands, 'quit' to exit")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		if c.exec(ctx, line) {
			return nil
		}
	}
}

// exec runs one console line and reports whether the console should exit.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]
	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprint(c.out, consoleHelp)
	case "links":
		c.links()
	case "send":
		err = c.send(ctx, args)
	case "stream":
		err = c.stream(ctx, args)
	case "reset":
		err = c.reset(args)
	case "transfers":
		err = c.transfers(args)
	default:
		err = fmt.Errorf("unknown command %q (try help)", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}

func (c *console) links() {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCONNECTED\tSEND\tDECODED\tDROPPED\tSTREAM")
	for _, st := range c.app.hub.Stats() {
		r := st.Reassembler
		fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%d\t%d/%d\n", st.Name, st.Connected, st.SendState, r.Decoded, r.DroppedBytes, r.Received, r.Expected)
	}
	_ = tw.Flush()
}

func (c *console) link(name string) (*session.Link, error) {
	l, ok := c.app.hub.Link(name)
	if !ok {
		return nil, fmt.Errorf("unknown link %q", name)
	}
	return l, nil
}

func (c *console) send(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: send <link> <major> <minor> [hex]")
	}
	l, err := c.link(args[0])
	if err != nil {
		return err
	}
	major, err := parseMajor(args[1])
	if err != nil {
		return err
	}
	minor, err := parseByte(args[2])
	if err != nil {
		return err
	}
	payload, err := parseHex(strings.Join(args[3:], ""))
	if err != nil {
		return err
	}
	h, err := l.Submit(major, minor, payload)
	if err != nil {
		return err
	}
	if err := h.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "sent %d bytes in %d chunk(s)\n", len(payload), h.Chunks())
	return nil
}

func (c *console) stream(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: stream <link> <major> [hex]")
	}
	l, err := c.link(args[0])
	if err != nil {
		return err
	}
	major, err := parseMajor(args[1])
	if err != nil {
		return err
	}
	payload, err := parseHex(strings.Join(args[2:], ""))
	if err != nil {
		return err
	}
	if err := l.SendStream(ctx, major, payload); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "streamed %d bytes\n", len(payload))
	return nil
}

func (c *console) reset(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: reset <link>")
	}
	l, err := c.link(args[0])
	if err != nil {
		return err
	}
	if err := l.Reset(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "reset %s\n", l.Name())
	return nil
}

func (c *console) transfers(args []string) error {
	if c.app.journal == nil {
		return errors.New("journal disabled (set journal_path)")
	}
	q := journal.Query{Limit: 20}
	if len(args) > 0 {
		q.Link = args[0]
	}
	entries, err := c.app.journal.List(q)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLINK\tDIR\tKEYS\tBYTES\tRETRIES\tSTATUS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%d\t%d/%d\t%d\t%s\n", e.ID.String()[:8], e.Link, e.Direction, e.Major, e.Minor, e.Done, e.Total, e.Retries, e.Status)
	}
	return tw.Flush()
}
