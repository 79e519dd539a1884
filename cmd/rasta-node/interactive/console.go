// Package interactive provides the interactive command-line interface
// of rasta-node.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rasta-protocol/rasta-go/pkg/connection"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"gopkg.in/yaml.v3"
)

// callTimeout bounds how long a command waits for the reactor.
const callTimeout = 5 * time.Second

// Console handles interactive mode for rasta-node.
type Console struct {
	h   *transport.Handle
	sup *connection.Supervisor
	out io.Writer
	rl  *readline.Instance
}

// New creates a console on the terminal.
func New(h *transport.Handle, sup *connection.Supervisor) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rasta> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(h, sup, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(h *transport.Handle, sup *connection.Supervisor, out io.Writer) *Console {
	return &Console{h: h, sup: sup, out: out}
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Handler prints channel events on the console and passes them on to next.
func (c *Console) Handler(next transport.Handler) transport.Handler {
	if next == nil {
		next = transport.HandlerFuncs{}
	}
	return transport.HandlerFuncs{
		StateChange: func(ch *transport.Channel, old, new transport.ChannelState, err error) {
			if err != nil {
				fmt.Fprintf(c.out, "[ch %d] %s -> %s (%v)\n", ch.ID(), old, new, err)
			} else {
				fmt.Fprintf(c.out, "[ch %d] %s -> %s\n", ch.ID(), old, new)
			}
			next.OnStateChange(ch, old, new, err)
		},
		Data: func(ch *transport.Channel, dg transport.Datagram) {
			fmt.Fprintf(c.out, "[ch %d] <- %d bytes: %q\n", ch.ID(), len(dg.Data), dg.Data)
			next.OnData(ch, dg)
		},
	}
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if c.Exec(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line. It reports whether the console should quit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "status", "s":
		c.cmdStatus(ctx)

	case "sockets":
		c.cmdSockets(ctx)

	case "diag", "d":
		c.cmdDiag(ctx, args)

	case "send":
		// Keep the payload's inner spacing.
		payload := ""
		if len(args) > 1 {
			payload = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input[len(parts[0]):]), args[0]))
		}
		c.cmdSend(ctx, args, payload)

	case "redial":
		c.cmdChannelOp(ctx, args, "redial", (*transport.Channel).Redial)

	case "close":
		c.cmdChannelOp(ctx, args, "close", (*transport.Channel).Close)

	case "redials":
		c.cmdRedials()

	case "quit", "exit", "q":
		return true

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
RaSTA Node Commands:
  Channels:
    status             - List transport channels
    diag <ch>          - Show diagnostics of a channel
    send <ch> <text>   - Send text on a connected channel
    redial <ch>        - Drop and reconnect a channel
    close <ch>         - Close a channel (no automatic redial)
    redials            - Show supervisor redial activity

  Sockets:
    sockets            - List transport sockets

  General:
    help               - Show this help
    quit               - Exit node`)
}

// call runs fn on the reactor goroutine.
func (c *Console) call(ctx context.Context, fn func()) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return reactor.Call(ctx, c.h.Reactor(), fn)
}

func (c *Console) cmdStatus(ctx context.Context) {
	var snaps []transport.ChannelSnapshot
	if err := c.call(ctx, func() { snaps = c.h.Snapshot() }); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintln(c.out, "\nTransport Channels")
	fmt.Fprintln(c.out, "-------------------------------------------")
	if len(snaps) == 0 {
		fmt.Fprintln(c.out, "  (none)")
	}
	for _, s := range snaps {
		role := "passive"
		if s.Dialled {
			role = "dialled"
		}
		fmt.Fprintf(c.out, "  [%d] red=%d %-13s %-21s %s", s.ID, s.Redundancy, s.State, s.Remote, role)
		if s.Session != "" {
			fmt.Fprintf(c.out, " session=%s", s.Session)
		}
		if s.Peer != "" && s.Peer != s.Remote {
			fmt.Fprintf(c.out, " peer=%s", s.Peer)
		}
		fmt.Fprintf(c.out, " rx=%d\n", s.Diagnostics.PacketsReceived)
	}
	fmt.Fprintln(c.out)
}

func (c *Console) cmdSockets(ctx context.Context) {
	type socketRow struct {
		id, fd    int
		kind      string
		local     string
		listening bool
		secure    string
	}
	var rows []socketRow
	err := c.call(ctx, func() {
		for _, s := range c.h.Sockets() {
			row := socketRow{id: s.ID(), fd: s.Descriptor(), kind: s.Kind().String(), listening: s.Listening()}
			if s.Bound() {
				row.local = s.LocalAddr().String()
			}
			if s.Security() != nil {
				row.secure = s.SecureState().String()
			}
			rows = append(rows, row)
		}
	})
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintln(c.out, "\nTransport Sockets")
	fmt.Fprintln(c.out, "-------------------------------------------")
	for _, r := range rows {
		fmt.Fprintf(c.out, "  [%d] %s %-21s fd=%d listening=%t", r.id, r.kind, r.local, r.fd, r.listening)
		if r.secure != "" {
			fmt.Fprintf(c.out, " secure=%s", r.secure)
		}
		fmt.Fprintln(c.out)
	}
	fmt.Fprintln(c.out)
}

func (c *Console) cmdDiag(ctx context.Context, args []string) {
	id, ok := c.channelArg(args, "diag <ch>")
	if !ok {
		return
	}

	var snap *transport.ChannelSnapshot
	err := c.call(ctx, func() {
		for _, s := range c.h.Snapshot() {
			if s.ID == id {
				snap = &s
				return
			}
		}
	})
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if snap == nil {
		fmt.Fprintf(c.out, "Unknown channel: %d\n", id)
		return
	}

	d := snap.Diagnostics
	data, err := yaml.Marshal(d)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Channel %d diagnostics:\n%s", id, data)
	fmt.Fprintf(c.out, "mean_drift: %s\ndrift_variance_ms2: %.3f\nmissed_ratio: %.4f\n",
		d.MeanDrift(), d.DriftVariance(), d.MissedRatio())
}

func (c *Console) cmdSend(ctx context.Context, args []string, payload string) {
	id, ok := c.channelArg(args, "send <ch> <text>")
	if !ok {
		return
	}
	if payload == "" {
		fmt.Fprintln(c.out, "Usage: send <ch> <text>")
		return
	}

	var sendErr error
	err := c.call(ctx, func() {
		ch := c.h.Channel(id)
		if ch == nil {
			sendErr = fmt.Errorf("unknown channel %d", id)
			return
		}
		sendErr = ch.Send([]byte(payload))
	})
	if err == nil {
		err = sendErr
	}
	switch {
	case errors.Is(err, transport.ErrWouldBlock):
		fmt.Fprintln(c.out, "Send buffer full, try again")
	case err != nil:
		fmt.Fprintf(c.out, "Error: %v\n", err)
	default:
		fmt.Fprintf(c.out, "[ch %d] -> %d bytes\n", id, len(payload))
	}
}

func (c *Console) cmdChannelOp(ctx context.Context, args []string, name string, op func(*transport.Channel) error) {
	id, ok := c.channelArg(args, name+" <ch>")
	if !ok {
		return
	}

	var opErr error
	err := c.call(ctx, func() {
		ch := c.h.Channel(id)
		if ch == nil {
			opErr = fmt.Errorf("unknown channel %d", id)
			return
		}
		opErr = op(ch)
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Channel %d: %s issued\n", id, name)
}

func (c *Console) cmdRedials() {
	if c.sup == nil {
		fmt.Fprintln(c.out, "No supervisor")
		return
	}
	stats := c.sup.Stats()
	if len(stats) == 0 {
		fmt.Fprintln(c.out, "No channel has dropped")
		return
	}
	for _, s := range stats {
		fmt.Fprintf(c.out, "  [%d] redials=%d attempts=%d pending=%t next=%s", s.Channel, s.Redials, s.Attempts, s.Pending, s.NextDelay)
		if s.LastError != "" {
			fmt.Fprintf(c.out, " last_error=%q", s.LastError)
		}
		fmt.Fprintln(c.out)
	}
}

func (c *Console) channelArg(args []string, usage string) (int, bool) {
	if len(args) < 1 {
		fmt.Fprintf(c.out, "Usage: %s\n", usage)
		return 0, false
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid channel id: %s\n", args[0])
		return 0, false
	}
	return id, true
}
