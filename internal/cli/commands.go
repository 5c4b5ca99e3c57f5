// Package cli implements the operator console: live session tables,
// traffic history dumps and kicks from the shard's terminal.
package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/shard/internal/db"
	"github.com/energizer-project/shard/internal/events"
	"github.com/energizer-project/shard/internal/gateway"
	"github.com/energizer-project/shard/internal/network"
	"github.com/energizer-project/shard/internal/protocol/packets"
)

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit requested")

// Deps are the components the console inspects. SessionLog and EventBus
// may be nil.
type Deps struct {
	Listener   *network.Listener
	Gateway    *gateway.Gateway
	SessionLog *db.SessionLog
	EventBus   *events.EventBus
}

// CLI is an interactive console reading commands line by line.
type CLI struct {
	deps Deps
	in   io.Reader
	out  io.Writer
}

// NewCLI creates a console reading from in and writing to out.
func NewCLI(deps Deps, in io.Reader, out io.Writer) *CLI {
	return &CLI{deps: deps, in: in, out: out}
}

// Start runs the prompt loop until ctx is cancelled, input ends or quit
// is entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nShard console ready. Type 'help' for available commands.")

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "shard> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		err := c.Execute(ctx, scanner.Text())
		if errors.Is(err, ErrQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// Execute runs a single command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		c.printSessions()
	case "session":
		return c.cmdSession(args)
	case "history":
		return c.cmdHistory(args)
	case "consume":
		return c.cmdConsume(args)
	case "kick":
		return c.cmdKick(args)
	case "broadcast", "msg":
		return c.cmdBroadcast(args)
	case "pipeline":
		c.printPipeline()
	case "registry":
		c.printRegistry()
	case "audit":
		return c.cmdAudit(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down shard...")
		c.deps.EventBus.Emit(ctx, events.Event{
			Type:    events.EventShutdown,
			Source:  "cli",
			Payload: events.ShutdownPayload{Reason: "console", Sessions: c.deps.Gateway.Stats().Sessions},
		})
		return ErrQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status                 Gateway counters and connection totals
  sessions               Table of live sessions
  session <id>           Detail of one session
  history <id> [n]       Hex dump of the last n received bytes
  consume <id> <n>       Drop the oldest n history bytes
  kick <id> [reason]     Disconnect a session
  broadcast <text>       System message to every in-game session
  pipeline               Transformers applied to new connections
  registry               Registered message types
  audit [limit]          Recent session log rows
  quit                   Shut the shard down
  help                   Show this help message`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	stats := c.deps.Gateway.Stats()

	tw := c.newTable("Metric", "Value")
	tw.Append([]string{"Connections", strconv.Itoa(c.deps.Listener.Count())})
	tw.Append([]string{"Sessions", strconv.Itoa(stats.Sessions)})
	for _, phase := range []string{"connected", "login", "authenticated", "in_game"} {
		tw.Append([]string{"  " + phase, strconv.Itoa(stats.ByPhase[phase])})
	}
	tw.Append([]string{"Frames decoded", strconv.FormatUint(stats.FramesDecoded, 10)})
	tw.Append([]string{"Frames rejected", strconv.FormatUint(stats.FramesRejected, 10)})
	tw.Append([]string{"Unhandled", strconv.FormatUint(stats.Unhandled, 10)})
	tw.Append([]string{"Handler errors", strconv.FormatUint(stats.HandlerErrors, 10)})
	tw.Append([]string{"Messages sent", strconv.FormatUint(stats.MessagesSent, 10)})
	tw.Append([]string{"Send errors", strconv.FormatUint(stats.SendErrors, 10)})
	tw.Render()
}

func (c *CLI) printSessions() {
	sessions := c.deps.Gateway.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions.")
		return
	}

	tw := c.newTable("ID", "Remote", "Phase", "Account", "Character", "In", "Out", "Idle")
	for _, s := range sessions {
		info := s.State().Info()
		conn := s.Conn()
		tw.Append([]string{
			strconv.FormatUint(info.ID, 10),
			info.Remote,
			info.Phase.String(),
			dash(info.Account),
			dash(info.Character),
			strconv.FormatUint(conn.BytesIn(), 10),
			strconv.FormatUint(conn.BytesOut(), 10),
			time.Since(conn.LastActivity()).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) cmdSession(args []string) error {
	s, err := c.sessionArg(args)
	if err != nil {
		return err
	}
	info := s.State().Info()
	conn := s.Conn()

	fmt.Fprintf(c.out, "\n  Session:      %d\n", info.ID)
	fmt.Fprintf(c.out, "  Remote:       %s\n", info.Remote)
	fmt.Fprintf(c.out, "  Phase:        %s (since %s)\n", info.Phase, info.PhaseChangedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Account:      %s\n", dash(info.Account))
	fmt.Fprintf(c.out, "  Character:    %s\n", dash(info.Character))
	fmt.Fprintf(c.out, "  Client:       %s\n", info.Version)
	fmt.Fprintf(c.out, "  Compression:  %v\n", info.Compression)
	fmt.Fprintf(c.out, "  Encryption:   %v\n", info.Encryption)
	fmt.Fprintf(c.out, "  Pipeline:     %s\n", dash(strings.Join(conn.Pipeline().Kinds(), " -> ")))
	fmt.Fprintf(c.out, "  Bytes in/out: %d / %d\n", conn.BytesIn(), conn.BytesOut())
	fmt.Fprintf(c.out, "  History:      %d bytes\n", conn.AvailableBytes())
	fmt.Fprintf(c.out, "  Connected:    %s\n\n", conn.ConnectedAt().Format(time.RFC3339))
	return nil
}

func (c *CLI) cmdHistory(args []string) error {
	s, err := c.sessionArg(args)
	if err != nil {
		return err
	}
	n := -1
	if len(args) > 1 {
		if n, err = strconv.Atoi(args[1]); err != nil || n < 0 {
			return fmt.Errorf("invalid byte count: %s", args[1])
		}
	}

	data := s.Conn().Peek(n)
	fmt.Fprintf(c.out, "%d of %d buffered bytes\n", len(data), s.Conn().AvailableBytes())
	fmt.Fprint(c.out, hex.Dump(data))
	return nil
}

func (c *CLI) cmdConsume(args []string) error {
	s, err := c.sessionArg(args)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return errors.New("usage: consume <id> <n>")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 1 {
		return fmt.Errorf("invalid byte count: %s", args[1])
	}
	fmt.Fprintf(c.out, "Dropped %d bytes, %d remain\n", s.Conn().Consume(n), s.Conn().AvailableBytes())
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	s, err := c.sessionArg(args)
	if err != nil {
		return err
	}
	reason := "kicked from console"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if err := c.deps.Gateway.Kick(s.ID(), reason); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Session %d kicked\n", s.ID())
	return nil
}

func (c *CLI) cmdBroadcast(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: broadcast <text>")
	}
	n, err := c.deps.Gateway.Broadcast(&packets.Speech{
		Serial:   0xFFFFFFFF,
		Graphic:  0xFFFF,
		Type:     packets.SpeechSystem,
		Hue:      0x3B2,
		Language: "ENU",
		Name:     "System",
		Text:     strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Message sent to %d sessions\n", n)
	return nil
}

func (c *CLI) printPipeline() {
	kinds := c.deps.Listener.Pipeline().Kinds()
	if len(kinds) == 0 {
		fmt.Fprintln(c.out, "Pipeline is empty; bytes pass through untouched.")
		return
	}
	tw := c.newTable("#", "Transformer")
	for i, k := range kinds {
		tw.Append([]string{strconv.Itoa(i + 1), k})
	}
	tw.Render()
}

func (c *CLI) printRegistry() {
	tw := c.newTable("Opcode", "Name", "Framing", "Length")
	for _, e := range c.deps.Gateway.Registry().Entries() {
		length := "-"
		if e.Length > 0 {
			length = strconv.Itoa(e.Length)
		}
		tw.Append([]string{fmt.Sprintf("0x%02X", e.Opcode), e.Name, e.Framing.String(), length})
	}
	tw.Render()
}

func (c *CLI) cmdAudit(args []string) error {
	if c.deps.SessionLog == nil {
		return errors.New("session audit is disabled")
	}
	limit := 20
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("invalid limit: %s", args[0])
		}
		limit = v
	}

	records, err := c.deps.SessionLog.Recent(limit)
	if err != nil {
		return err
	}
	tw := c.newTable("Session", "Remote", "Account", "Character", "Connected", "Duration")
	for _, r := range records {
		duration := "open"
		if !r.DisconnectedAt.IsZero() {
			duration = r.DisconnectedAt.Sub(r.ConnectedAt).Truncate(time.Second).String()
		}
		tw.Append([]string{
			strconv.FormatUint(r.SessionID, 10),
			r.Remote,
			dash(r.Account),
			dash(r.Character),
			r.ConnectedAt.Format(time.DateTime),
			duration,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) sessionArg(args []string) (*gateway.Session, error) {
	if len(args) == 0 {
		return nil, errors.New("session id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid session id: %s", args[0])
	}
	s, ok := c.deps.Gateway.Session(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", gateway.ErrUnknownSession, id)
	}
	return s, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
