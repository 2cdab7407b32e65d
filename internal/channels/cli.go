package channels

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/bus"
)

// CLIChatID is the fixed chat id of the interactive terminal session.
const CLIChatID = "local"

// cliName is the channel name.
const cliName = "cli"

// CLI reads stdin line by line and prints outbound replies. /exit terminates
// the loop; /dlq commands operate the dead-letter queue.
type CLI struct {
	bus    *bus.Bus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	onExit func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCLI creates the interactive terminal channel.
func NewCLI(b *bus.Bus, in io.Reader, out io.Writer, onExit func(), logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{bus: b, logger: logger, in: in, out: out, onExit: onExit}
}

// Name implements Channel.
func (c *CLI) Name() string {
	return cliName
}

// Send implements Channel by printing the reply.
func (c *CLI) Send(_ context.Context, env bus.Envelope) error {
	prefix := color.New(color.FgCyan, color.Bold).Sprint("coreclaw>")
	fmt.Fprintf(c.out, "%s %s\n", prefix, env.Content)
	return nil
}

// Start launches the stdin read loop.
func (c *CLI) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop cancels the read loop. Idempotent. The loop may stay blocked on a
// stdin read until the next line; process exit resolves that.
func (c *CLI) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *CLI) loop(ctx context.Context) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" {
			if c.onExit != nil {
				c.onExit()
			}
			return
		}
		if strings.HasPrefix(line, "/dlq") {
			c.handleDLQ(ctx, line)
			continue
		}

		if _, err := c.bus.PublishInbound(ctx, bus.Envelope{
			ID:       uuid.NewString(),
			Channel:  cliName,
			ChatID:   CLIChatID,
			SenderID: "terminal",
			Content:  line,
		}); err != nil {
			c.logger.Error("cli: publish inbound", "error", err)
		}
	}
}

// handleDLQ implements:
//
//	/dlq list [inbound|outbound|all] [limit]
//	/dlq replay <queueId|inbound|outbound|all> [limit]
func (c *CLI) handleDLQ(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		fmt.Fprintln(c.out, `usage: /dlq list [inbound|outbound|all] [limit] | /dlq replay <queueId|inbound|outbound|all> [limit]`)
		return
	}

	printJSON := func(v any) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, string(b))
	}

	switch fields[1] {
	case "list":
		direction := ""
		limit := 50
		if len(fields) > 2 && fields[2] != "all" {
			direction = fields[2]
		}
		if len(fields) > 3 {
			if n, err := strconv.Atoi(fields[3]); err == nil {
				limit = n
			}
		}
		records, err := c.bus.ListDeadLetterMessages(ctx, direction, limit)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			return
		}
		printJSON(records)
	case "replay":
		if len(fields) < 3 {
			fmt.Fprintln(c.out, "usage: /dlq replay <queueId|inbound|outbound|all> [limit]")
			return
		}
		var queueID int64
		direction := ""
		switch fields[2] {
		case "inbound", "outbound":
			direction = fields[2]
		case "all":
		default:
			n, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				fmt.Fprintf(c.out, "error: bad queue id %q\n", fields[2])
				return
			}
			queueID = n
		}
		limit := 50
		if len(fields) > 3 {
			if n, err := strconv.Atoi(fields[3]); err == nil {
				limit = n
			}
		}
		ids, err := c.bus.ReplayDeadLetterMessages(ctx, queueID, direction, limit)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			return
		}
		printJSON(map[string]any{"replayed": ids})
	default:
		fmt.Fprintf(c.out, "unknown /dlq subcommand %q\n", fields[1])
	}
}
