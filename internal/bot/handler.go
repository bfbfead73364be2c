// Package bot is the Telegram command front-end over the monitor lifecycle
// operations.
package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dexmonitor/internal/chart"
	"dexmonitor/internal/fetcher"
	"dexmonitor/internal/service"
	"dexmonitor/internal/storage"
)

// Replier sends responses back to a chat.
type Replier interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, png []byte, caption string) error
}

// Command is one parsed chat command.
type Command struct {
	Name        string
	Args        []string
	Participant storage.Participant
}

// Options configure the handler.
type Options struct {
	ChartWindow time.Duration
	Chart       chart.Options
	Now         func() time.Time
}

// Handler executes commands.
type Handler struct {
	monitors *service.Monitors
	samples  storage.SampleStore
	replier  Replier
	opts     Options
	logger   zerolog.Logger
}

// NewHandler constructs a command handler.
func NewHandler(monitors *service.Monitors, samples storage.SampleStore, replier Replier, opts Options, logger zerolog.Logger) *Handler {
	if opts.ChartWindow <= 0 {
		opts.ChartWindow = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		monitors: monitors,
		samples:  samples,
		replier:  replier,
		opts:     opts,
		logger:   logger.With().Str("component", "bot").Logger(),
	}
}

const usage = "Send /monitor <tokenAddress> [threshold(%)] [chain]\n" +
	"Example: /monitor 7S2... 5 solana\n" +
	"Use /stop <tokenAddress> [chain] to stop.\n" +
	"Use /list to see active monitors.\n" +
	"Use /chart <tokenAddress> [hours] [chain] to view a line chart."

// Handle dispatches cmd and replies to its chat. Reply failures are returned.
func (h *Handler) Handle(ctx context.Context, cmd Command) error {
	chatID := cmd.Participant.ChatID
	h.logger.Debug().Int64("chat_id", chatID).Str("command", cmd.Name).Strs("args", cmd.Args).Msg("command received")

	var reply string
	switch cmd.Name {
	case "start", "help":
		reply = usage
	case "monitor":
		reply = h.monitor(ctx, cmd)
	case "stop":
		reply = h.stop(ctx, cmd)
	case "list":
		reply = h.list(ctx, chatID)
	case "chart":
		return h.chart(ctx, cmd)
	default:
		reply = "Unknown command. Send /start for usage."
	}
	return h.replier.SendText(ctx, chatID, reply)
}

func (h *Handler) monitor(ctx context.Context, cmd Command) string {
	args, ok := parseMonitorArgs(cmd.Args, h.monitors.DefaultThreshold())
	if !ok {
		return "Usage: /monitor <tokenAddress> [threshold(%)] [chain]"
	}

	m, err := h.monitors.Create(ctx, cmd.Participant, args.chain, args.address, args.threshold)
	switch {
	case err == nil:
		return fmt.Sprintf("✅ Started monitoring %s (chain=%s, threshold=%s%%).", m.TokenAddress, m.ChainID, m.ThresholdPct.String())
	case errors.Is(err, storage.ErrDuplicateActiveMonitor):
		return fmt.Sprintf("ℹ️ Already monitoring %s in this chat. Use /stop first to change it.", args.address)
	case errors.Is(err, service.ErrInvalidThreshold):
		return "Threshold must be a positive percentage, e.g. 5."
	case errors.Is(err, fetcher.ErrInvalidAddress):
		return fmt.Sprintf("Invalid token address %q for that chain.", args.address)
	default:
		h.logger.Error().Err(err).Int64("chat_id", cmd.Participant.ChatID).Msg("create monitor failed")
		return "Something went wrong, please try again later."
	}
}

func (h *Handler) stop(ctx context.Context, cmd Command) string {
	if len(cmd.Args) == 0 {
		return "Usage: /stop <tokenAddress> [chain]"
	}
	chain := ""
	if len(cmd.Args) >= 2 {
		chain = cmd.Args[1]
	}

	m, err := h.monitors.DeactivateByToken(ctx, cmd.Participant.ChatID, chain, cmd.Args[0])
	switch {
	case err == nil:
		return fmt.Sprintf("🛑 Stopped monitoring %s.", m.TokenAddress)
	case errors.Is(err, storage.ErrMonitorNotFound), errors.Is(err, fetcher.ErrInvalidAddress):
		return fmt.Sprintf("ℹ️ No active monitor for %s.", cmd.Args[0])
	default:
		h.logger.Error().Err(err).Int64("chat_id", cmd.Participant.ChatID).Msg("stop monitor failed")
		return "Something went wrong, please try again later."
	}
}

func (h *Handler) list(ctx context.Context, chatID int64) string {
	monitors, err := h.monitors.List(ctx, chatID, true)
	if err != nil {
		h.logger.Error().Err(err).Int64("chat_id", chatID).Msg("list monitors failed")
		return "Something went wrong, please try again later."
	}
	if len(monitors) == 0 {
		return "No active monitors. Send /monitor <tokenAddress> to start one."
	}

	var b strings.Builder
	b.WriteString("Active monitors:\n")
	for _, m := range monitors {
		last := "n/a"
		if m.PrevPriceUSD != nil {
			last = "$" + m.PrevPriceUSD.String()
		}
		b.WriteString(fmt.Sprintf("#%d %s (%s) threshold %s%%, last %s\n",
			m.ID, fetcher.ShortAddress(m.TokenAddress), m.ChainID, m.ThresholdPct.String(), last))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) chart(ctx context.Context, cmd Command) error {
	chatID := cmd.Participant.ChatID
	args, ok := parseChartArgs(cmd.Args, h.opts.ChartWindow)
	if !ok {
		return h.replier.SendText(ctx, chatID, "Usage: /chart <tokenAddress> [hours] [chain]")
	}

	key, err := h.monitors.ResolveKey(args.chain, args.address)
	if err != nil {
		return h.replier.SendText(ctx, chatID, fmt.Sprintf("Invalid token address %q for that chain.", args.address))
	}

	series, err := chart.LoadSeries(ctx, h.samples, key, h.opts.Now().UTC().Add(-args.window))
	if err != nil {
		h.logger.Error().Err(err).Str("token", key.String()).Msg("load chart samples failed")
		return h.replier.SendText(ctx, chatID, "Something went wrong, please try again later.")
	}
	if len(series.Samples) == 0 {
		return h.replier.SendText(ctx, chatID, "No price data yet for that token in the selected window.")
	}

	var buf bytes.Buffer
	if err := chart.WritePNG(&buf, series, h.opts.Chart); err != nil {
		h.logger.Error().Err(err).Str("token", key.String()).Msg("render chart failed")
		return h.replier.SendText(ctx, chatID, "Could not render the chart.")
	}
	return h.replier.SendPhoto(ctx, chatID, buf.Bytes(), series.Caption())
}
