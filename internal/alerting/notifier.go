package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

var (
	// ErrUnreachable marks a delivery that may succeed later (network, 5xx, 429).
	ErrUnreachable = errors.New("notifier: chat unreachable")
	// ErrBlocked marks a chat that refuses delivery (bot blocked, kicked, chat gone).
	ErrBlocked = errors.New("notifier: chat blocked")
)

// Notifier delivers a text message to a chat.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// NewBotAPI authorises token against the Bot API at apiBase (the public
// endpoint when empty). The client is shared by the notifier and the command
// bot.
func NewBotAPI(token, apiBase string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := tgbotapi.APIEndpoint
	if apiBase != "" {
		endpoint = strings.TrimRight(apiBase, "/") + "/bot%s/%s"
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return api, nil
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	logger zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier over api.
func NewTelegramNotifier(api *tgbotapi.BotAPI, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		api:    api,
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Send calls sendMessage for chatID. The request is bounded by the client
// timeout; ctx is only checked before sending.
func (n *TelegramNotifier) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		return classify(err)
	}

	n.logger.Debug().Int64("chat_id", chatID).Msg("message delivered")
	return nil
}

// classify maps Bot API errors onto the notifier error kinds. Anything that is
// not an API error (network failures, undecodable bodies) is unreachable.
func classify(err error) error {
	code, desc, ok := apiError(err)
	if !ok {
		return fmt.Errorf("%w: send telegram request: %v", ErrUnreachable, err)
	}
	if desc == "" {
		desc = http.StatusText(code)
	}

	switch {
	case code == http.StatusTooManyRequests, code >= 500, code < 400:
		return fmt.Errorf("%w: telegram %d: %s", ErrUnreachable, code, desc)
	default:
		return fmt.Errorf("%w: telegram %d: %s", ErrBlocked, code, desc)
	}
}

func apiError(err error) (int, string, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) {
		return ptr.Code, ptr.Message, true
	}
	return 0, "", false
}

// Nop discards every message. It backs runs without a bot token.
type Nop struct {
	Logger zerolog.Logger
}

// Send logs the message and returns nil.
func (n Nop) Send(ctx context.Context, chatID int64, text string) error {
	n.Logger.Info().Int64("chat_id", chatID).Str("text", text).Msg("notification (no telegram token configured)")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Nop{}
)
