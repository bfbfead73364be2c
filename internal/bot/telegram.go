package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"dexmonitor/internal/storage"
)

// Bot long-polls Telegram for commands and answers through the Bot API.
type Bot struct {
	api    *tgbotapi.BotAPI
	logger zerolog.Logger
}

// NewBot wraps an authorised Bot API client.
func NewBot(api *tgbotapi.BotAPI, logger zerolog.Logger) *Bot {
	b := &Bot{api: api, logger: logger.With().Str("component", "telegram_bot").Logger()}
	b.logger.Info().Str("username", api.Self.UserName).Msg("telegram bot authorised")
	return b
}

// SendText implements Replier.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendPhoto implements Replier.
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, png []byte, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "chart.png", Bytes: png})
	photo.Caption = caption
	if _, err := b.api.Send(photo); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

// Run polls for updates and feeds commands to h until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, h *Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.logger.Info().Msg("listening for commands")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			cmd, ok := commandFromUpdate(update)
			if !ok {
				continue
			}
			if err := h.Handle(ctx, cmd); err != nil {
				b.logger.Error().Err(err).Int64("chat_id", cmd.Participant.ChatID).Str("command", cmd.Name).Msg("command reply failed")
			}
		}
	}
}

func commandFromUpdate(update tgbotapi.Update) (Command, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return Command{}, false
	}

	p := storage.Participant{
		ChatID:    msg.Chat.ID,
		ChatType:  msg.Chat.Type,
		ChatTitle: msg.Chat.Title,
	}
	if msg.From != nil {
		p.UserID = msg.From.ID
		p.Username = msg.From.UserName
	}

	return Command{
		Name:        strings.ToLower(msg.Command()),
		Args:        strings.Fields(msg.CommandArguments()),
		Participant: p,
	}, true
}
