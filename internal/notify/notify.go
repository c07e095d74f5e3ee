// Package notify implements the CRITICAL-event notification sink.
// Evolved from bot.TelegramBot's NotifyError/NotifyStartup send path,
// trimmed down to the one responsibility spec.md §7 assigns it: push a
// CRITICAL-class event out-of-band, never block the caller on delivery.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Sink is anything that can surface a CRITICAL event to a human.
type Sink interface {
	Critical(event, detail string)
}

// NoopSink discards events; used when no Telegram credentials are configured.
type NoopSink struct{}

func (NoopSink) Critical(event, detail string) {
	log.Warn().Str("event", event).Str("detail", detail).Msg("CRITICAL event raised with no notification sink configured")
}

// TelegramSink sends CRITICAL events to a single chat, the same
// token/chat-id pairing the teacher's bot package reads from the
// environment.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram notification sink initialized")
	return &TelegramSink{api: api, chatID: chatID}, nil
}

func (s *TelegramSink) Critical(event, detail string) {
	text := fmt.Sprintf("*CRITICAL: %s*\n\n`%s`", event, detail)
	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.ParseMode = "Markdown"
	go func() {
		if _, err := s.api.Send(msg); err != nil {
			log.Error().Err(err).Str("event", event).Msg("failed to deliver critical notification")
		}
	}()
}
