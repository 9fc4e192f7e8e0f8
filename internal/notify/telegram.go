package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	tb "gopkg.in/telebot.v3"
)

// TelegramSink pushes notifications to a fixed set of chat IDs over the
// Telegram bot API, the same tb.Bot wrapper shape as the teacher's
// TelegramBot, retargeted from an interactive-command bot onto a
// fire-and-forget notification sink.
type TelegramSink struct {
	logger *zap.Logger
	bot    *tb.Bot
	chats  []int64
}

// NewTelegramSink starts a long-polling bot and returns a Sink that pushes
// to every chat ID in chats.
func NewTelegramSink(logger *zap.Logger, token string, chats []int64) (*TelegramSink, error) {
	settings := tb.Settings{
		Token: token,
		Poller: &tb.LongPoller{
			Timeout: 10 * time.Second,
		},
	}

	bot, err := tb.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to start telegram bot: %w", err)
	}

	go bot.Start()

	return &TelegramSink{logger: logger, bot: bot, chats: chats}, nil
}

// Notify renders event and pushes it to every configured chat. A failure
// on one chat does not stop delivery to the others; the first error is
// returned to the caller, who is expected to log and ignore it.
func (t *TelegramSink) Notify(ctx context.Context, event Event) error {
	text := formatEvent(event)

	var first error
	for _, chatID := range t.chats {
		if _, err := t.bot.Send(&tb.User{ID: chatID}, text); err != nil {
			t.logger.Warn("notify: failed to push telegram message",
				zap.Int64("chat_id", chatID), zap.String("kind", string(event.Kind)), zap.Error(err))
			if first == nil {
				first = err
			}
			continue
		}
	}
	return first
}

// Stop shuts the underlying bot's poller down.
func (t *TelegramSink) Stop() {
	t.bot.Stop()
}

func formatEvent(event Event) string {
	switch event.Kind {
	case KindPositionOpened:
		return fmt.Sprintf("[OPENED] %s %s (%s) entry=%.4f stop=%s take=%s size=%.6f strength=%s: %s",
			event.Symbol, event.Side, event.Strategy, event.EntryPrice,
			formatOptionalFloat(event.StopLoss), formatOptionalFloat(event.TakeProfit),
			event.Size, formatOptionalFloat(event.SignalStrength), event.Message)
	case KindPositionClosed:
		return fmt.Sprintf("[CLOSED] %s %s (%s) exit=%.4f pnl=%.4f duration=%s: %s",
			event.Symbol, event.Side, event.Strategy, event.ExitPrice, event.PnL,
			event.Duration.Round(time.Second), event.Message)
	case KindEmergencyStop:
		return fmt.Sprintf("[EMERGENCY STOP] %s", event.Message)
	default:
		return event.Message
	}
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}
