package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"github.com/neulerxyz/NamadaMissBot/config"
	"github.com/neulerxyz/NamadaMissBot/metrics"
)

const sendTimeout = 15 * time.Second

// Sender is the part of *tgbotapi.BotAPI used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramBot struct {
	sender         Sender
	chatID         string
	missedBlocksCh <-chan config.MissedBlocksEvent
	metrics        *metrics.Metrics
	logger         log.Logger
}

// NewTelegramBot returns a notifier reading from missedBlocksCh. The token is
// checked with getMe, but a failed check is only logged.
func NewTelegramBot(cfg config.Config,
	missedBlocksCh <-chan config.MissedBlocksEvent,
	m *metrics.Metrics,
	logger log.Logger) *TelegramBot {
	return newTelegramBot(cfg, &http.Client{Timeout: sendTimeout}, missedBlocksCh, m, logger)
}

func newTelegramBot(cfg config.Config,
	client *http.Client,
	missedBlocksCh <-chan config.MissedBlocksEvent,
	m *metrics.Metrics,
	logger log.Logger) *TelegramBot {
	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, client)
	if err != nil {
		logger.Error("Telegram getMe failed, alerts may not be delivered", "err", err)
		api = &tgbotapi.BotAPI{Token: cfg.BotToken, Client: client, Buffer: 100}
	} else {
		logger.Info("Authorized on Telegram", "account", api.Self.UserName)
	}
	return NewWithSender(api, cfg.ChatID, missedBlocksCh, m, logger)
}

func NewWithSender(sender Sender,
	chatID string,
	missedBlocksCh <-chan config.MissedBlocksEvent,
	m *metrics.Metrics,
	logger log.Logger) *TelegramBot {
	return &TelegramBot{
		sender:         sender,
		chatID:         chatID,
		missedBlocksCh: missedBlocksCh,
		metrics:        m,
		logger:         logger,
	}
}

// Run delivers alerts until the channel is closed or ctx is done. Alerts
// already queued when ctx ends are still sent.
func (tgb *TelegramBot) Run(ctx context.Context) error {
	for {
		select {
		case event, ok := <-tgb.missedBlocksCh:
			if !ok {
				return nil
			}
			tgb.sendTelegramMessage(FormatMissedBlocks(event))

		case <-ctx.Done():
			tgb.flush()
			return nil
		}
	}
}

func (tgb *TelegramBot) flush() {
	for {
		select {
		case event, ok := <-tgb.missedBlocksCh:
			if !ok {
				return
			}
			tgb.sendTelegramMessage(FormatMissedBlocks(event))
		default:
			return
		}
	}
}

func FormatMissedBlocks(event config.MissedBlocksEvent) string {
	if len(event.MissedHeights) == 0 {
		return fmt.Sprintf("%s missed %d blocks.", event.ValidatorAddress, event.MissedCount)
	}
	heights := make([]string, len(event.MissedHeights))
	for i, h := range event.MissedHeights {
		heights[i] = strconv.FormatInt(h, 10)
	}
	return fmt.Sprintf("%s missed %d blocks: [%s]", event.ValidatorAddress, event.MissedCount, strings.Join(heights, ", "))
}

// sendTelegramMessage posts once; failures are only logged.
func (tgb *TelegramBot) sendTelegramMessage(message string) {
	msg, err := tgb.newMessage(message)
	if err != nil {
		tgb.metrics.AlertsFailed.Inc()
		tgb.logger.Error("Invalid chat ID in configuration", "err", err)
		return
	}

	sent, err := tgb.sender.Send(msg)
	if err != nil {
		tgb.metrics.AlertsFailed.Inc()
		tgb.logger.Error("Failed to send Telegram message", "err", err)
		return
	}
	tgb.logger.Info("Telegram message sent", "message_id", sent.MessageID)
}

func (tgb *TelegramBot) newMessage(text string) (tgbotapi.MessageConfig, error) {
	if strings.HasPrefix(tgb.chatID, "@") {
		return tgbotapi.NewMessageToChannel(tgb.chatID, text), nil
	}
	chatID, err := strconv.ParseInt(tgb.chatID, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("chat_id %q: %w", tgb.chatID, err)
	}
	return tgbotapi.NewMessage(chatID, text), nil
}
