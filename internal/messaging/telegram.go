package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "chronos/pkg/logx"
)

type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint.
	APIURL  string
	Timeout time.Duration
}

// Telegram sends through a bot account. The session argument is ignored:
// one bot serves every Telegram channel.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Offline skips getMe; the bot only sends and never polls.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, log: log}, nil
}

// SendText sends to a numeric chat id.
func (t *Telegram) SendText(ctx context.Context, _ string, recipient, text string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return Response{}, fmt.Errorf("invalid telegram chat id %q", recipient)
	}
	msg, err := t.bot.Send(&tele.Chat{ID: id}, text)
	if err != nil {
		return Response{}, fmt.Errorf("telegram send: %w", err)
	}
	data, _ := json.Marshal(map[string]any{"messageId": msg.ID, "chatId": id})
	t.log.Debug("telegram message sent", logx.Int64("chat_id", id), logx.Int("message_id", msg.ID))
	return Response{Status: http.StatusOK, Data: data}, nil
}
