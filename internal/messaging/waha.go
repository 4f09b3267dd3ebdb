package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "chronos/pkg/logx"
)

type WAHAConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// WAHA talks to a WhatsApp HTTP API server.
type WAHA struct {
	base   string
	apiKey string
	http   *http.Client
	log    logx.Logger
}

func NewWAHA(cfg WAHAConfig, log logx.Logger) (*WAHA, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("waha base url is not configured")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("waha api key is not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WAHA{base: base, apiKey: cfg.APIKey, http: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

// SendText posts to /api/sendText. Non-2xx replies are returned as a
// Response, not an error.
func (w *WAHA) SendText(ctx context.Context, session, recipient, text string) (Response, error) {
	chatID, err := ChatID(recipient)
	if err != nil {
		return Response{}, err
	}
	body, err := json.Marshal(map[string]string{"session": session, "chatId": chatID, "text": text})
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"/api/sendText", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", w.apiKey)

	resp, err := w.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("waha send: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{Status: resp.StatusCode}, fmt.Errorf("waha read: %w", err)
	}
	out := Response{Status: resp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		if json.Valid(raw) {
			out.Data = raw
		} else {
			out.Data, _ = json.Marshal(string(raw))
		}
	}
	w.log.Debug("waha message sent", logx.String("session", session), logx.String("chat_id", chatID), logx.Int("status", resp.StatusCode))
	return out, nil
}

// ChatID keeps the digits of a phone number and appends the WhatsApp
// user suffix.
func ChatID(recipient string) (string, error) {
	var b strings.Builder
	for _, r := range recipient {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalidRecipient
	}
	return b.String() + "@c.us", nil
}
