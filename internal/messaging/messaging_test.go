package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chronos/internal/domain"
	logx "chronos/pkg/logx"
)

func TestChatID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 99999-0000", "5511999990000@c.us", false},
		{"123", "123@c.us", false},
		{"abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ChatID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ChatID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ChatID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWAHASendText(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sendText" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /api/sendText", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-KEY") != "secret" {
			t.Errorf("X-API-KEY = %q, want secret", r.Header.Get("X-API-KEY"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewWAHA(WAHAConfig{BaseURL: srv.URL + "/", APIKey: "secret"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewWAHA error: %v", err)
	}
	resp, err := c.SendText(context.Background(), "default", "+1 555 0100", "hi")
	if err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	if resp.Status != http.StatusCreated || !resp.OK() {
		t.Fatalf("status = %d, want 201", resp.Status)
	}
	if string(resp.Data) != `{"id":"msg-1"}` {
		t.Fatalf("data = %s, want the server body", resp.Data)
	}
	want := map[string]string{"session": "default", "chatId": "15550100@c.us", "text": "hi"}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("body[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestWAHANonOKIsNotAnError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c, _ := NewWAHA(WAHAConfig{BaseURL: srv.URL, APIKey: "k"}, logx.Nop())
	resp, err := c.SendText(context.Background(), "s", "1", "x")
	if err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	if resp.OK() || resp.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Status)
	}
	if _, err := c.SendText(context.Background(), "s", "no digits", "x"); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("SendText error = %v, want ErrInvalidRecipient", err)
	}
}

func TestNewWAHARequiresConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewWAHA(WAHAConfig{APIKey: "k"}, logx.Nop()); err == nil {
		t.Fatalf("NewWAHA without base url succeeded")
	}
	if _, err := NewWAHA(WAHAConfig{BaseURL: "http://x"}, logx.Nop()); err == nil {
		t.Fatalf("NewWAHA without api key succeeded")
	}
}

func TestTelegramSendText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottok/sendMessage") {
			t.Errorf("path = %s, want sendMessage", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":777,"type":"private"},"text":"hi"}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewTelegram(TelegramConfig{Token: "tok", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegram error: %v", err)
	}
	resp, err := c.SendText(context.Background(), "ignored", "777", "hi")
	if err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	var data struct {
		MessageID int `json:"messageId"`
	}
	_ = json.Unmarshal(resp.Data, &data)
	if !resp.OK() || data.MessageID != 42 {
		t.Fatalf("response = %d %s, want 200 with messageId 42", resp.Status, resp.Data)
	}
	if _, err := c.SendText(context.Background(), "", "@name", "hi"); err == nil {
		t.Fatalf("SendText to non-numeric chat succeeded")
	}
}

func TestResolver(t *testing.T) {
	t.Parallel()
	waha, _ := NewWAHA(WAHAConfig{BaseURL: "http://waha", APIKey: "k"}, logx.Nop())
	r := NewResolver()
	r.Register("WAHA", waha)

	c, err := r.For(domain.Channel{})
	if err != nil || c != Client(waha) {
		t.Fatalf("For(empty provider) = %v, %v; want waha", c, err)
	}
	if _, err := r.For(domain.Channel{Provider: domain.ProviderTelegram}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("For(telegram) error = %v, want ErrUnsupportedProvider", err)
	}
}
