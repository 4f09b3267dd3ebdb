// Package messaging sends plain text through a provider session.
//
// Two providers are supported: WAHA (WhatsApp HTTP API) and Telegram. A
// Resolver picks the client for a channel's provider.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chronos/internal/domain"
)

var (
	ErrInvalidRecipient    = errors.New("invalid recipient number")
	ErrUnsupportedProvider = errors.New("messaging provider not supported")
)

// Response is the provider's reply to one send. Status is the HTTP status
// code, or 200 for providers that do not expose one.
type Response struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Client sends a text to one recipient of a session.
type Client interface {
	SendText(ctx context.Context, session, recipient, text string) (Response, error)
}

// Resolver maps a channel provider to its client.
type Resolver struct {
	clients map[string]Client
}

func NewResolver() *Resolver {
	return &Resolver{clients: map[string]Client{}}
}

// Register binds provider to c. A nil client removes the binding.
func (r *Resolver) Register(provider string, c Client) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if c == nil {
		delete(r.clients, provider)
		return
	}
	r.clients[provider] = c
}

// For returns the client serving ch. An empty provider means WAHA.
func (r *Resolver) For(ch domain.Channel) (Client, error) {
	p := strings.ToLower(strings.TrimSpace(ch.Provider))
	if p == "" {
		p = domain.ProviderWAHA
	}
	c, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
	}
	return c, nil
}

// Providers lists the registered provider names.
func (r *Resolver) Providers() []string {
	out := make([]string, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	return out
}
