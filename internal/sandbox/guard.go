package sandbox

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"chronos/internal/domain"
)

var (
	ErrHTTPQuota     = errors.New("HTTP request limit exceeded")
	ErrMessageQuota  = errors.New("message limit exceeded")
	ErrRateLimited   = errors.New("Rate limit exceeded")
	ErrNoChannel     = errors.New("channelId required to send messages")
	ErrStateTooLarge = errors.New("state value exceeds size limit")
)

// guard holds the per-run quotas, allowlists and rate limiter. It is used
// only by the dispatcher goroutine.
type guard struct {
	limits     domain.Limits
	hosts      map[string]bool
	recipients []string
	limiter    *rate.Limiter

	httpCount int
	msgCount  int
}

func newGuard(limits domain.Limits, cfg Config) *guard {
	g := &guard{limits: limits, hosts: map[string]bool{}}
	for _, h := range cfg.HTTPAllowlist {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			g.hosts[h] = true
		}
	}
	for _, p := range cfg.RecipientAllowlist {
		if p = strings.TrimSpace(p); p != "" {
			g.recipients = append(g.recipients, p)
		}
	}
	perSec := cfg.RateLimitPerSecond
	if perSec <= 0 {
		perSec = 10
	}
	g.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	return g
}

// admitHTTP checks quota, then scheme and host, then the rate limit.
func (g *guard) admitHTTP(raw string) error {
	g.httpCount++
	if g.httpCount > g.limits.MaxHTTP {
		return ErrHTTPQuota
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("HTTP host not allowed: %s", raw)
	}
	if len(g.hosts) > 0 && !g.hosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("HTTP host not allowed: %s", raw)
	}
	return g.allow()
}

func (g *guard) countMessage() error {
	g.msgCount++
	if g.msgCount > g.limits.MaxMessages {
		return ErrMessageQuota
	}
	return nil
}

// checkRecipient matches to against the prefix allowlist; an empty list
// allows everyone.
func (g *guard) checkRecipient(to string) error {
	if len(g.recipients) == 0 {
		return nil
	}
	for _, p := range g.recipients {
		if strings.HasPrefix(to, p) {
			return nil
		}
	}
	return fmt.Errorf("Recipient not allowed: %s", to)
}

func (g *guard) allow() error {
	if !g.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}
