package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"chronos/internal/domain"
	"chronos/internal/task/engine"
	logx "chronos/pkg/logx"
)

type HTTPConfig struct {
	RequestTimeout time.Duration
	// MaxRetries retries transport failures inside one execution.
	MaxRetries int
	RetryBase  time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// HTTP calls the job's endpoint. Transport failures and non-2xx/3xx
// statuses are FAILED results, never errors.
type HTTP struct {
	mu     sync.RWMutex
	cfg    HTTPConfig
	client *http.Client
	log    logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) *HTTP {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{cfg: cfg.withDefaults(), client: &http.Client{}, log: log}
}

func (h *HTTP) Apply(cfg HTTPConfig) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

func (h *HTTP) config() HTTPConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *HTTP) Supports(kind domain.TargetKind) bool { return kind == domain.TargetHTTP }

func (h *HTTP) Execute(ctx context.Context, job domain.Job) (Result, error) {
	start := time.Now()
	t := job.Target.HTTP
	if t == nil || t.URL == "" {
		return Result{}, domain.Invalid("url", "url is required for HTTP target")
	}
	cfg := h.config()

	var (
		status int
		body   []byte
		err    error
	)
	for attempt := 0; ; attempt++ {
		status, body, err = h.do(ctx, cfg, t)
		if err == nil || attempt >= cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := engine.Backoff(engine.TaskOptions{RetryBase: cfg.RetryBase}, attempt+1)
		h.log.Debug("http target retry", logx.String("job", job.ID), logx.Int("attempt", attempt+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
		case <-tmr.C:
		}
	}
	dur := time.Since(start).Milliseconds()
	if err != nil {
		h.log.Warn("http target failed", logx.String("job", job.ID), logx.String("url", t.URL), logx.Err(err))
		return failed(err.Error(), dur), nil
	}

	data := decodeResponse(body)
	res := Result{
		Status:     domain.StatusSuccess,
		HTTPStatus: &status,
		Result:     mustJSON(data),
		DurationMs: dur,
	}
	snippet := snippetOf(data)
	res.ResponseSnippet = &snippet
	if status < 200 || status >= 400 {
		msg := "HTTP status not OK"
		res.Status = domain.StatusFailed
		res.ErrorMessage = &msg
	}
	return res, nil
}

func (h *HTTP) do(ctx context.Context, cfg HTTPConfig, t *domain.HTTPTarget) (int, []byte, error) {
	rctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if len(t.Payload) > 0 && string(t.Payload) != "null" {
		body = bytes.NewReader(t.Payload)
	}
	method := t.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(rctx, method, t.URL, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// decodeResponse parses a JSON body, falling back to the text.
func decodeResponse(raw []byte) any {
	var v any
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return string(raw)
}

func snippetOf(data any) string {
	if s, ok := data.(string); ok {
		return truncateRunes(s, snippetLimit)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "Unable to serialize response"
	}
	return truncateRunes(string(raw), snippetLimit)
}
