package executor

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chronos/internal/domain"
	"chronos/internal/messaging"
	logx "chronos/pkg/logx"
)

// ChannelStore looks up messaging channels.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (domain.Channel, error)
}

// RecipientResult is the outcome of one send.
type RecipientResult struct {
	To       string           `json:"to"`
	Status   domain.RunStatus `json:"status"`
	Response json.RawMessage  `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Message sends the rendered template to every recipient in order.
type Message struct {
	channels ChannelStore
	msgs     *messaging.Resolver
	log      logx.Logger

	mu      sync.RWMutex
	limiter *rate.Limiter
}

func NewMessage(channels ChannelStore, msgs *messaging.Resolver, ratePerSec float64, log logx.Logger) *Message {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Message{channels: channels, msgs: msgs, log: log}
	m.SetRate(ratePerSec)
	return m
}

// SetRate bounds sends per second across all message jobs; 0 disables.
func (m *Message) SetRate(perSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if perSec <= 0 {
		m.limiter = nil
		return
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	m.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

func (m *Message) wait(ctx context.Context) error {
	m.mu.RLock()
	l := m.limiter
	m.mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

func (m *Message) Supports(kind domain.TargetKind) bool { return kind == domain.TargetMessage }

func (m *Message) Execute(ctx context.Context, job domain.Job) (Result, error) {
	start := time.Now()
	t := job.Target.Message
	if t == nil || t.ChannelID == "" {
		return Result{}, domain.Invalid("channelId", "channelId is required for MESSAGE target")
	}
	ch, err := m.channels.GetChannel(ctx, t.ChannelID)
	if err != nil {
		return Result{}, err
	}
	client, err := m.msgs.For(ch)
	if err != nil {
		return Result{}, err
	}
	session := ch.Session()
	loc := loadLocation(job.Timezone)

	results := make([]RecipientResult, 0, len(t.Recipients))
	allOK := true
	for _, to := range t.Recipients {
		text := Render(t.Template, map[string]string{
			"name":      job.Name,
			"jobId":     job.ID,
			"now":       time.Now().In(loc).Format(time.RFC3339),
			"recipient": to,
		})
		r := RecipientResult{To: to, Status: domain.StatusSuccess}
		if err := m.wait(ctx); err != nil {
			r.Status, r.Error = domain.StatusFailed, err.Error()
			results = append(results, r)
			allOK = false
			continue
		}
		resp, err := client.SendText(ctx, session, to, text)
		switch {
		case err != nil:
			r.Status, r.Error = domain.StatusFailed, err.Error()
		case !resp.OK():
			r.Status, r.Error, r.Response = domain.StatusFailed, "HTTP status not OK", resp.Data
		default:
			r.Response = resp.Data
		}
		if r.Status != domain.StatusSuccess {
			allOK = false
			m.log.Warn("message send failed", logx.String("job", job.ID), logx.String("to", to), logx.String("error", r.Error))
		}
		results = append(results, r)
	}

	res := Result{
		Status:     domain.StatusSuccess,
		Result:     mustJSON(map[string]any{"session": session, "results": results}),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if !allOK {
		msg := "One or more recipients failed to send"
		res.Status = domain.StatusFailed
		res.ErrorMessage = &msg
	}
	return res, nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes {{key}} placeholders from vars. Unknown keys are left
// as written.
func Render(tmpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

func loadLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
