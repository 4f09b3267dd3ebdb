package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TargetKind selects which executor handles a job.
type TargetKind string

const (
	TargetHTTP     TargetKind = "HTTP"
	TargetMessage  TargetKind = "MESSAGE"
	TargetFunction TargetKind = "FUNCTION"
)

// ParseTargetKind is case-insensitive; empty defaults to HTTP.
func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(strings.ToUpper(strings.TrimSpace(s))) {
	case "", TargetHTTP:
		return TargetHTTP, nil
	case TargetMessage:
		return TargetMessage, nil
	case TargetFunction:
		return TargetFunction, nil
	default:
		return "", Invalid("targetType", fmt.Sprintf("targetType %s not supported", s))
	}
}

// RunStatus is shared by runs and the job's last-run field.
type RunStatus string

const (
	StatusPending RunStatus = "PENDING"
	StatusSuccess RunStatus = "SUCCESS"
	StatusFailed  RunStatus = "FAILED"
)

var allowedMethods = map[string]bool{"POST": true, "GET": true, "PUT": true, "PATCH": true, "DELETE": true}

// HTTPTarget calls an endpoint.
type HTTPTarget struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// MessageTarget sends a templated text through a messaging channel.
type MessageTarget struct {
	ChannelID  string   `json:"channelId"`
	Template   string   `json:"messageTemplate"`
	Recipients []string `json:"recipients"`
}

// FunctionTarget runs a stored function in the sandbox.
type FunctionTarget struct {
	FunctionID string          `json:"functionId"`
	Extras     json.RawMessage `json:"extras,omitempty"`
}

// Target is a closed union: exactly the field matching Kind is set.
type Target struct {
	Kind     TargetKind      `json:"targetType"`
	HTTP     *HTTPTarget     `json:"http,omitempty"`
	Message  *MessageTarget  `json:"message,omitempty"`
	Function *FunctionTarget `json:"function,omitempty"`
}

// Validate checks that the fields required by Kind are present.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetHTTP:
		h := t.HTTP
		if h == nil || strings.TrimSpace(h.URL) == "" {
			return Invalid("url", "url is required for HTTP target")
		}
		u, err := url.Parse(h.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Invalid("url", "url must be an absolute http(s) URL")
		}
		if !allowedMethods[strings.ToUpper(h.Method)] {
			return Invalid("method", fmt.Sprintf("method %s not allowed", h.Method))
		}
		if len(h.Payload) > 0 && !json.Valid(h.Payload) {
			return Invalid("payload", "payload must be valid JSON")
		}
		return nil
	case TargetMessage:
		m := t.Message
		if m == nil || strings.TrimSpace(m.ChannelID) == "" {
			return Invalid("channelId", "channelId is required for MESSAGE target")
		}
		if strings.TrimSpace(m.Template) == "" {
			return Invalid("messageTemplate", "messageTemplate is required for MESSAGE target")
		}
		if len(m.Recipients) == 0 {
			return Invalid("recipients", "recipients are required for MESSAGE target")
		}
		return nil
	case TargetFunction:
		if t.Function == nil || strings.TrimSpace(t.Function.FunctionID) == "" {
			return Invalid("functionId", "functionId is required for FUNCTION target")
		}
		return nil
	default:
		return Invalid("targetType", fmt.Sprintf("targetType %s not supported", t.Kind))
	}
}

// Normalize uppercases the HTTP method and applies the POST default.
func (t *Target) Normalize() {
	if t.Kind == TargetHTTP && t.HTTP != nil {
		m := strings.ToUpper(strings.TrimSpace(t.HTTP.Method))
		if m == "" {
			m = "POST"
		}
		t.HTTP.Method = m
	}
}

// ChannelID is the channel bound to the target, if any.
func (t Target) ChannelID() string {
	if t.Kind == TargetMessage && t.Message != nil {
		return t.Message.ChannelID
	}
	return ""
}

// Job is a persisted schedule plus target configuration.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Schedule is the raw operator input; Cron is its canonical form
	// (a cron expression, or the literal interval text of a one-shot job).
	Schedule    string `json:"schedule"`
	Cron        string `json:"cron"`
	Timezone    string `json:"timezone"`
	IsRecurring bool   `json:"isRecurring"`
	IsActive    bool   `json:"isActive"`

	Target Target `json:"target"`

	// ChannelID is a default channel for function message sends.
	ChannelID string `json:"channelId,omitempty"`

	LastRunAt     *time.Time `json:"lastRunAt"`
	LastRunStatus *RunStatus `json:"lastRunStatus"`
	NextRunAt     *time.Time `json:"nextRunAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Schedulable reports whether the job should hold a pending queue entry.
func (j Job) Schedulable() bool {
	return j.IsActive && j.NextRunAt != nil
}

// JobPatch is a partial update. Nil fields are left unchanged; the double
// pointers distinguish "clear" from "keep".
type JobPatch struct {
	Name          *string
	Description   *string
	Schedule      *string
	Cron          *string
	Timezone      *string
	IsRecurring   *bool
	IsActive      *bool
	Target        *Target
	ChannelID     *string
	LastRunAt     **time.Time
	LastRunStatus **RunStatus
	NextRunAt     **time.Time
}

// Apply copies the set fields of p onto j.
func (p JobPatch) Apply(j *Job) {
	if p.Name != nil {
		j.Name = *p.Name
	}
	if p.Description != nil {
		j.Description = *p.Description
	}
	if p.Schedule != nil {
		j.Schedule = *p.Schedule
	}
	if p.Cron != nil {
		j.Cron = *p.Cron
	}
	if p.Timezone != nil {
		j.Timezone = *p.Timezone
	}
	if p.IsRecurring != nil {
		j.IsRecurring = *p.IsRecurring
	}
	if p.IsActive != nil {
		j.IsActive = *p.IsActive
	}
	if p.Target != nil {
		j.Target = *p.Target
	}
	if p.ChannelID != nil {
		j.ChannelID = *p.ChannelID
	}
	if p.LastRunAt != nil {
		j.LastRunAt = *p.LastRunAt
	}
	if p.LastRunStatus != nil {
		j.LastRunStatus = *p.LastRunStatus
	}
	if p.NextRunAt != nil {
		j.NextRunAt = *p.NextRunAt
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// TimePtr returns a non-nil pointer for a non-zero t and nil otherwise.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
