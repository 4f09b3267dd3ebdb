package jobs

import (
	"encoding/json"
	"strings"

	"chronos/internal/domain"
)

// JobInput is the create/update request body. Nil fields are left unchanged
// on update. Target fields are flat, keyed by targetType.
type JobInput struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	// Cron is the schedule input: a cron expression or an interval phrase.
	Cron     *string `json:"cron,omitempty"`
	Schedule *string `json:"schedule,omitempty"`
	Timezone *string `json:"timezone,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`

	TargetType *string `json:"targetType,omitempty"`

	URL     *string           `json:"url,omitempty"`
	Method  *string           `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`

	ChannelID       *string  `json:"channelId,omitempty"`
	MessageTemplate *string  `json:"messageTemplate,omitempty"`
	Recipients      []string `json:"recipients,omitempty"`

	FunctionID     *string         `json:"functionId,omitempty"`
	FunctionCode   *string         `json:"functionCode,omitempty"`
	FunctionLimits json.RawMessage `json:"functionLimits,omitempty"`
	Extras         json.RawMessage `json:"extras,omitempty"`
}

func (in JobInput) scheduleInput() *string {
	if in.Cron != nil {
		return in.Cron
	}
	return in.Schedule
}

func (in JobInput) touchesTarget() bool {
	return in.TargetType != nil || in.URL != nil || in.Method != nil || in.Headers != nil ||
		in.Payload != nil || in.MessageTemplate != nil || in.Recipients != nil ||
		in.FunctionID != nil || in.FunctionCode != nil || in.Extras != nil ||
		(in.ChannelID != nil && (in.TargetType == nil || strings.EqualFold(*in.TargetType, string(domain.TargetMessage))))
}

// target overlays the input onto base. A change of kind starts from an
// empty target of the new kind.
func (in JobInput) target(base domain.Target) (domain.Target, error) {
	kind := base.Kind
	if in.TargetType != nil || kind == "" {
		raw := ""
		if in.TargetType != nil {
			raw = *in.TargetType
		}
		k, err := domain.ParseTargetKind(raw)
		if err != nil {
			return domain.Target{}, err
		}
		kind = k
	}
	out := domain.Target{Kind: kind}
	if kind == base.Kind {
		out = cloneTarget(base)
	}

	switch kind {
	case domain.TargetHTTP:
		if out.HTTP == nil {
			out.HTTP = &domain.HTTPTarget{}
		}
		h := out.HTTP
		if in.URL != nil {
			h.URL = strings.TrimSpace(*in.URL)
		}
		if in.Method != nil {
			h.Method = *in.Method
		}
		if in.Headers != nil {
			h.Headers = in.Headers
		}
		if in.Payload != nil {
			h.Payload = in.Payload
		}
	case domain.TargetMessage:
		if out.Message == nil {
			out.Message = &domain.MessageTarget{}
		}
		m := out.Message
		if in.ChannelID != nil {
			m.ChannelID = strings.TrimSpace(*in.ChannelID)
		}
		if in.MessageTemplate != nil {
			m.Template = *in.MessageTemplate
		}
		if in.Recipients != nil {
			m.Recipients = in.Recipients
		}
	case domain.TargetFunction:
		if out.Function == nil {
			out.Function = &domain.FunctionTarget{}
		}
		f := out.Function
		if in.FunctionID != nil {
			f.FunctionID = strings.TrimSpace(*in.FunctionID)
		}
		if in.Extras != nil {
			f.Extras = in.Extras
		}
	}
	out.Normalize()
	return out, nil
}

func cloneTarget(t domain.Target) domain.Target {
	out := domain.Target{Kind: t.Kind}
	if t.HTTP != nil {
		h := *t.HTTP
		out.HTTP = &h
	}
	if t.Message != nil {
		m := *t.Message
		m.Recipients = append([]string(nil), t.Message.Recipients...)
		out.Message = &m
	}
	if t.Function != nil {
		f := *t.Function
		out.Function = &f
	}
	return out
}

// FunctionInput is the create/update body of a function.
type FunctionInput struct {
	Name      *string         `json:"name,omitempty"`
	Code      *string         `json:"code,omitempty"`
	Runtime   *string         `json:"runtime,omitempty"`
	Limits    json.RawMessage `json:"limits,omitempty"`
	ChannelID *string         `json:"channelId,omitempty"`
}
