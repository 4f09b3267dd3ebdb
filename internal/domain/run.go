package domain

import (
	"encoding/json"
	"time"
)

// Run is one recorded execution attempt of a job.
type Run struct {
	ID              string          `json:"id"`
	JobID           string          `json:"chronoId"`
	ScheduledFor    time.Time       `json:"scheduledFor"`
	StartedAt       *time.Time      `json:"startedAt"`
	FinishedAt      *time.Time      `json:"finishedAt"`
	Status          RunStatus       `json:"status"`
	Attempt         int             `json:"attempt"`
	HTTPStatus      *int            `json:"httpStatus"`
	ResponseSnippet *string         `json:"responseSnippet"`
	ErrorMessage    *string         `json:"errorMessage"`
	Result          json.RawMessage `json:"result"`
	DurationMs      *int64          `json:"durationMs"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// RunPatch is a partial run update.
type RunPatch struct {
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Status          *RunStatus
	Attempt         *int
	HTTPStatus      *int
	ResponseSnippet *string
	ErrorMessage    *string
	Result          json.RawMessage
	DurationMs      *int64
}

// Apply copies the set fields of p onto r.
func (p RunPatch) Apply(r *Run) {
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.FinishedAt != nil {
		r.FinishedAt = p.FinishedAt
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Attempt != nil {
		r.Attempt = *p.Attempt
	}
	if p.HTTPStatus != nil {
		r.HTTPStatus = p.HTTPStatus
	}
	if p.ResponseSnippet != nil {
		r.ResponseSnippet = p.ResponseSnippet
	}
	if p.ErrorMessage != nil {
		r.ErrorMessage = p.ErrorMessage
	}
	if p.Result != nil {
		r.Result = p.Result
	}
	if p.DurationMs != nil {
		r.DurationMs = p.DurationMs
	}
}
