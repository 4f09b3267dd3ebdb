// Package executor turns a job's target into a run outcome.
//
// A FAILED Result is a terminal outcome for the run. A returned error means
// the executor could not produce an outcome at all; the caller fails the run
// and leaves redelivery to the queue.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"chronos/internal/domain"
)

var ErrUnsupportedTarget = errors.New("no executor found for target type")

const snippetLimit = 1000

// Result is the terminal outcome of one execution.
type Result struct {
	Status          domain.RunStatus
	HTTPStatus      *int
	ResponseSnippet *string
	ErrorMessage    *string
	Result          json.RawMessage
	DurationMs      int64
}

type Executor interface {
	Supports(kind domain.TargetKind) bool
	Execute(ctx context.Context, job domain.Job) (Result, error)
}

// Registry holds one executor per target kind.
type Registry struct {
	http     Executor
	message  Executor
	function Executor
}

func NewRegistry(http, message, function Executor) *Registry {
	return &Registry{http: http, message: message, function: function}
}

// Resolve returns the executor for kind.
func (r *Registry) Resolve(kind domain.TargetKind) (Executor, error) {
	var ex Executor
	switch kind {
	case domain.TargetHTTP:
		ex = r.http
	case domain.TargetMessage:
		ex = r.message
	case domain.TargetFunction:
		ex = r.function
	}
	if ex == nil || !ex.Supports(kind) {
		return nil, fmt.Errorf("%w %s", ErrUnsupportedTarget, kind)
	}
	return ex, nil
}

func failed(msg string, durMs int64) Result {
	return Result{Status: domain.StatusFailed, ErrorMessage: &msg, DurationMs: durMs}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"message":"Unable to serialize response data"}`)
	}
	return raw
}
