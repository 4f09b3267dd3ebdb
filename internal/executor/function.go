package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chronos/internal/domain"
	"chronos/internal/sandbox"
	logx "chronos/pkg/logx"
)

// FunctionStore loads functions and persists their state.
type FunctionStore interface {
	GetFunction(ctx context.Context, id string) (domain.Function, error)
	UpdateFunction(ctx context.Context, id string, p domain.FunctionPatch) (domain.Function, error)
}

// Runner executes guest code; *sandbox.Runtime implements it.
type Runner interface {
	Run(ctx context.Context, in sandbox.Input) (sandbox.Output, error)
}

// Function runs a stored function in the sandbox. A guest failure (throw,
// timeout, exhausted limit) is a FAILED result; errors are kept for lookup
// problems and a cancelled caller.
type Function struct {
	store  FunctionStore
	runner Runner
	log    logx.Logger
}

func NewFunction(store FunctionStore, runner Runner, log logx.Logger) *Function {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Function{store: store, runner: runner, log: log}
}

func (f *Function) Supports(kind domain.TargetKind) bool { return kind == domain.TargetFunction }

func (f *Function) Execute(ctx context.Context, job domain.Job) (Result, error) {
	start := time.Now()
	t := job.Target.Function
	if t == nil || t.FunctionID == "" {
		return Result{}, domain.Invalid("functionId", "functionId is required for FUNCTION target")
	}
	fn, err := f.store.GetFunction(ctx, t.FunctionID)
	if err != nil {
		return Result{}, err
	}
	if _, err := domain.ResolveRuntime(fn.Runtime); err != nil {
		return Result{}, err
	}

	name := fn.Name
	if name == "" {
		name = fn.ID
	}
	limits := clampToDeadline(ctx, domain.ParseLimits(fn.Limits))
	out, err := f.runner.Run(ctx, sandbox.Input{
		Name:              name,
		Code:              fn.Code,
		Limits:            limits,
		State:             fn.StateMap(),
		Params:            t.Extras,
		JobChannelID:      job.ChannelID,
		FunctionChannelID: fn.ChannelID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		msg := err.Error()
		f.log.Info("function failed", logx.String("function", name), logx.Err(err))
		return Result{
			Status:       domain.StatusFailed,
			ErrorMessage: &msg,
			Result:       mustJSON(map[string]any{"logs": nonNil(out.Logs)}),
			DurationMs:   time.Since(start).Milliseconds(),
		}, nil
	}

	state, err := json.Marshal(out.State)
	if err != nil {
		return Result{}, fmt.Errorf("encode state: %w", err)
	}
	if _, err := f.store.UpdateFunction(ctx, fn.ID, domain.FunctionPatch{State: state}); err != nil {
		return Result{}, fmt.Errorf("save function state: %w", err)
	}
	logs := nonNil(out.Logs)
	f.log.Debug("function completed", logx.String("function", name), logx.Int("logs", len(logs)))
	return Result{
		Status:     domain.StatusSuccess,
		Result:     mustJSON(map[string]any{"logs": logs}),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// clampToDeadline shortens the guest timeout so it fires before the caller's
// deadline and the run is reported as a function timeout.
func clampToDeadline(ctx context.Context, l domain.Limits) domain.Limits {
	dl, ok := ctx.Deadline()
	if !ok {
		return l
	}
	left := time.Until(dl) - 50*time.Millisecond
	if left < time.Millisecond {
		left = time.Millisecond
	}
	if l.Timeout() > left {
		l.TimeoutMs = int(left / time.Millisecond)
	}
	return l
}

func nonNil(logs []string) []string {
	if logs == nil {
		return []string{}
	}
	return logs
}
