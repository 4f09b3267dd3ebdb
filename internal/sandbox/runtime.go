package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"

	"chronos/internal/domain"
	"chronos/internal/messaging"
	logx "chronos/pkg/logx"
)

var (
	ErrTimeout     = errors.New("Function timeout")
	ErrMemoryLimit = errors.New("memory limit exceeded")
	ErrNoExport    = errors.New("No exported function found")
)

const (
	maxLogEntries = 200
	maxLogLength  = 1000
	maxStateBytes = 10000
	bridgeSize    = 16
	maxRedirects  = 10
	maxBodyBytes  = 1 << 20
)

// Config is the host policy shared by all runs. It can be swapped with Apply.
type Config struct {
	RateLimitPerSecond int
	HTTPAllowlist      []string
	RecipientAllowlist []string
	// EnvAllowlist names the process environment variables ctx.env may read.
	EnvAllowlist []string
}

// ChannelStore resolves the channel a guest message is sent through.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (domain.Channel, error)
}

// Input is one function invocation.
type Input struct {
	Name   string
	Code   string
	Limits domain.Limits
	State  map[string]any
	Params json.RawMessage

	// Channel fallbacks for ctx.message.send without channelId.
	JobChannelID      string
	FunctionChannelID string
}

// Output is what a successful run leaves behind.
type Output struct {
	Logs  []string       `json:"logs"`
	State map[string]any `json:"state"`
}

// Runtime runs guest JavaScript in a fresh goja VM per call.
type Runtime struct {
	mu  sync.RWMutex
	cfg Config

	transport http.RoundTripper
	channels  ChannelStore
	msgs      *messaging.Resolver
	log       logx.Logger
}

func New(cfg Config, channels ChannelStore, msgs *messaging.Resolver, log logx.Logger) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	if msgs == nil {
		msgs = messaging.NewResolver()
	}
	return &Runtime{
		cfg:       cfg,
		transport: http.DefaultTransport,
		channels:  channels,
		msgs:      msgs,
		log:       log,
	}
}

func (r *Runtime) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Runtime) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Runtime) env(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if v, ok := os.LookupEnv(k); ok && k != "" {
			out[k] = v
		}
	}
	return out
}

// Run executes in.Code and calls its exported function with ctx. The run
// ends at the limits' timeout or when the bytes it pulls in pass
// maxMemoryMb; guest errors come back as errors carrying the thrown message.
func (r *Runtime) Run(ctx context.Context, in Input) (Output, error) {
	limits := in.Limits
	if limits == (domain.Limits{}) {
		limits = domain.ParseLimits(nil)
	}
	cfg := r.config()

	timeoutCtx, cancelTimeout := context.WithTimeoutCause(ctx, limits.Timeout(), ErrTimeout)
	defer cancelTimeout()
	runCtx, kill := context.WithCancelCause(timeoutCtx)
	defer kill(nil)

	mem := newMeter(int64(limits.MaxMemoryMb)<<20, func() { kill(ErrMemoryLimit) })
	e := newExecution(runCtx, r, cfg, in, limits, mem)
	log := r.log.With(logx.String("function", in.Name))

	stopInterrupt := context.AfterFunc(runCtx, func() { e.vm.Interrupt(context.Cause(runCtx)) })

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		e.bridge.dispatch(runCtx)
	}()

	type outcome struct {
		out Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		var oc outcome
		defer func() {
			if p := recover(); p != nil {
				oc = outcome{err: fmt.Errorf("panic: %v", p)}
			}
			done <- oc
		}()
		oc.out, oc.err = e.run()
	}()

	oc := <-done
	cause := context.Cause(runCtx)
	stopInterrupt()
	kill(nil)
	<-dispatched
	if n := e.teardown(); n > 0 {
		log.Debug("abandoned bridge requests", logx.Int("count", n))
	}

	if oc.err != nil {
		switch {
		case errors.Is(cause, ErrMemoryLimit):
			oc.err = ErrMemoryLimit
		case errors.Is(cause, ErrTimeout):
			oc.err = ErrTimeout
		case ctx.Err() != nil:
			oc.err = ctx.Err()
		}
		log.Debug("function failed", logx.Err(oc.err), logx.Int64("charged_bytes", mem.used.Load()))
		return Output{Logs: e.logs}, oc.err
	}
	return oc.out, nil
}
