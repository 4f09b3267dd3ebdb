// Package app wires configuration, storage, the queue and the services into
// one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chronos/internal/config"
	"chronos/internal/domain"
	"chronos/internal/eventbus"
	"chronos/internal/executor"
	"chronos/internal/httpapi"
	"chronos/internal/jobs"
	"chronos/internal/messaging"
	"chronos/internal/queue"
	"chronos/internal/runtime/supervisor"
	"chronos/internal/sandbox"
	"chronos/internal/storage"
	"chronos/internal/task/engine"
	"chronos/internal/task/scheduler"
	"chronos/internal/worker"
	logx "chronos/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	repo storage.Repository
	q    queue.Queue

	engine    *engine.Service
	sandbox   *sandbox.Runtime
	httpExec  *executor.HTTP
	msgExec   *executor.Message
	sched     *scheduler.Service
	jobs      *jobs.Service
	functions *jobs.FunctionService
	consumer  *queue.Consumer
	server    *httpapi.Server

	execCtx    context.Context
	execCancel context.CancelFunc
}

// NewApp loads the config at cfgPath (empty: defaults plus environment),
// opens storage and the queue and builds every service. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm: cfgm,
		root: root,
		log:  root.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.repo, err = storage.Open(ctx, sc, a.comp("storage")); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	if a.q, err = openQueue(ctx, cfg, a.comp("queue")); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, a.comp("taskengine"), a.bus)

	msgs, err := newMessaging(cfg, a.comp("messaging"))
	if err != nil {
		return nil, err
	}
	a.sandbox = sandbox.New(mapSandboxConfig(cfg), a.repo, msgs, a.comp("sandbox"))

	httpCfg, err := mapHTTPExecConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.httpExec = executor.NewHTTP(httpCfg, a.comp("executor.http"))
	a.msgExec = executor.NewMessage(a.repo, msgs, cfg.Messaging.RatePerSec, a.comp("executor.message"))
	registry := executor.NewRegistry(a.httpExec, a.msgExec, executor.NewFunction(a.repo, a.sandbox, a.comp("executor.function")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(a.repo, a.q, schedCfg, a.comp("scheduler"), a.bus)
	wk := worker.New(a.repo, registry, a.sched, a.comp("worker"), a.bus)

	jobsCfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.functions = jobs.NewFunctionService(a.repo, a.comp("functions"))
	a.jobs = jobs.New(a.repo, a.sched, a.q, a.functions, jobsCfg, a.comp("jobs"))

	cc, err := mapConsumerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.consumer = queue.NewConsumer(a.q, a.engine, wk.Process, cc, a.comp("consumer"))

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	httpLog := a.comp("http")
	router := httpapi.NewRouter(a.jobs, a.functions, a.health, mapRouterConfig(cfg), httpLog)
	a.server = httpapi.NewServer(srvCfg, router, httpLog)
	return a, nil
}

func (a *App) comp(name string) logx.Logger {
	return a.root.With(logx.String("comp", name))
}

func openQueue(ctx context.Context, cfg *config.Config, log logx.Logger) (queue.Queue, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Queue.Driver), "redis") {
		q, err := queue.OpenRedis(ctx, queue.RedisConfig{URL: cfg.Queue.RedisURL, Prefix: cfg.Queue.Prefix}, log)
		if err != nil {
			return nil, err
		}
		log.Info("redis queue connected", logx.String("prefix", cfg.Queue.Prefix))
		return q, nil
	}
	log.Warn("using in-memory queue; pending entries are rebuilt from storage on restart")
	return queue.NewMemory(), nil
}

// newMessaging registers WAHA when a base URL and API key are set and
// Telegram when a bot token is set.
func newMessaging(cfg *config.Config, log logx.Logger) (*messaging.Resolver, error) {
	r := messaging.NewResolver()
	base, key := strings.TrimSpace(cfg.Messaging.WAHA.BaseURL), strings.TrimSpace(cfg.Messaging.WAHA.APIKey)
	switch {
	case base == "":
	case key == "":
		log.Warn("waha api key is not configured; WAHA channels are disabled", logx.String("base_url", base))
	default:
		w, err := messaging.NewWAHA(messaging.WAHAConfig{BaseURL: base, APIKey: key}, log)
		if err != nil {
			return nil, fmt.Errorf("waha: %w", err)
		}
		r.Register(domain.ProviderWAHA, w)
	}
	if tok := strings.TrimSpace(cfg.Messaging.Telegram.Token); tok != "" {
		t, err := messaging.NewTelegram(messaging.TelegramConfig{Token: tok}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		r.Register(domain.ProviderTelegram, t)
	}
	log.Info("messaging providers registered", logx.Strings("providers", r.Providers()))
	return r, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound API address once the server is listening.
func (a *App) Addr() string { return a.server.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.comp("supervisor")), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.comp("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateMappings(cfg) })

	// Executions outlive the supervisor context so Stop can drain them.
	a.execCtx, a.execCancel = context.WithCancel(context.WithoutCancel(ctx))
	a.engine.Start(a.execCtx)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a.sup.GoRestart("http.serve", a.server.Serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5),
	)
	a.sup.GoRestart("queue.consumer", a.consumer.Run, supervisor.WithPublishFirstError(true))
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug only; every run publishes several events.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// health backs GET /healthz.
func (a *App) health(ctx context.Context) (map[string]any, error) {
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out := map[string]any{}
	var errs []error
	if _, err := a.repo.GetChannel(hctx, storage.DefaultChannelID); err != nil && !domain.IsNotFound(err) {
		out["storage"] = "error"
		errs = append(errs, fmt.Errorf("storage: %w", err))
	} else {
		out["storage"] = "ok"
	}
	if _, _, err := a.q.NextDue(hctx); err != nil {
		out["queue"] = "error"
		errs = append(errs, fmt.Errorf("queue: %w", err))
	} else {
		out["queue"] = "ok"
	}
	snap := a.engine.Snapshot()
	out["engine"] = map[string]any{
		"running":   snap.Running,
		"workers":   snap.Workers,
		"queue_len": snap.QueueLen,
		"in_flight": snap.InFlight,
		"dropped":   snap.Dropped,
	}
	if !snap.Running {
		errs = append(errs, errors.New("task engine is not running"))
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Counters()
	}
	return out, errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop taking requests first, then unwind the background loops.
	a.step(ctx, "http", 5*time.Second, func(c context.Context) error { return a.server.Shutdown(c) })
	a.sup.Cancel()
	a.step(ctx, "scheduler", time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.execCancel != nil {
		a.execCancel()
	}
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "queue", 2*time.Second, func(context.Context) error { return a.q.Close() })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.repo.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that ignores its context is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Bool("failed", err != nil),
			)
		}()
	}
}

// closeResources releases what NewApp opened when Start never ran.
func (a *App) closeResources() {
	if a.q != nil {
		_ = a.q.Close()
	}
	if a.repo != nil {
		_ = a.repo.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
