package app

import (
	"context"
	"errors"
	"strings"

	"chronos/internal/config"
	logx "chronos/pkg/logx"
)

// validateMappings rejects a reload that a live component could not apply.
func validateMappings(cfg *config.Config) error {
	_, e1 := mapEngineConfig(cfg)
	_, e2 := mapHTTPExecConfig(cfg)
	_, e3 := mapSchedulerConfig(cfg)
	return errors.Join(e1, e2, e3)
}

// reloadLoop applies published configs. Bursts are coalesced to the latest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	if config.MessagingClientsChanged(oldCfg, newCfg) {
		a.log.Warn("messaging provider settings changed; restart required for changes to take effect")
	}

	// logging first so the rest of the reload logs at the new level
	a.logs.Apply(mapLogConfig(newCfg))

	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		ectx := a.execCtx
		if ectx == nil {
			ectx = ctx
		}
		a.engine.Apply(ectx, engCfg)
	}
	if httpCfg, err := mapHTTPExecConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.httpExec.Apply(httpCfg)
	}
	a.sandbox.Apply(mapSandboxConfig(newCfg))
	a.msgExec.SetRate(newCfg.Messaging.RatePerSec)

	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}
	if jobsCfg, err := mapJobsConfig(newCfg); err == nil {
		a.jobs.Apply(jobsCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
