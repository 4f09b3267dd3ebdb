package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Durations holds every duration setting of a Config, parsed. Unset fields
// are zero unless the field has a built-in fallback.
type Durations struct {
	ServerRead  time.Duration
	ServerWrite time.Duration
	ServerIdle  time.Duration

	StorageBusy time.Duration

	QueueBackoff time.Duration
	QueueLease   time.Duration
	QueueMaxIdle time.Duration

	EngineTimeout       time.Duration
	EngineMaxQueueDelay time.Duration

	HTTPRequest time.Duration
}

// Durations parses every duration field of c. Each failure names its key;
// all of them are joined into one error.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		key      string
		raw      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout, &d.ServerRead, 0},
		{"server.write_timeout", c.Server.WriteTimeout, &d.ServerWrite, 0},
		{"server.idle_timeout", c.Server.IdleTimeout, &d.ServerIdle, 0},
		{"storage.busy_timeout", c.Storage.BusyTimeout, &d.StorageBusy, time.Second},
		{"queue.backoff", c.Queue.Backoff, &d.QueueBackoff, 0},
		{"queue.lease", c.Queue.Lease, &d.QueueLease, 0},
		{"queue.max_idle", c.Queue.MaxIdle, &d.QueueMaxIdle, 0},
		{"engine.default_timeout", c.Engine.DefaultTimeout, &d.EngineTimeout, 0},
		{"engine.max_queue_delay", c.Engine.MaxQueueDelay, &d.EngineMaxQueueDelay, 0},
		{"http.request_timeout", c.HTTP.RequestTimeout, &d.HTTPRequest, 0},
	}
	var errs []error
	for _, f := range fields {
		v, err := parseDuration(f.key, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v == 0 {
			v = f.fallback
		}
		*f.dst = v
	}
	return d, errors.Join(errs...)
}

// parseDuration accepts Go durations ("10s", "1m30s") and bare integers,
// which are milliseconds like the *_MS environment overrides.
func parseDuration(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("%s: duration must be >= 0", key)
		}
		if ms > int64(time.Duration(1<<63-1)/time.Millisecond) {
			return 0, fmt.Errorf("%s: duration %q out of range", key, raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", key)
	}
	return d, nil
}
