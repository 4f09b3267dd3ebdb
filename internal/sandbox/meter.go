package sandbox

import "sync/atomic"

// meter counts the bytes a run pulls into its VM: inputs, bridge replies,
// state writes and log lines. The total only grows. Objects the guest builds
// on its own are bounded by the timeout, not by the meter.
type meter struct {
	limit    int64
	used     atomic.Int64
	tripped  atomic.Bool
	onExceed func()
}

func newMeter(limit int64, onExceed func()) *meter {
	return &meter{limit: limit, onExceed: onExceed}
}

// charge adds n bytes. Once the limit is passed every call returns
// ErrMemoryLimit and onExceed has run exactly once.
func (m *meter) charge(n int) error {
	if m == nil || m.limit <= 0 {
		return nil
	}
	if m.used.Add(int64(max(n, 0))) <= m.limit {
		return nil
	}
	if m.tripped.CompareAndSwap(false, true) && m.onExceed != nil {
		m.onExceed()
	}
	return ErrMemoryLimit
}

// remaining is how many bytes may still be charged, at least 0.
func (m *meter) remaining() int64 {
	if m == nil || m.limit <= 0 {
		return -1
	}
	if r := m.limit - m.used.Load(); r > 0 {
		return r
	}
	return 0
}
