// Package sandbox runs short user functions in an isolated JavaScript VM.
//
// Each run gets a fresh goja runtime on its own OS-thread-locked goroutine.
// The guest reaches the outside world only through ctx.http and
// ctx.message, which travel over a bounded request channel to a single host
// dispatcher. The dispatcher enforces per-run quotas, allowlists and a token
// bucket rate limit before doing any I/O. Rejections are thrown into the
// guest as ordinary errors.
package sandbox
