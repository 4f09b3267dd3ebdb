// Package scheduler keeps exactly one pending queue entry per active job.
//
// The queue is the only timer. The scheduler is responsible only for:
//   - computing the next occurrence of a job
//   - creating the PENDING run for that occurrence
//   - enqueueing (or cancelling) the job's entry under key chrono:<id>
//
// Execution happens in the worker; the scheduler never runs a job.
package scheduler
