// Package schedule turns operator schedule strings into canonical schedules
// and computes next occurrences.
//
// It never writes anything; callers persist the result.
package schedule
