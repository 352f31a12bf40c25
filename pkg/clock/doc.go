// Package clock provides an injectable time source.
//
// Long-running loops (health monitor, recovery queue, retry processor) take a
// Clock instead of calling time.Now or time.NewTicker directly. Production
// wiring uses Real(); tests use Fake() and move time forward with Advance, so
// backoff schedules can be verified without sleeping.
package clock
