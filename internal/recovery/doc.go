// Package recovery watches connection health and reconnects degraded
// channels.
//
// CheckAll compares each live connection against the latency, error-rate,
// inactivity and failure-count thresholds and queues a RecoveryAction whose
// strategy depends on which threshold tripped. ProcessQueue runs due
// actions in scheduled order through the transport Reconnector and
// reschedules failures with the strategy's backoff. A circuit-breaker
// action that runs out of attempts suspends the connection until an
// operator resumes it.
//
// Time comes from pkg/clock so Run can be driven by a fake clock in tests.
package recovery
