// Package logx is the relay's structured logger: a thin Logger value over
// zerolog with typed fields.
//
// New returns the root Logger and a Service that owns the sinks. Console
// output is human readable with a short caller, the optional file sink writes
// JSON lines, and the optional alert sink forwards records at or above a
// minimum level to an AlertSender under a rate limit. Service.Apply swaps the
// sinks at runtime for config reloads.
package logx
