// Package emergency turns failures reported by any component into
// structured emergency events.
//
// The Orchestrator classifies a failure, assesses its severity, runs the
// static recovery plan for that failure type and escalates to operators when
// automatic recovery is not enough. It also owns the process-wide emergency
// mode flag and the aggregated system health check.
//
// Collaborators are consumed through small capability interfaces
// (Restartable, HealthCheckable, Pinger, Deliverer) so the host decides which
// of them exist.
package emergency
