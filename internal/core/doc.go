// Package core wires the delivery reliability subsystems into one owned
// value: the connection Registry, the Router, the recovery Engine and the
// emergency Orchestrator. The host creates one Core per process, attaches a
// transport and starts it; there are no package-level singletons.
package core
