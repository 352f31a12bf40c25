// Package registry owns the live mapping of users to channels to rooms.
//
// A Connection is created when an authenticated client completes the
// transport handshake (Register) and belongs to exactly one namespace. Rooms
// are named subsets of connections inside one namespace; each namespace may
// declare default rooms that every new connection auto-joins when its role
// allows it.
//
// The registry never talks to sockets directly. Fan-out goes through the
// transport.Emitter collaborator, and each emit outcome feeds the
// per-connection health counters (failure count, error rate, last activity)
// that the recovery engine polls.
//
// All state sits behind one RWMutex. Emission happens outside the lock.
package registry
