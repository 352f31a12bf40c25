// Package router decides where a notification goes and tracks whether it
// got there.
//
// Each message category maps to a static RoutingRule (target namespace,
// rooms, required roles, strategy, retry budget). Unknown categories use
// the SYSTEM rule. Broadcast and role-based rules are fanned out into one
// addressed message per recipient, and every addressed message is then
// delivered direct (or through a room for room-based rules).
//
// Delivery never waits for the client. Emits produce DeliveryAttempt
// records that later move to expired unless the client confirms them.
// Users without a live channel get the message in a bounded per-user FIFO
// retry queue that RetryFailedDeliveries drains once they reconnect.
package router
