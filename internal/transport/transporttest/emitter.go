// Package transporttest provides in-memory transport collaborators for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"notifyrelay/internal/model"
	"notifyrelay/internal/transport"
)

// ErrEmit is returned by Emitter for channels marked as failing.
var ErrEmit = errors.New("transporttest: emit failed")

// Emission is one recorded Emit call.
type Emission struct {
	To      model.ChannelID
	Event   string
	Payload any
}

// Emitter records every emission and fails for channels set via Fail.
type Emitter struct {
	mu      sync.Mutex
	sent    []Emission
	failing map[model.ChannelID]bool
	failAll bool
}

var _ transport.Emitter = (*Emitter)(nil)

func NewEmitter() *Emitter { return &Emitter{failing: map[model.ChannelID]bool{}} }

func (e *Emitter) Emit(_ context.Context, to model.ChannelID, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAll || e.failing[to] {
		return ErrEmit
	}
	e.sent = append(e.sent, Emission{To: to, Event: event, Payload: payload})
	return nil
}

// Fail toggles failure for one channel.
func (e *Emitter) Fail(ch model.ChannelID, fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fail {
		e.failing[ch] = true
	} else {
		delete(e.failing, ch)
	}
}

// FailAll toggles failure for every channel.
func (e *Emitter) FailAll(fail bool) {
	e.mu.Lock()
	e.failAll = fail
	e.mu.Unlock()
}

// Sent returns a copy of the successful emissions.
func (e *Emitter) Sent() []Emission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Emission(nil), e.sent...)
}

// SentTo returns the successful emissions addressed to ch.
func (e *Emitter) SentTo(ch model.ChannelID) []Emission {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Emission
	for _, s := range e.sent {
		if s.To == ch {
			out = append(out, s)
		}
	}
	return out
}

func (e *Emitter) Reset() {
	e.mu.Lock()
	e.sent = nil
	e.mu.Unlock()
}

// Reconnector counts reconnect calls and returns Err.
type Reconnector struct {
	mu    sync.Mutex
	calls map[model.ChannelID]int
	Err   error
}

var _ transport.Reconnector = (*Reconnector)(nil)

func (r *Reconnector) Reconnect(_ context.Context, ch model.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[model.ChannelID]int{}
	}
	r.calls[ch]++
	return r.Err
}

func (r *Reconnector) SetErr(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}

func (r *Reconnector) Calls(ch model.ChannelID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[ch]
}

// Fallback records alerts and returns Err.
type Fallback struct {
	mu     sync.Mutex
	alerts []transport.Alert
	Err    error
}

var _ transport.FallbackNotifier = (*Fallback)(nil)

func (f *Fallback) Fallback(_ context.Context, a transport.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *Fallback) Alerts() []transport.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Alert(nil), f.alerts...)
}

// Restarter counts restarts and returns Err.
type Restarter struct {
	mu    sync.Mutex
	calls int
	Err   error
}

var _ transport.Restarter = (*Restarter)(nil)

func (r *Restarter) Restart(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.Err
}

func (r *Restarter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
