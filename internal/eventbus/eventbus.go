// Package eventbus is an in-process, first-match-wins waiter registry
// for workflow events. The engine publishes step and gate outcomes
// (step_started, step_succeeded, step_failed, gate_passed,
// loopback_triggered); callers register a predicate and are woken the
// first time a matching event arrives.
package eventbus

import "sync"

// Bus fans out published events to registered waiters. It holds no
// history — a waiter registered after an event was published never sees
// it, by design: the event log itself (internal/statestore) is the
// durable record; the bus is only for "wake me when" signaling.
type Bus struct {
	mu      sync.Mutex
	waiters []*waiter
}

type waiter struct {
	match func(Event) bool
	ch    chan Event
	once  sync.Once
}

// Event is the payload delivered to bus subscribers. It mirrors the
// fields of types.Event the bus's own callers care about without
// importing internal/types, keeping the bus reusable for non-workflow
// event streams (e.g. worktree orphan-reconciliation notices).
type Event struct {
	Kind    string
	Subject string // e.g. step ID or workflow ID
	Data    map[string]any
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers ev to every currently registered waiter whose match
// predicate returns true, then removes them — a waiter fires at most
// once. Publish never blocks on a slow receiver: each waiter's channel
// is buffered to 1 slot, sized to guarantee this Publish's send.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	var remaining []*waiter
	var matched []*waiter
	for _, w := range b.waiters {
		if w.match(ev) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	b.waiters = remaining
	b.mu.Unlock()

	for _, w := range matched {
		w.once.Do(func() { w.ch <- ev })
	}
}

// Wait registers a predicate and returns a channel that receives exactly
// one Event the first time a published event satisfies match. Cancel
// (returned) unregisters the waiter if the caller gives up before a
// match arrives; it is safe to call Cancel after the channel has already
// fired.
func (b *Bus) Wait(match func(Event) bool) (ch <-chan Event, cancel func()) {
	w := &waiter{match: match, ch: make(chan Event, 1)}

	b.mu.Lock()
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	cancelFn := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.waiters {
			if existing == w {
				b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
				break
			}
		}
	}
	return w.ch, cancelFn
}

// WaitForStep is a convenience wrapper for the common case of waiting on
// any event concerning a specific step.
func (b *Bus) WaitForStep(stepID string) (ch <-chan Event, cancel func()) {
	return b.Wait(func(ev Event) bool { return ev.Subject == stepID })
}

// WaitForKind is a convenience wrapper for waiting on the next event of a
// given kind regardless of subject (e.g. the next "workflow_completed").
func (b *Bus) WaitForKind(kind string) (ch <-chan Event, cancel func()) {
	return b.Wait(func(ev Event) bool { return ev.Kind == kind })
}
