package task

import "sync"

// Notifier is a level-triggered, one-shot, re-armable signal used to wake
// long-poll observers of a record. Producers fire-and-forget after each
// observable transition; waiters re-arm before awaiting to avoid missed
// edges, and re-read the record after the wait returns.
//
// Fire closes the current channel so every pending waiter wakes. Clear
// replaces the channel, arming the notifier for the next waiter. Waiters
// that already hold the old channel still observe the past fire.
type Notifier struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

// NewNotifier returns an armed, unsignaled notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Fire signals the notifier. Idempotent until the next Clear.
func (n *Notifier) Fire() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.fired {
		n.fired = true
		close(n.ch)
	}
}

// Clear re-arms the notifier. A no-op if it has not fired.
func (n *Notifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fired {
		n.fired = false
		n.ch = make(chan struct{})
	}
}

// Fired reports whether the notifier is currently signaled.
func (n *Notifier) Fired() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fired
}

// Wait returns the channel that closes on the next Fire. Callers should
// grab the channel once and select on it against their timeout.
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}
