package envelope

import "sync"

// Trigger is the re-armable one-shot signal every node and every envelope
// owns to enforce per-edge ordering: a task that must fire at position k
// waits until recv reaches k, and every successful completion advances
// recv by one and wakes every waiter. Resolving the trigger with Fail
// wakes every waiter permanently, with Wait reporting failure from then on.
//
// Modeled on a condition variable guarding a monotone counter, the same
// shape docker/swarmkit's persistentRemotes uses to broadcast state
// changes to blocked watchers.
type Trigger struct {
	mu     sync.Mutex
	cond   *sync.Cond
	recv   int
	failed bool
}

// NewTrigger returns a trigger with recv at its initial value of -1.
func NewTrigger() *Trigger {
	t := &Trigger{recv: -1}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Advance records one more successful completion and wakes every waiter.
func (t *Trigger) Advance() {
	t.mu.Lock()
	t.recv++
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Fail resolves the trigger with the failure sentinel; every current and
// future Wait call returns false immediately.
func (t *Trigger) Fail() {
	t.mu.Lock()
	t.failed = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Wait blocks until recv >= k or the trigger has failed, returning false
// in the latter case.
func (t *Trigger) Wait(k int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.recv < k && !t.failed {
		t.cond.Wait()
	}
	return !t.failed
}

// Recv returns the current completion count.
func (t *Trigger) Recv() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv
}
