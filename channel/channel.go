// Package channel implements the Request Channel: a typed mailbox with one
// FIFO slot per EventType, each slot carrying its own mutex/condition pair
// so a consumer can wait for work without losing a wakeup.
//
// Grounded on AbstractRaftNode's per-purpose commitLock/commitSemaphore
// field pair and ApplyEventLoop.ensureApply()'s exact
// lock -> re-check -> bounded-wait -> unlock sequence, generalized here
// from one hand-rolled instance to one slot per EventType.
package channel

import (
	"sync"
	"time"
)

// EventType names a Request Channel slot.
type EventType int

const (
	Tick EventType = iota
	Ready
	Message
	Proposal
	Advance
	Apply
	numEventTypes
)

func (k EventType) String() string {
	switch k {
	case Tick:
		return "TICK"
	case Ready:
		return "READY"
	case Message:
		return "MESSAGE"
	case Proposal:
		return "PROPOSAL"
	case Advance:
		return "ADVANCE"
	case Apply:
		return "APPLY"
	default:
		return "UNKNOWN"
	}
}

type slot struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []interface{}
	canFetch bool
}

func newSlot() *slot {
	s := &slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Channel is the Request Channel: one slot per EventType.
type Channel struct {
	slots [numEventTypes]*slot
}

// New builds an empty Channel.
func New() *Channel {
	c := &Channel{}
	for i := range c.slots {
		c.slots[i] = newSlot()
	}
	return c
}

func (c *Channel) slotFor(kind EventType) *slot { return c.slots[kind] }

// Offer enqueues item on kind's FIFO and wakes any waiter.
func (c *Channel) Offer(kind EventType, item interface{}) {
	s := c.slotFor(kind)
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.canFetch = true
	s.cond.Signal()
	s.mu.Unlock()
}

// CanFetch reports whether kind currently has pending work.
func (c *Channel) CanFetch(kind EventType) bool {
	s := c.slotFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canFetch
}

// SetCan forcibly sets kind's work-pending flag, used by a consumer after
// it has drained the slot down to empty.
func (c *Channel) SetCan(kind EventType, can bool) {
	s := c.slotFor(kind)
	s.mu.Lock()
	s.canFetch = can
	s.mu.Unlock()
}

// Poll removes and returns the head of kind's queue, blocking up to timeout
// if it's empty. A timeout of zero performs a non-blocking check. Returns
// nil, false if no item became available within timeout.
func (c *Channel) Poll(kind EventType, timeout time.Duration) (interface{}, bool) {
	s := c.slotFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 && timeout > 0 {
		deadline := time.Now().Add(timeout)
		for len(s.queue) == 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			c.waitWithTimeout(s, remaining)
		}
	}

	if len(s.queue) == 0 {
		s.canFetch = false
		return nil, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.canFetch = false
	}
	return item, true
}

// waitWithTimeout waits on s.cond for at most timeout: a timer fires a
// Broadcast on the same lock after timeout elapses, bounding the wait even
// if a producer's Signal is lost. s.mu is held on entry and on return,
// matching sync.Cond.Wait's own contract.
func (c *Channel) waitWithTimeout(s *slot, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	s.cond.Wait()
}

// EnsureWork implements the lost-wakeup-safe wait described in §5: a
// consumer observing !CanFetch(kind) acquires the slot's lock, re-checks
// the flag, and if still empty waits on the condition bounded by
// checkInterval. Producers set canFetch under the same lock and signal.
// Returns once there is work pending (or the bound elapses, in which case
// the caller should re-check and loop — mirroring ApplyEventLoop's
// ensureApply).
func (c *Channel) EnsureWork(kind EventType, checkInterval time.Duration) {
	s := c.slotFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canFetch {
		return
	}
	c.waitWithTimeout(s, checkInterval)
}

// Len reports the current queue depth for kind, for tests and diagnostics.
func (c *Channel) Len(kind EventType) int {
	s := c.slotFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
