// Package resource defers destruction of device objects until no in-flight
// frame can still reference them.
package resource

import (
	"sync"

	"github.com/spaghettifunk/mandrill/engine/core"
)

// Retirer accepts a destruction that must wait for in-flight frames.
type Retirer interface {
	Retire(label string, destroy func())
}

// Immediate destroys at once. Use it only when the device is idle.
type Immediate struct{}

func (Immediate) Retire(label string, destroy func()) {
	destroy()
}

type retired struct {
	label   string
	destroy func()
}

// RetirementQueue keeps one bucket per frame slot. Work retired while slot s
// is current runs the next time slot s is reused, after its fence wait.
type RetirementQueue struct {
	mu      sync.Mutex
	buckets [][]retired
	current uint32
}

func NewRetirementQueue(slots uint32) *RetirementQueue {
	if slots == 0 {
		slots = 1
	}
	return &RetirementQueue{buckets: make([][]retired, slots)}
}

// Slots returns the number of frame slots.
func (q *RetirementQueue) Slots() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return uint32(len(q.buckets))
}

// Begin flushes the bucket of slot and makes it current. Call it after the
// slot's fence has been waited on.
func (q *RetirementQueue) Begin(slot uint32) int {
	n := q.Flush(slot)
	q.mu.Lock()
	q.current = slot % uint32(len(q.buckets))
	q.mu.Unlock()
	return n
}

func (q *RetirementQueue) Retire(label string, destroy func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[q.current] = append(q.buckets[q.current], retired{label: label, destroy: destroy})
}

// Flush runs the destructions queued for slot in retirement order.
func (q *RetirementQueue) Flush(slot uint32) int {
	q.mu.Lock()
	idx := slot % uint32(len(q.buckets))
	bucket := q.buckets[idx]
	q.buckets[idx] = nil
	q.mu.Unlock()

	for _, r := range bucket {
		core.LogDebug("destroying retired %s", r.label)
		r.destroy()
	}
	return len(bucket)
}

// FlushAll runs every pending destruction, oldest slot first starting after
// the current one. Only valid once the device is idle.
func (q *RetirementQueue) FlushAll() int {
	q.mu.Lock()
	slots := uint32(len(q.buckets))
	start := q.current + 1
	q.mu.Unlock()

	n := 0
	for i := uint32(0); i < slots; i++ {
		n += q.Flush((start + i) % slots)
	}
	return n
}

func (q *RetirementQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}
