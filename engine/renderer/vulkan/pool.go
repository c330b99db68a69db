package vulkan

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/mandrill/engine/core"
)

type lockGroup string

const (
	syncObjects     lockGroup = "sync"
	swapchainObjs   lockGroup = "swapchain"
	memoryObjects   lockGroup = "memory"
	renderpassObjs  lockGroup = "renderpass"
	pipelineObjects lockGroup = "pipeline"
	commandObjects  lockGroup = "command"
)

// lockPool hands out one mutex per object group. Pipelines are created from
// the shader reload goroutine while the frame loop records, so every table
// is guarded by the lock of its group.
type lockPool struct {
	mu    sync.Mutex
	locks map[lockGroup]*sync.Mutex
}

func newLockPool() *lockPool {
	return &lockPool{locks: make(map[lockGroup]*sync.Mutex)}
}

func (p *lockPool) get(group lockGroup) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[group]
	if !ok {
		l = &sync.Mutex{}
		p.locks[group] = l
	}
	return l
}

func (p *lockPool) safeCall(group lockGroup, fn func() error) error {
	l := p.get(group)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// table maps the opaque handles of the gpu package to backend objects.
// Zero is never handed out.
type table[T any] struct {
	kind  string
	next  uint64
	items map[uint64]T
}

func newTable[T any](kind string) *table[T] {
	return &table[T]{kind: kind, items: make(map[uint64]T)}
}

func (t *table[T]) add(v T) uint64 {
	t.next++
	t.items[t.next] = v
	return t.next
}

func (t *table[T]) get(h uint64) (T, error) {
	v, ok := t.items[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %d: %w", t.kind, h, core.ErrDanglingReference)
	}
	return v, nil
}

// take removes h and reports whether it was live.
func (t *table[T]) take(h uint64) (T, bool) {
	v, ok := t.items[h]
	if ok {
		delete(t.items, h)
	}
	return v, ok
}

func (t *table[T]) len() int {
	return len(t.items)
}

func (t *table[T]) each(fn func(h uint64, v T)) {
	for h, v := range t.items {
		fn(h, v)
	}
}
