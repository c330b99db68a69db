package resource

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/spaghettifunk/mandrill/engine/core"
)

// Ref is a reference counted device object. The last Release hands the
// destructor to the Retirer instead of running it.
type Ref[T any] struct {
	mu      sync.Mutex
	value   T
	count   int32
	label   string
	retirer Retirer
	destroy func(T)
}

// NewRef returns a Ref holding one reference. A nil retirer destroys
// immediately on the last release.
func NewRef[T any](name string, value T, retirer Retirer, destroy func(T)) *Ref[T] {
	if retirer == nil {
		retirer = Immediate{}
	}
	return &Ref[T]{
		value:   value,
		count:   1,
		label:   fmt.Sprintf("%s/%s", name, uuid.NewString()),
		retirer: retirer,
		destroy: destroy,
	}
}

func (r *Ref[T]) Get() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

func (r *Ref[T]) Label() string {
	return r.label
}

func (r *Ref[T]) Count() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Acquire adds a reference. It fails once the object has been released for
// the last time.
func (r *Ref[T]) Acquire() (*Ref[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count <= 0 {
		return nil, fmt.Errorf("acquire %s: %w", r.label, core.ErrDestroyed)
	}
	r.count++
	return r, nil
}

// Release drops a reference and retires the object when none remain.
func (r *Ref[T]) Release() error {
	r.mu.Lock()
	if r.count <= 0 {
		r.mu.Unlock()
		return core.Assert(false, "release of %s with no references", r.label)
	}
	r.count--
	last := r.count == 0
	value := r.value
	r.mu.Unlock()

	if last {
		r.retirer.Retire(r.label, func() { r.destroy(value) })
	}
	return nil
}
