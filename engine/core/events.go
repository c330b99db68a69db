package core

import "sync"

// EventContext carries the payload of an event. Only the fields relevant to
// the event code are set.
type EventContext struct {
	Width  uint32
	Height uint32
	Path   string
	Err    error
}

type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = iota + 1

	// Framebuffer resized by the OS. Width and Height are set.
	EVENT_CODE_RESIZED

	// Swapchain rebuilt after a resize or an out of date present.
	// Width and Height hold the new extent.
	EVENT_CODE_SWAPCHAIN_RECREATED

	// A watched shader source changed on disk. Path is set.
	EVENT_CODE_SHADER_CHANGED

	// The device reported loss. Err is set.
	EVENT_CODE_DEVICE_LOST
)

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// EventBus dispatches events to the listeners registered for a code, in
// registration order.
type EventBus struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]registeredEvent
}

func NewEventBus() *EventBus {
	return &EventBus{
		registered: make(map[SystemEventCode][]registeredEvent),
	}
}

// Register adds a listener for code. A listener is registered at most once
// per code; duplicates return false.
func (b *EventBus) Register(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.registered[code] {
		if e.listener == listener {
			LogWarn("listener already registered for event code %d", code)
			return false
		}
	}
	b.registered[code] = append(b.registered[code], registeredEvent{listener: listener, callback: onEvent})
	return true
}

func (b *EventBus) Unregister(code SystemEventCode, listener interface{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.registered[code]
	for i, e := range events {
		if e.listener == listener {
			b.registered[code] = append(events[:i], events[i+1:]...)
			return true
		}
	}
	return false
}

// Fire sends an event to the listeners of code until one reports it handled.
func (b *EventBus) Fire(code SystemEventCode, sender interface{}, context EventContext) bool {
	b.mu.RLock()
	events := append([]registeredEvent(nil), b.registered[code]...)
	b.mu.RUnlock()
	for _, e := range events {
		if e.callback(code, sender, context) {
			return true
		}
	}
	return false
}

func (b *EventBus) Shutdown() {
	b.mu.Lock()
	b.registered = make(map[SystemEventCode][]registeredEvent)
	b.mu.Unlock()
}
