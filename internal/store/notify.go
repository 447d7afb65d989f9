package store

import (
	"sync"
	"sync/atomic"
)

// Observable is anything that reports state changes.
type Observable interface {
	OnChange(fn func()) (cancel func())
}

// Notifier broadcasts change signals to subscribed channels and callbacks.
// Listeners receive no payload and should re-read the store.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[chan struct{}]struct{}
	callbacks map[uint64]func()
	nextID    uint64
	version   atomic.Uint64
}

// NewNotifier creates a new Notifier instance.
func NewNotifier() *Notifier {
	return &Notifier{
		listeners: make(map[chan struct{}]struct{}),
		callbacks: make(map[uint64]func()),
	}
}

// Subscribe returns a channel that receives pings when the store changes.
// The caller must call Unsubscribe when done.
func (n *Notifier) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel and closes it.
func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	_, ok := n.listeners[ch]
	delete(n.listeners, ch)
	n.mu.Unlock()
	if ok {
		close(ch)
	}
}

// OnChange registers fn to run synchronously on every broadcast.
// fn must not block and must not register or cancel callbacks.
func (n *Notifier) OnChange(fn func()) (cancel func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.callbacks[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.callbacks, id)
			n.mu.Unlock()
		})
	}
}

// Version returns the number of broadcasts so far.
func (n *Notifier) Version() uint64 {
	return n.version.Load()
}

// Broadcast pings all listeners and runs all callbacks.
// Callers must not hold store locks.
func (n *Notifier) Broadcast() {
	n.version.Add(1)

	n.mu.RLock()
	for ch := range n.listeners {
		select {
		case ch <- struct{}{}:
		default:
			// Channel full, listener will catch up
		}
	}
	fns := make([]func(), 0, len(n.callbacks))
	for _, fn := range n.callbacks {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
