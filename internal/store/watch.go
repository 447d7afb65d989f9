package store

import "sync"

// Watch calls onChange whenever the value returned by current changes after a
// notification from src. It does not fire for the value seen at registration,
// which is returned as initial. Calls to onChange are serialized.
func Watch[K comparable](src Observable, current func() K, onChange func(prev, next K)) (initial K, stop func()) {
	var (
		mu   sync.Mutex
		last K
	)

	mu.Lock()
	defer mu.Unlock()

	cancel := src.OnChange(func() {
		mu.Lock()
		defer mu.Unlock()
		next := current()
		if next == last {
			return
		}
		prev := last
		last = next
		onChange(prev, next)
	})
	last = current()
	return last, cancel
}
