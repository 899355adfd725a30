package audit

import (
	"context"
	"sync"
)

// Feed fans recorded entries out to live subscribers. Delivery is best
// effort: a subscriber that falls behind misses entries rather than
// blocking Record.
type Feed struct {
	mu   sync.RWMutex
	subs map[int]chan Entry
	next int
	size int
}

// NewFeed returns a feed whose subscribers buffer up to size entries.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 16
	}
	return &Feed{subs: make(map[int]chan Entry), size: size}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (f *Feed) Subscribe(ctx context.Context) <-chan Entry {
	ch := make(chan Entry, f.size)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish delivers e to every subscriber with room in its buffer.
func (f *Feed) Publish(e Entry) {
	if f == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
