package app

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// Subscriber receives task snapshots. Returning an error, or panicking,
// removes the subscriber from the bus.
type Subscriber func(domain.TaskSnapshot) error

// ProgressBus fans task snapshots out to subscribers. Each subscriber has
// its own buffer and goroutine, so a slow one only loses its own events.
type ProgressBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	buffer  int
	logger  *zap.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64
}

type subscription struct {
	id      uint64
	fn      Subscriber
	events  chan domain.TaskSnapshot
	done    chan struct{}
	dropped atomic.Int64
}

// NewProgressBus creates a bus with the given per-subscriber buffer
func NewProgressBus(buffer int, logger *zap.Logger) *ProgressBus {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressBus{
		subs:   make(map[uint64]*subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers fn and returns its id and a function that removes it
func (b *ProgressBus) Subscribe(fn Subscriber) (uint64, func()) {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:     b.nextID,
		fn:     fn,
		events: make(chan domain.TaskSnapshot, b.buffer),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	return sub.id, func() { b.Unsubscribe(sub.id) }
}

// Unsubscribe removes a subscriber. Events already buffered for it are discarded.
func (b *ProgressBus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.done)
	}
	b.mu.Unlock()
	return ok
}

// Publish delivers s to every subscriber without blocking. A subscriber
// whose buffer is full misses this event.
func (b *ProgressBus) Publish(s domain.TaskSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.events <- s:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Len returns the number of live subscribers
func (b *ProgressBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded because of full buffers
func (b *ProgressBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close removes every subscriber and waits for their goroutines to exit
func (b *ProgressBus) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *ProgressBus) run(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case s := <-sub.events:
			if err := deliver(sub.fn, s); err != nil {
				b.logger.Debug("Pruning progress subscriber",
					zap.Uint64("subscriber", sub.id),
					zap.Int64("dropped", sub.dropped.Load()),
					zap.Error(err))
				b.Unsubscribe(sub.id)
				return
			}
		}
	}
}

func deliver(fn Subscriber, s domain.TaskSnapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return fn(s)
}
