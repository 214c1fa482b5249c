// Package bus is a small typed publish/subscribe hub. Topics carry their
// payload type, so a subscriber of Topic[T] only ever receives T.
package bus

import (
	"sync"

	"github.com/1ureka/callcore/internal/util"
)

// DefaultBuffer is the channel capacity used when Subscribe is given a
// non-positive buffer.
const DefaultBuffer = 16

// Topic names a stream of T values.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

type subscriber struct {
	id      uint64
	deliver func(v any) bool
	close   func()
}

// Bus fans published values out to subscriber channels. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the value.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*subscriber
	closed bool
	log    util.Logger
}

func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscriber),
		log:  util.NewLogger("bus"),
	}
}

// Subscribe returns a channel receiving every value published on t and a
// function that unsubscribes and closes the channel. On a closed bus the
// channel is returned already closed.
func Subscribe[T any](b *Bus, t Topic[T], buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	s := &subscriber{
		id: b.nextID,
		deliver: func(v any) bool {
			select {
			case ch <- v.(T):
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}
	b.subs[t.name] = append(b.subs[t.name], s)

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(t.name, s.id) })
	}
}

// Publish delivers v to every current subscriber of t.
func Publish[T any](b *Bus, t Topic[T], v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[t.name] {
		if !s.deliver(v) {
			b.log.Warn("subscriber %d on %q is full, dropping event", s.id, t.name)
		}
	}
}

// Close unsubscribes everyone. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for name, subs := range b.subs {
		for _, s := range subs {
			s.close()
		}
		delete(b.subs, name)
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			s.close()
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
