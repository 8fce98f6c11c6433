// Package bus is an in-process publish/subscribe hub.
//
// Delivery is synchronous and in subscription order. The subscriber list is
// copied before iterating, so handlers may subscribe or unsubscribe while a
// publish is in flight.
//
// A topic is identified by its name and payload type together; two topics
// sharing a name but not a type are independent streams.
package bus

import (
	"reflect"
	"sync"
)

// Topic names a typed stream of payloads.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] { return Topic[T]{name: name} }

func (t Topic[T]) Name() string { return t.name }

func (t Topic[T]) key() topicKey {
	return topicKey{name: t.name, typ: reflect.TypeOf((*T)(nil)).Elem()}
}

type topicKey struct {
	name string
	typ  reflect.Type
}

type subscriber struct {
	id uint64
	fn func(any)
}

type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[topicKey][]subscriber
}

func New() *Bus {
	return &Bus{subs: map[topicKey][]subscriber{}}
}

// Subscribe registers fn for topic and returns a func that removes it.
// Calling the returned func more than once is harmless.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) (unsubscribe func()) {
	if b == nil || fn == nil {
		return func() {}
	}
	k := topic.key()
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[k] = append(b.subs[k], subscriber{
		id: id,
		fn: func(v any) { fn(v.(T)) },
	})
	b.mu.Unlock()

	return func() { b.remove(k, id) }
}

// Publish delivers payload to every subscriber registered on topic at the
// time of the call.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	cur := b.subs[topic.key()]
	snap := make([]subscriber, len(cur))
	copy(snap, cur)
	b.mu.Unlock()

	for _, s := range snap {
		s.fn(payload)
	}
}

// Subscribers reports how many handlers are registered under a topic name,
// across payload types.
func (b *Bus) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, subs := range b.subs {
		if k.name == name {
			n += len(subs)
		}
	}
	return n
}

func (b *Bus) remove(k topicKey, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.subs[k]
	for i, s := range cur {
		if s.id != id {
			continue
		}
		// Copy-on-write so in-flight snapshots keep their own backing array.
		next := make([]subscriber, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, k)
		} else {
			b.subs[k] = next
		}
		return
	}
}
