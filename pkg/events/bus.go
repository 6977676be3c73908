package events

import (
	"sync/atomic"

	"github.com/google/uuid"
	iradix "github.com/hashicorp/go-immutable-radix"
)

type CancelFunc func()

type Handler[E any] func(E)

// Bus fans events out to handlers subscribed under a key. Handlers run
// synchronously on the emitting goroutine, in subscription-id order.
type Bus[E any] struct {
	state atomic.Pointer[iradix.Tree]
}

func NewBus[E any]() *Bus[E] {
	b := &Bus[E]{}
	b.state.Store(iradix.New())
	return b
}

func prefix(key string) []byte {
	return []byte(key + "\x00")
}

// Subscribe registers handler for key. The returned func removes it and is
// safe to call more than once.
func (b *Bus[E]) Subscribe(key string, handler Handler[E]) CancelFunc {
	id := append(prefix(key), uuid.New().String()...)
	for {
		old := b.state.Load()
		next, _, _ := old.Insert(id, handler)
		if b.state.CompareAndSwap(old, next) {
			break
		}
	}
	return func() {
		for {
			old := b.state.Load()
			next, _, deleted := old.Delete(id)
			if !deleted || b.state.CompareAndSwap(old, next) {
				return
			}
		}
	}
}

func (b *Bus[E]) Emit(key string, ev E) {
	b.state.Load().Root().WalkPrefix(prefix(key), func(k []byte, v interface{}) bool {
		v.(Handler[E])(ev)
		return false
	})
}

// Count returns how many handlers are subscribed under key.
func (b *Bus[E]) Count(key string) int {
	n := 0
	b.state.Load().Root().WalkPrefix(prefix(key), func(k []byte, v interface{}) bool {
		n++
		return false
	})
	return n
}

func (b *Bus[E]) Len() int {
	return b.state.Load().Len()
}
