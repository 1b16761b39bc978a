// Package memory provides the typed object pool backing the order
// arena. Orders are reused across submissions to keep the hot path
// free of per-order allocations.
package memory

import "sync"

// Pool is a typed object pool over sync.Pool.
type Pool[T any] struct {
	p *sync.Pool
}

func NewPool[T any](ctor func() *T) *Pool[T] {
	return &Pool[T]{
		p: &sync.Pool{
			New: func() any { return ctor() },
		},
	}
}

func (p *Pool[T]) Get() *T {
	return p.p.Get().(*T)
}

// Put returns an object to the pool. The caller zeroes it first; a
// pooled object must never stay reachable from the book.
func (p *Pool[T]) Put(v *T) {
	p.p.Put(v)
}
