// Package idpool manages the fixed-size set of internal instance identifiers.
//
// Identifiers are small integers in [0, capacity). They are used to derive the
// deployed application name, its public route and its table prefix in the
// shared data store, so the set is bounded and never grows after startup.
package idpool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

var (
	ErrExhausted        = errors.New("identifier pool exhausted")
	ErrNotAllocated     = errors.New("identifier is not allocated")
	ErrAlreadyAllocated = errors.New("identifier is already allocated")
	ErrOutOfRange       = errors.New("identifier out of range")
)

// Pool is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	slots     []bool
	allocated int
	intn      func(n int) int
}

// Option configures a Pool.
type Option func(*Pool)

// WithRand sets the source used to pick the first probe. It must return a
// value in [0, n).
func WithRand(intn func(n int) int) Option {
	return func(p *Pool) {
		p.intn = intn
	}
}

func New(capacity int, opts ...Option) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	p := &Pool{
		slots: make([]bool, capacity),
		intn:  rand.IntN,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Allocate takes a free identifier. One random slot is probed first; when it
// is taken the slots after it are scanned in ascending order, wrapping to 0.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := len(p.slots)
	if p.allocated == capacity {
		return 0, ErrExhausted
	}

	probe := p.intn(capacity)
	for i := 0; i < capacity; i++ {
		id := (probe + i) % capacity
		if !p.slots[id] {
			p.slots[id] = true
			p.allocated++
			return id, nil
		}
	}

	// unreachable while allocated matches the slots
	return 0, ErrExhausted
}

// Release frees an identifier.
func (p *Pool) Release(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.slots) {
		return fmt.Errorf("release %d: %w", id, ErrOutOfRange)
	}
	if !p.slots[id] {
		return fmt.Errorf("release %d: %w", id, ErrNotAllocated)
	}

	p.slots[id] = false
	p.allocated--
	return nil
}

// Reserve marks a specific identifier as allocated. It is used when the pool
// is rebuilt from persisted instances at startup.
func (p *Pool) Reserve(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.slots) {
		return fmt.Errorf("reserve %d: %w", id, ErrOutOfRange)
	}
	if p.slots[id] {
		return fmt.Errorf("reserve %d: %w", id, ErrAlreadyAllocated)
	}

	p.slots[id] = true
	p.allocated++
	return nil
}

func (p *Pool) IsAllocated(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.slots) {
		return false
	}
	return p.slots[id]
}

// Allocated returns the number of identifiers currently handed out.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

func (p *Pool) Capacity() int {
	return len(p.slots)
}
