package events

import "sync"

const defaultBuffer = 16

// Bus fans values out to every live subscription. Publish never blocks.
//
// A plain bus suits state streams: a subscriber whose buffer is full loses
// its oldest pending value. A keyed bus suits change streams: a subscriber
// that falls behind keeps one pending value per key, the latest, so no key's
// change is ever lost.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	buffer int
	key    func(T) string
	closed bool
}

// Subscription receives published values on C until it or its bus is closed.
type Subscription[T any] struct {
	C    <-chan T
	ch   chan T
	bus  *Bus[T]
	once sync.Once

	// Keyed buses only.
	pending *pending[T]
	quit    chan struct{}
}

// NewBus creates a bus whose subscriptions buffer up to buffer values.
func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{}), buffer: buffer}
}

// NewKeyedBus creates a bus that coalesces a slow subscriber's backlog by
// key instead of dropping values.
func NewKeyedBus[T any](buffer int, key func(T) string) *Bus[T] {
	b := NewBus[T](buffer)
	b.key = key
	return b
}

func (b *Bus[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, b.buffer)
	sub := &Subscription[T]{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	if b.key != nil {
		sub.pending = newPending[T]()
		sub.quit = make(chan struct{})
		go sub.pump()
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.pending != nil {
			sub.pending.push(b.key(value), value)
			continue
		}
		deliver(sub.ch, value)
	}
}

func deliver[T any](ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		// Full: drop the oldest value and try again.
		select {
		case <-ch:
		default:
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
}

// Close detaches the subscription and closes its channel.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.subs != nil {
		delete(s.bus.subs, s)
	}
	s.stop()
}

func (s *Subscription[T]) stop() {
	s.once.Do(func() {
		if s.quit != nil {
			// The pump closes the channel on its way out.
			close(s.quit)
			return
		}
		close(s.ch)
	})
}

// pump moves coalesced values into C in arrival order of their keys.
func (s *Subscription[T]) pump() {
	defer close(s.ch)
	for {
		value, ok := s.pending.pop()
		if !ok {
			select {
			case <-s.pending.wake:
				continue
			case <-s.quit:
				return
			}
		}
		select {
		case s.ch <- value:
		case <-s.quit:
			return
		}
	}
}

// pending is an ordered set of values keyed by string. Pushing an existing
// key replaces its value in place.
type pending[T any] struct {
	mu     sync.Mutex
	order  []string
	values map[string]T
	wake   chan struct{}
}

func newPending[T any]() *pending[T] {
	return &pending[T]{values: make(map[string]T), wake: make(chan struct{}, 1)}
}

func (p *pending[T]) push(key string, value T) {
	p.mu.Lock()
	if _, ok := p.values[key]; !ok {
		p.order = append(p.order, key)
	}
	p.values[key] = value
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pending[T]) pop() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if len(p.order) == 0 {
		return zero, false
	}
	key := p.order[0]
	p.order[0] = ""
	p.order = p.order[1:]
	value := p.values[key]
	delete(p.values, key)
	return value, true
}
