// Package broadcast provides multi-subscriber value streams with a configurable
// replay policy for late subscribers.
package broadcast

import "sync"

// ReplayPolicy decides what a new subscriber receives before live values.
type ReplayPolicy int

const (
	// NoReplay delivers only values published after Subscribe.
	NoReplay ReplayPolicy = iota
	// ReplayLatest delivers the most recent value, if any, then live values.
	ReplayLatest
	// ReplayAll delivers every value ever published, then live values.
	ReplayAll
)

// Subject fans each published value out to every subscriber. Publish never
// blocks: every subscription owns an unbounded queue drained by its own
// goroutine, so a slow reader only delays itself.
type Subject[T any] struct {
	mu      sync.Mutex
	policy  ReplayPolicy
	history []T
	latest  T
	has     bool
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	closed  bool
}

// New returns an empty subject with the given replay policy.
func New[T any](policy ReplayPolicy) *Subject[T] {
	return &Subject[T]{policy: policy, subs: make(map[uint64]*Subscription[T])}
}

// NewWithValue returns a replay-latest subject seeded with an initial value.
func NewWithValue[T any](initial T) *Subject[T] {
	s := New[T](ReplayLatest)
	s.latest, s.has = initial, true
	return s
}

// Publish records v and delivers it to every live subscription. Publishing to
// a closed subject is a no-op.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.latest, s.has = v, true
	if s.policy == ReplayAll {
		s.history = append(s.history, v)
	}
	for _, sub := range s.subs {
		sub.enqueue(v)
	}
}

// Latest returns the most recently published value.
func (s *Subject[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has
}

// Values returns the recorded history of a ReplayAll subject, or the latest
// value for other policies.
func (s *Subject[T]) Values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy == ReplayAll {
		out := make([]T, len(s.history))
		copy(out, s.history)
		return out
	}
	if s.has {
		return []T{s.latest}
	}
	return nil
}

// Subscribe registers a subscriber and replays according to the policy.
func (s *Subject[T]) Subscribe() *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []T
	switch s.policy {
	case ReplayAll:
		replay = append(replay, s.history...)
	case ReplayLatest:
		if s.has {
			replay = []T{s.latest}
		}
	}
	return s.attachLocked(replay)
}

// SubscribeLatest returns the current value together with a subscription that
// only receives values published afterwards. Both are taken under one lock,
// so no value can fall between them.
func (s *Subject[T]) SubscribeLatest() (T, bool, *Subscription[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has, s.attachLocked(nil)
}

func (s *Subject[T]) attachLocked(replay []T) *Subscription[T] {
	sub := &Subscription[T]{
		id:      s.nextID,
		subject: s,
		out:     make(chan T),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		queue:   replay,
	}
	s.nextID++
	if s.closed {
		sub.ended = true
	} else {
		s.subs[sub.id] = sub
	}
	go sub.pump()
	return sub
}

// Close ends the subject. Subscribers receive what is already queued and
// then see their channel closed.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.end()
		delete(s.subs, id)
	}
}

func (s *Subject[T]) detach(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Subscription is one reader of a Subject.
type Subscription[T any] struct {
	id      uint64
	subject *Subject[T]
	out     chan T
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	queue []T
	ended bool
}

// C returns the delivery channel. It is closed after Cancel, or once the
// subject is closed and the queue drained.
func (sub *Subscription[T]) C() <-chan T {
	return sub.out
}

// Cancel detaches the subscription and drops anything still queued.
func (sub *Subscription[T]) Cancel() {
	sub.once.Do(func() {
		sub.subject.detach(sub.id)
		close(sub.done)
	})
}

func (sub *Subscription[T]) enqueue(v T) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, v)
	sub.mu.Unlock()
	sub.wake()
}

func (sub *Subscription[T]) end() {
	sub.mu.Lock()
	sub.ended = true
	sub.mu.Unlock()
	sub.wake()
}

func (sub *Subscription[T]) wake() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription[T]) pump() {
	defer close(sub.out)
	var zero T
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			ended := sub.ended
			sub.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-sub.notify:
				continue
			case <-sub.done:
				return
			}
		}
		v := sub.queue[0]
		sub.queue[0] = zero
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- v:
		case <-sub.done:
			return
		}
	}
}
