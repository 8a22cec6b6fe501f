package broker

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds each subscription's pending queue when the caller
// does not configure one.
const DefaultQueueSize = 1000

// Bus is an in-process Broker. Each subscription owns a bounded queue and a
// dispatch goroutine; when a queue is full the oldest envelope is dropped so
// a stalled consumer can never block publishers or other consumers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*busSubscription]struct{}
	closed bool

	queueSize  int
	onOverflow OverflowFunc
	logger     *zap.Logger
}

type busSubscription struct {
	bus     *Bus
	pattern string
	handler Handler

	mu     sync.Mutex
	queue  []Envelope
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewBus creates an in-process broker. queueSize <= 0 selects
// DefaultQueueSize. onOverflow may be nil.
func NewBus(queueSize int, onOverflow OverflowFunc, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:       make(map[*busSubscription]struct{}),
		queueSize:  queueSize,
		onOverflow: onOverflow,
		logger:     logger,
	}
}

// Publish fans the envelope out to every matching subscription without
// blocking. Full queues drop their oldest entry.
func (b *Bus) Publish(env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New("bus is closed")
	}

	for sub := range b.subs {
		if TopicMatches(sub.pattern, env.Topic) {
			sub.enqueue(env)
		}
	}
	return nil
}

// Subscribe registers a handler for a topic pattern and starts its dispatch
// goroutine.
func (b *Bus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("bus is closed")
	}

	sub := &busSubscription{
		bus:     b,
		pattern: pattern,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	go sub.dispatchLoop()
	return sub, nil
}

// Close shuts down every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*busSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*busSubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}

func (s *busSubscription) enqueue(env Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	var dropped *Envelope
	if len(s.queue) >= s.bus.queueSize {
		d := s.queue[0]
		dropped = &d
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	if dropped != nil {
		s.bus.logger.Sugar().Warnf("Subscription %q queue full, dropped oldest message on topic %s.", s.pattern, dropped.Topic)
		if s.bus.onOverflow != nil {
			s.bus.onOverflow(dropped.Topic, *dropped)
		}
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *busSubscription) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(env)
		}
	}
}

// deliver isolates handler panics so one bad consumer cannot take down the
// dispatch goroutine.
func (s *busSubscription) deliver(env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Sugar().Errorf("Handler for %q panicked on topic %s: %v", s.pattern, env.Topic, r)
		}
	}()
	s.handler(env)
}

func (s *busSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
}

func (s *busSubscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}
