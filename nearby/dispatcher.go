package nearby

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ApplyFunc runs on the dispatcher goroutine before fanout. It may rewrite
// the event or suppress it by returning false.
type ApplyFunc func(Event) (Event, bool)

// Dispatcher fans events out to listeners in the order they were posted.
// Post never blocks and never drops: events wait in an unbounded FIFO that a
// single goroutine drains.
type Dispatcher struct {
	logger *zap.Logger
	apply  ApplyFunc

	mu        sync.Mutex
	queue     []Event
	listeners []*Subscription
	nextID    uint64
	closed    bool

	wake chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// Subscription is a listener registration. Unsubscribe is idempotent and may
// be called from inside a listener callback.
type Subscription struct {
	d      *Dispatcher
	id     uint64
	kind   Kind
	fn     func(Event)
	active atomic.Bool
}

// NewDispatcher creates a stopped dispatcher. apply may be nil.
func NewDispatcher(logger *zap.Logger, apply ApplyFunc) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger: logger,
		apply:  apply,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.loop()
	})
}

// Close stops accepting events, delivers everything already queued and
// waits for the delivery goroutine. It must not be called from a listener.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.signal()

		d.Start()
		<-d.done
	})
}

// Post queues event for delivery. It returns false after Close.
func (d *Dispatcher) Post(event Event) bool {
	if event == nil {
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, event)
	d.mu.Unlock()

	d.signal()
	return true
}

// Sync waits until every event posted before the call has been delivered.
func (d *Dispatcher) Sync(ctx context.Context) error {
	marker := barrier{done: make(chan struct{})}
	if !d.Post(marker) {
		return ErrSessionClosed
	}

	select {
	case <-marker.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeAll registers fn for every event kind.
func (d *Dispatcher) SubscribeAll(fn func(Event)) *Subscription {
	return d.subscribe("", fn)
}

// Subscribe registers fn for events of type E. An interface E has no kind
// of its own and is matched against every event.
func Subscribe[E Event](d *Dispatcher, fn func(E)) *Subscription {
	var zero E
	var kind Kind
	if any(zero) != nil {
		kind = zero.Kind()
	}
	return d.subscribe(kind, func(event Event) {
		if typed, ok := event.(E); ok {
			fn(typed)
		}
	})
}

// Unsubscribe removes the listener. Events already being delivered to other
// listeners are unaffected; this listener receives nothing further.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}

	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, listener := range d.listeners {
		if listener == s {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) subscribe(kind Kind, fn func(Event)) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &Subscription{d: d, id: d.nextID, kind: kind, fn: fn}
	sub.active.Store(true)
	d.listeners = append(d.listeners, sub)
	return sub
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	for {
		event, ok := d.next()
		if !ok {
			return
		}

		if marker, isBarrier := event.(barrier); isBarrier {
			close(marker.done)
			continue
		}

		if d.apply != nil {
			var publish bool
			event, publish = d.apply(event)
			if !publish {
				continue
			}
		}
		d.fanout(event)
	}
}

func (d *Dispatcher) next() (Event, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			event := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return event, true
		}
		closed := d.closed
		d.mu.Unlock()

		if closed {
			return nil, false
		}
		<-d.wake
	}
}

func (d *Dispatcher) fanout(event Event) {
	d.mu.Lock()
	targets := make([]*Subscription, 0, len(d.listeners))
	for _, listener := range d.listeners {
		if listener.kind == "" || listener.kind == event.Kind() {
			targets = append(targets, listener)
		}
	}
	d.mu.Unlock()

	for _, listener := range targets {
		if !listener.active.Load() {
			continue
		}
		d.deliver(listener, event)
	}
}

func (d *Dispatcher) deliver(listener *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener panicked",
				zap.Uint64("subscription", listener.id),
				zap.String("kind", string(event.Kind())),
				zap.String("endpoint_id", event.Endpoint()),
				zap.Any("panic", r),
			)
		}
	}()
	listener.fn(event)
}
