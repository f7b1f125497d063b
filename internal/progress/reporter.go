package progress

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is given zero
const DefaultSubscriberBuffer = 1024

// Reporter fans progress events out to subscribers. Delivery is best-effort: a subscriber
// whose buffer is full misses the event, and the run carries on regardless.
type Reporter struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	logger  *zap.Logger
}

// Subscription receives events on C until it is cancelled or the reporter closes
type Subscription struct {
	C <-chan Event

	ch       chan Event
	id       uint64
	reporter *Reporter
	once     sync.Once
}

// NewReporter creates a reporter with no subscribers
func NewReporter(logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a new subscriber. On a closed reporter the returned channel is already closed.
func (r *Reporter) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, reporter: r}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		close(ch)
		sub.once.Do(func() {})
		return sub
	}

	r.nextID++
	sub.id = r.nextID
	r.subs[sub.id] = sub
	return sub
}

// Report delivers ev to every subscriber without blocking
func (r *Reporter) Report(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			r.dropped.Add(1)
			r.logger.Debug("Progress event dropped",
				zap.String("run_id", ev.RunID),
				zap.String("type", string(ev.Type)),
				zap.Uint64("subscriber", sub.id),
			)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (r *Reporter) Dropped() uint64 {
	return r.dropped.Load()
}

// Close ends every subscription. Later reports are discarded.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, sub := range r.subs {
		delete(r.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Cancel stops delivery to this subscription and closes its channel
func (s *Subscription) Cancel() {
	r := s.reporter
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
