package telemetry

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Subscription.Next once the subscription is closed
// or has already yielded Done.
var ErrClosed = errors.New("subscription closed")

// Bus fans events out to the subscriptions of a job id. The zero value is
// not usable, call NewBus.
type Bus struct {
	mx   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new Subscription to jobID. It receives every event
// published for jobID from now on.
func (b *Bus) Subscribe(jobID string) *Subscription {
	s := &Subscription{
		bus:    b,
		jobID:  jobID,
		notify: make(chan struct{}, 1),
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[s] = struct{}{}
	return s
}

// Unsubscribe detaches s. It is safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.detach(s)
	s.close()
}

func (b *Bus) detach(s *Subscription) {
	b.mx.Lock()
	defer b.mx.Unlock()
	set, ok := b.subs[s.jobID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.jobID)
	}
}

// Publish delivers e to every subscription of e.Job(). It never blocks on a
// slow subscriber. Publishing to a job without subscribers is a no-op. A
// Done event detaches all subscriptions of the job after delivery.
func (b *Bus) Publish(e Event) {
	b.mx.Lock()
	defer b.mx.Unlock()

	set := b.subs[e.Job()]
	for s := range set {
		s.push(e)
	}
	if _, done := e.(Done); done {
		delete(b.subs, e.Job())
	}
}

// Subscribers returns the number of live subscriptions of jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.subs[jobID])
}

// Subscription is one observer of a job. Events are queued without bound
// until read with Next.
type Subscription struct {
	bus   *Bus
	jobID string

	mx      sync.Mutex
	queue   []Event
	gotDone bool
	closed  bool
	notify  chan struct{}
}

// JobID returns the job the subscription observes.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Inject queues e for this subscription only. It is used to hand a Done to
// a subscriber of a job that has already finished.
func (s *Subscription) Inject(e Event) {
	s.push(e)
}

func (s *Subscription) push(e Event) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed || s.gotDone {
		return
	}
	if _, done := e.(Done); done {
		s.gotDone = true
	}
	s.queue = append(s.queue, e)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is done or the subscription
// is exhausted. After Done has been returned, Next returns ErrClosed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mx.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mx.Unlock()
			if _, done := e.(Done); done {
				s.bus.Unsubscribe(s)
			}
			return e, nil
		}
		if s.closed || s.gotDone {
			s.mx.Unlock()
			return nil, ErrClosed
		}
		s.mx.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *Subscription) close() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
