package store

import (
	"sync"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
)

// hub fans committed writes out to subscriptions. Each subscription owns a
// goroutine and an unbounded ordered queue, so a slow subscriber never blocks
// writers or other subscribers.
type hub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscription
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*subscription)}
}

type subscription struct {
	match func(*trip.Trip) bool
	fn    func(trip.Change)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []trip.Change
	closed bool
}

// subscribe registers match/fn and enqueues the initial snapshot before any
// later publish can be observed. snapshot runs with the hub locked.
func (h *hub) subscribe(match func(*trip.Trip) bool, fn func(trip.Change), snapshot func() ([]*trip.Trip, error)) (trip.Unsubscribe, error) {
	s := &subscription{match: match, fn: fn}
	s.cond = sync.NewCond(&s.mu)

	h.mu.Lock()
	initial, err := snapshot()
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	for _, t := range initial {
		if match(t) {
			s.queue = append(s.queue, trip.Change{Kind: trip.ChangeAdded, Trip: t.Clone()})
		}
	}
	h.next++
	id := h.next
	h.subs[id] = s
	h.mu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			s.close()
		})
	}, nil
}

// publish is called with prev == nil for a newly created document.
func (h *hub) publish(prev, cur *trip.Trip) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		was := prev != nil && s.match(prev)
		is := s.match(cur)
		var kind trip.ChangeKind
		switch {
		case !was && is:
			kind = trip.ChangeAdded
		case was && is:
			kind = trip.ChangeModified
		case was && !is:
			kind = trip.ChangeRemoved
		default:
			continue
		}
		s.push(trip.Change{Kind: kind, Trip: cur.Clone()})
	}
}

// len returns the number of live subscriptions
func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// closeAll cancels every subscription
func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscription)
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *subscription) push(c trip.Change) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, c)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// close never waits for a running callback, so it is safe to call from
// inside one. Queued changes are dropped.
func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue[0] = trip.Change{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.isClosed() {
			return
		}
		s.fn(c)
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
