package gossip

import "slices"

// session is the propagation state kept for one neighbor. A value is in at
// most one of pending and inflight, and never in either once it is known.
type session struct {
	neighbor string
	pending  map[int]struct{}
	inflight map[int]struct{} // nil when no batch is outstanding
	known    map[int]struct{}
	retries  int
	state    State
}

func newSession(neighbor string) *session {
	return &session{
		neighbor: neighbor,
		pending:  make(map[int]struct{}),
		known:    make(map[int]struct{}),
	}
}

func (s *session) enqueue(values []int) {
	for _, v := range values {
		if _, ok := s.known[v]; ok {
			continue
		}
		if _, ok := s.inflight[v]; ok {
			continue
		}
		s.pending[v] = struct{}{}
	}
}

// observe records values the neighbor has proven it holds.
func (s *session) observe(values []int) {
	for _, v := range values {
		s.known[v] = struct{}{}
		delete(s.pending, v)
	}
}

func (s *session) busy() bool { return s.inflight != nil }

// take moves the whole pending set into flight.
func (s *session) take() []int {
	var batch []int
	for v := range s.pending {
		batch = append(batch, v)
	}
	slices.Sort(batch)
	s.inflight = make(map[int]struct{}, len(batch))
	for _, v := range batch {
		s.inflight[v] = struct{}{}
	}
	clear(s.pending)
	return batch
}

func (s *session) ack(batch []int) {
	s.inflight = nil
	s.retries = 0
	s.observe(batch)
}

// fail puts an unacknowledged batch back in the queue.
func (s *session) fail(batch []int) {
	s.inflight = nil
	s.retries++
	s.enqueue(batch)
}

// resync queues every value of snapshot the neighbor is not known to hold.
func (s *session) resync(snapshot []int) {
	s.enqueue(snapshot)
}

func (s *session) backlog() int {
	return len(s.pending) + len(s.inflight)
}
