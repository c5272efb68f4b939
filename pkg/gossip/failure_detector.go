package gossip

import (
	"math"
	"sync"
	"time"
)

// FailureDetector tracks when each neighbor last answered and how
// suspicious its silence is.
type FailureDetector interface {
	Observe(id string, t time.Time) // called when an ack is received
	Phi(id string, now time.Time) float64
}

// phiAccrual is the phi accrual failure detector with exponentially
// distributed inter-arrival times: phi = elapsed / mean * log10(e).
type phiAccrual struct {
	window  int
	minMean time.Duration

	mu    sync.Mutex
	peers map[string]*arrivals
}

type arrivals struct {
	last      time.Time
	intervals []time.Duration
	next      int
}

func newPhiAccrual(window int, minMean time.Duration) *phiAccrual {
	return &phiAccrual{
		window:  window,
		minMean: minMean,
		peers:   make(map[string]*arrivals),
	}
}

func (d *phiAccrual) Observe(id string, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.peers[id]
	if !ok {
		d.peers[id] = &arrivals{last: t}
		return
	}
	if gap := t.Sub(a.last); gap > 0 {
		if len(a.intervals) < d.window {
			a.intervals = append(a.intervals, gap)
		} else {
			a.intervals[a.next] = gap
			a.next = (a.next + 1) % d.window
		}
	}
	a.last = t
}

// Phi is 0 for peers never observed.
func (d *phiAccrual) Phi(id string, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.peers[id]
	if !ok {
		return 0
	}
	mean := d.minMean
	if len(a.intervals) > 0 {
		var sum time.Duration
		for _, iv := range a.intervals {
			sum += iv
		}
		mean = max(mean, sum/time.Duration(len(a.intervals)))
	}
	elapsed := now.Sub(a.last)
	if elapsed <= 0 || mean <= 0 {
		return 0
	}
	return float64(elapsed) / float64(mean) * math.Log10E
}
