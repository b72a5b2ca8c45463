package chat

import (
	"sync"
	"time"
)

// RateLimiter throttles turn submissions per participant. One limiter is
// shared by POST /api/chat/messages and websocket input frames, so both
// surfaces draw from the same budget. It is keyed by the exp_participant
// cookie id rather than participant:tab, which means opening more tabs does
// not buy more turns. Intake lines count as turns; session reads and resets
// are not limited.
type RateLimiter struct {
	mu     sync.Mutex
	turns  map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows limit turns per participant in any window-long
// span. Idle participants are forgotten once a window passes without a turn.
// Handler.Close stops the sweeper.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		turns:  make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow records a turn for participantID and reports whether it fits the
// budget. Rejected attempts are not recorded, so a client that keeps retrying
// is admitted again as soon as its oldest turn leaves the window.
func (r *RateLimiter) Allow(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := keepSince(r.turns[participantID], now.Add(-r.window))
	if len(recent) >= r.limit {
		r.turns[participantID] = recent
		return false
	}
	r.turns[participantID] = append(recent, now)
	return true
}

// Stop ends the sweeper. It is safe to call more than once.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *RateLimiter) sweep() {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evict()
		}
	}
}

// evict drops participants with no turn inside the window.
func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for id, times := range r.turns {
		if recent := keepSince(times, cutoff); len(recent) > 0 {
			r.turns[id] = recent
		} else {
			delete(r.turns, id)
		}
	}
}

// keepSince returns the suffix of times newer than cutoff. Times are appended
// in order, so the first fresh entry ends the scan.
func keepSince(times []time.Time, cutoff time.Time) []time.Time {
	for i, t := range times {
		if t.After(cutoff) {
			return times[i:]
		}
	}
	return nil
}
