package blocklookup

import (
	"sync"
	"time"
)

// breaker tracks consecutive failures per endpoint. After threshold failures the endpoint is
// skipped until cooldown elapses, then it gets a fresh start.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu    sync.Mutex
	state map[string]*endpointState
}

type endpointState struct {
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, state: map[string]*endpointState{}}
}

func (b *breaker) allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[endpoint]
	if !ok || s.openUntil.IsZero() {
		return true
	}
	if time.Now().Before(s.openUntil) {
		return false
	}
	delete(b.state, endpoint)
	return true
}

func (b *breaker) failure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[endpoint]
	if !ok {
		s = &endpointState{}
		b.state[endpoint] = s
	}
	if s.failures++; s.failures >= b.threshold {
		s.openUntil = time.Now().Add(b.cooldown)
	}
}

func (b *breaker) success(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, endpoint)
}
