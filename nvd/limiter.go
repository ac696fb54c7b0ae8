package nvd

import "time"

// Delays follow the source's published ceiling: 50 requests per 30
// seconds with an API key, 5 per 30 seconds without.
const (
	keyedDelay   = 750 * time.Millisecond
	keylessDelay = 6 * time.Second
	maxDelay     = 2 * time.Minute
)

// State is the limiter's persistable state. It lives in memory for the
// duration of one invocation and is written to the store between
// invocations so backoff survives a process restart.
type State struct {
	LastRequest       time.Time `json:"lastRequest"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
}

// Limiter enforces the minimum inter-request delay for the primary
// source. All outbound requests share a single limiter and block until
// the delay since the previous request has elapsed.
type Limiter struct {
	base  time.Duration
	max   time.Duration
	state State

	now   func() time.Time
	sleep func(time.Duration)
}

type limiterOption func(*Limiter)

// WithBaseDelay overrides the minimum inter-request delay.
func WithBaseDelay(d time.Duration) limiterOption {
	return func(l *Limiter) {
		l.base = d
	}
}

// WithMaxDelay overrides the backoff ceiling.
func WithMaxDelay(d time.Duration) limiterOption {
	return func(l *Limiter) {
		l.max = d
	}
}

// NewLimiter returns a limiter tuned to whether an API key is
// configured. Keyless clients get the roughly 8x longer delay.
func NewLimiter(hasAPIKey bool, opts ...limiterOption) *Limiter {
	l := &Limiter{
		base:  keylessDelay,
		max:   maxDelay,
		now:   time.Now,
		sleep: time.Sleep,
	}
	if hasAPIKey {
		l.base = keyedDelay
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Delay returns the current inter-request delay:
// min(base * 2^consecutiveErrors, max).
func (l *Limiter) Delay() time.Duration {
	d := l.base
	for i := 0; i < l.state.ConsecutiveErrors; i++ {
		d *= 2
		if d >= l.max {
			return l.max
		}
	}
	return d
}

// Wait blocks until the current delay has elapsed since the previous
// request, then records the request time.
func (l *Limiter) Wait() {
	if elapsed := l.now().Sub(l.state.LastRequest); elapsed < l.Delay() {
		l.sleep(l.Delay() - elapsed)
	}
	l.state.LastRequest = l.now()
}

// Backoff records a rate-limit rejection and sleeps the recomputed
// delay before the caller's single retry.
func (l *Limiter) Backoff() {
	l.state.ConsecutiveErrors++
	l.sleep(l.Delay())
	l.state.LastRequest = l.now()
}

// Reset clears the consecutive-error counter after a successful
// response.
func (l *Limiter) Reset() {
	l.state.ConsecutiveErrors = 0
}

// State returns a copy of the limiter state for persistence.
func (l *Limiter) State() State {
	return l.state
}

// Restore replaces the limiter state with one loaded from the store.
func (l *Limiter) Restore(s State) {
	l.state = s
}
