package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxIdleLimiters bounds the limiter map before idle entries are evicted
const maxIdleLimiters = 10000

// PatientLimiter keeps one token bucket per patient
type PatientLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewPatientLimiter allows perMinute requests per patient with the given burst.
// A non-positive perMinute disables limiting.
func NewPatientLimiter(perMinute, burst int) *PatientLimiter {
	if perMinute <= 0 {
		return &PatientLimiter{limit: rate.Inf}
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &PatientLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

// Allow reports whether the patient may make another request now
func (l *PatientLimiter) Allow(patientID string) bool {
	if l.limit == rate.Inf {
		return true
	}
	return l.getLimiter(patientID).Allow()
}

func (l *PatientLimiter) getLimiter(patientID string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[patientID]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double check to prevent race condition
	if limiter, exists = l.limiters[patientID]; exists {
		return limiter
	}

	if len(l.limiters) >= maxIdleLimiters {
		l.evictIdle()
	}

	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[patientID] = limiter
	return limiter
}

// evictIdle drops limiters whose bucket has refilled, which behave the same as new ones
func (l *PatientLimiter) evictIdle() {
	for id, limiter := range l.limiters {
		if limiter.Tokens() >= float64(l.burst) {
			delete(l.limiters, id)
		}
	}
}
