// Package mplog provides the loggers used throughout the pool layers
// and a time-based limiter for warnings that can flood under repeated
// misuse (stale handles in particular).
package mplog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Nop returns a logger that discards everything. Pools default to it
// when the caller supplies no logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Dev returns a human-readable stderr logger for tests and tools.
func Dev() *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}

// Limiter admits at most one event per interval. The error itself is
// always returned to the caller; only the logging is suppressed.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return false
	}
	l.last = now
	return true
}
