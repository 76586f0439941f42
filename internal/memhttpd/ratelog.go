package memhttpd

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger emits at most one warning per interval and counts what it swallowed.
type rateLimitedLogger struct {
	log      *zap.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	if l.dropped > 0 {
		fields = append(fields, zap.Int("suppressed", l.dropped))
		l.dropped = 0
	}
	l.log.Warn(msg, fields...)
}
