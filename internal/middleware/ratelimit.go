package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterPruneSize = 4096
)

type scopeLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ScopeLimiter is a token bucket per tenant scope. Safe for concurrent use.
type ScopeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*scopeLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// NewScopeLimiter allows perMinute turns per scope with the given burst.
func NewScopeLimiter(perMinute, burst int) *ScopeLimiter {
	return &ScopeLimiter{
		limiters: make(map[string]*scopeLimiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow takes one token for key. When the bucket is empty it reports how
// long the caller should wait instead.
func (l *ScopeLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= limiterPruneSize {
			l.prune(now)
		}
		entry = &scopeLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	r := entry.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *ScopeLimiter) prune(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.limiters, key)
		}
	}
}

// TurnRateLimit rejects chat turns of a scope that exceeds its budget with
// 429 and a Retry-After header. Requests without a valid scope pass through
// so the controller can report the real problem.
func TurnRateLimit(l *ScopeLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := Scope(c)
		if !scope.Valid() {
			c.Next()
			return
		}

		allowed, wait := l.Allow(scope.Key())
		if allowed {
			c.Next()
			return
		}

		metrics.RateLimited.Inc()
		logger.WithScope(scope.CompanyID, scope.ProjectID, scope.ServerID, "rate_limit").
			WithField("retry_after", wait.String()).
			Warn("Chat turn rate limited")

		seconds := int(math.Ceil(wait.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   fmt.Sprintf("Too many messages for this server, retry in %ds", seconds),
			"code":    "rate_limited",
		})
	}
}
