package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Buckets idle for longer than bucketIdle are dropped on the next sweep.
const (
	bucketSweep = 5 * time.Minute
	bucketIdle  = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// buckets holds one token bucket per key: a client IP for the whole API, a
// device identity for action logging.
type buckets struct {
	limit rate.Limit
	burst int

	mu   sync.Mutex
	byID map[string]*bucket
}

func newBuckets(ctx context.Context, limit rate.Limit, burst int) *buckets {
	b := &buckets{limit: limit, burst: burst, byID: make(map[string]*bucket)}
	go func() {
		ticker := time.NewTicker(bucketSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.sweep(now)
			}
		}
	}()
	return b
}

func (b *buckets) allow(key string) bool {
	b.mu.Lock()
	bk, ok := b.byID[key]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.byID[key] = bk
	}
	bk.lastSeen = time.Now()
	b.mu.Unlock()
	return bk.limiter.Allow()
}

func (b *buckets) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, bk := range b.byID {
		if now.Sub(bk.lastSeen) > bucketIdle {
			delete(b.byID, key)
		}
	}
}

func tooManyRequests(c *gin.Context, msg string) {
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": msg})
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. rps is the steady-state requests per second; burst is the
// maximum burst size. Stale entries are cleaned until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	b := newBuckets(ctx, rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !b.allow(c.ClientIP()) {
			tooManyRequests(c, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// IdentityRateLimiter caps how many actions one device identity may log per
// minute, whichever address it calls from. It must run after RequireToken;
// requests without claims fall back to the client IP. The burst is ten
// seconds' worth of the allowance.
func IdentityRateLimiter(ctx context.Context, perMinute int) gin.HandlerFunc {
	burst := max(1, perMinute/6)
	b := newBuckets(ctx, rate.Every(time.Minute/time.Duration(perMinute)), burst)
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if claims := ClaimsFromCtx(c); claims != nil {
			key = "sub:" + claims.Subject
		}
		if !b.allow(key) {
			tooManyRequests(c, "action rate exceeded for identity")
			return
		}
		c.Next()
	}
}
