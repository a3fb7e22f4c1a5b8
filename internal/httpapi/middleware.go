package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func metricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status()), time.Since(start).Seconds())
	}
}

// rateLimiter keeps one token bucket per caller and drops idle buckets on access.
type rateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	limit       rate.Limit
	burst       int
	ttl         time.Duration
	lastCleanup time.Time
	nowFn       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		ttl:      ttl,
		nowFn:    time.Now,
	}
}

func (limiter *rateLimiter) allow(key string) bool {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.nowFn()
	if now.Sub(limiter.lastCleanup) > limiter.ttl {
		for visitorKey, entry := range limiter.visitors {
			if now.Sub(entry.lastSeen) > limiter.ttl {
				delete(limiter.visitors, visitorKey)
			}
		}
		limiter.lastCleanup = now
	}

	entry, exists := limiter.visitors[key]
	if !exists {
		entry = &visitor{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.visitors[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// rateLimitMiddleware keys buckets by session user, falling back to the client IP.
func rateLimitMiddleware(limiter *rateLimiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		key := "ip:" + ctx.ClientIP()
		if claims := getClaims(ctx); claims != nil && claims.GetUserID() != "" {
			key = "user:" + claims.GetUserID()
		}
		if !limiter.allow(key) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "rate limit exceeded"))
			return
		}
		ctx.Next()
	}
}

// requireAdmin stores an AdminCapability for configured administrators and rejects everyone else.
func requireAdmin(cfg Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, ok := sessionUser(ctx)
		if !ok {
			ctx.Abort()
			return
		}
		if !cfg.isAdmin(userID.String()) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
			return
		}
		capability, err := ledger.NewAdminCapability(userID)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
			return
		}
		ctx.Set(capabilityContextKey, capability)
		ctx.Next()
	}
}
