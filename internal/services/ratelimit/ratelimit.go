package ratelimit

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/coordinator"
)

// sessionWindow is the fixed window for audit session creation
const sessionWindow = time.Hour

// Limiter enforces coordinator-backed fixed-window rate limits. The window
// counter is incremented and expired in one server-side script, so
// concurrent requests cannot lose the expiry.
type Limiter struct {
	coord  *coordinator.Client
	logger arbor.ILogger
}

// NewLimiter creates a rate limiter
func NewLimiter(coord *coordinator.Client, logger arbor.ILogger) *Limiter {
	return &Limiter{
		coord:  coord,
		logger: logger,
	}
}

// AllowAuditSession reports whether the user may create another audit
// session this hour. Coordinator errors fail open; rate limiting protects
// capacity, it is not a security boundary.
func (l *Limiter) AllowAuditSession(ctx context.Context, userID, tenantID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	key := coordinator.AuditSessionRateKey(userID, tenantID)
	count, err := l.coord.IncrementWindow(ctx, key, sessionWindow)
	if err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("Rate limit check failed, allowing request")
		return true
	}

	return count <= int64(limit)
}
