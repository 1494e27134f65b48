package httpserver

import (
	"math"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/sessionlock/internal/platform/errors"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter limits the control API per client address. Page lifecycle
// notifications are never limited: dropping a pagehide would leave the
// heartbeat running for a context that is gone. A non-positive rate turns
// the limiter off.
func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	if ratePerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     max(burst, 1),
			ExpiresIn: rateLimiterExpiry,
		},
	)
	retryAfter := int(math.Ceil(1 / ratePerSecond))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: isLifecycleRequest,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			return HandleError(c, apperrors.RateLimitedError("rate limit exceeded").
				WithField("client", identifier).
				WithField("retry_after_seconds", retryAfter))
		},
	})
}

func isLifecycleRequest(c echo.Context) bool {
	return strings.HasPrefix(c.Path(), "/api/v1/lifecycle/") ||
		strings.HasPrefix(c.Request().URL.Path, "/api/v1/lifecycle/")
}
