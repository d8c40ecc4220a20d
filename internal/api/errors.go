package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ineyio/tokengate"
)

func errorPayload(message, typ string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": typ}}
}

// httpStatus maps a gateway error to a status code and a client-safe
// message. Server-side failures never expose their detail.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, tokengate.ErrAuthFailed):
		return http.StatusUnauthorized, "invalid or missing API key"
	case errors.Is(err, tokengate.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, tokengate.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "weekly token quota exceeded"
	case errors.Is(err, tokengate.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tokengate.ErrAllProvidersUnavailable), errors.Is(err, tokengate.ErrNoProviders):
		return http.StatusServiceUnavailable, "no provider is available"
	case tokengate.IsRetryable(err):
		return http.StatusBadGateway, "upstream provider error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream provider timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError renders err as JSON with the headers its class calls for.
func (s *Server) writeError(c *gin.Context, err error) {
	status, msg := httpStatus(err)
	body := gin.H{"message": msg, "type": tokengate.ErrorClass(err)}

	var rle *tokengate.RateLimitError
	if errors.As(err, &rle) {
		c.Header("X-RateLimit-Limit", strconv.Itoa(rle.Limit))
		c.Header("X-RateLimit-Remaining", "0")
		setRetryAfter(c, rle.RetryAfter)
	}
	var qe *tokengate.QuotaError
	if errors.As(err, &qe) {
		body["remaining"] = qe.Remaining
		body["requested"] = qe.Requested
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", c.GetString(requestIDKey),
			"status", status,
			"error", err,
		)
	}
	c.JSON(status, gin.H{"error": body})
}

// setRateHeaders publishes the caller's bucket state.
func setRateHeaders(c *gin.Context, d *tokengate.RateDecision) {
	if d == nil {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetAfter)))
	if !d.Allowed {
		setRetryAfter(c, d.RetryAfter)
	}
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	c.Header("Retry-After", strconv.Itoa(max(ceilSeconds(d), 1)))
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
