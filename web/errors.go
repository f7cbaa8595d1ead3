package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tonearm/tonearm/activitypub"
	"github.com/tonearm/tonearm/metrics"
)

// statusFor maps a federation core error onto an HTTP status. 401 is reserved
// for missing or invalid signatures; an authenticated actor acting on an
// object it does not own gets 403.
func statusFor(err error) int {
	switch {
	case errors.Is(err, activitypub.ErrPolicyBlocked),
		errors.Is(err, activitypub.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, activitypub.ErrSignatureInvalid),
		errors.Is(err, activitypub.ErrClockSkew):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, activitypub.ErrRemoteFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// kindFor names the error category for the response body and metrics.
func kindFor(err error) string {
	switch {
	case errors.Is(err, activitypub.ErrPolicyBlocked):
		return "policy_blocked"
	case errors.Is(err, activitypub.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, activitypub.ErrClockSkew):
		return "clock_skew"
	case errors.Is(err, activitypub.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, activitypub.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, activitypub.ErrRemoteFetch):
		return "remote_fetch"
	default:
		return "internal"
	}
}

func abortWith(c *gin.Context, err error) {
	status := statusFor(err)
	kind := kindFor(err)
	if status >= 400 && status < 500 {
		metrics.RejectedRequests.WithLabelValues(kind).Inc()
	}
	c.JSON(status, gin.H{"error": kind, "detail": err.Error()})
}
