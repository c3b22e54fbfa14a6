package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	relay "github.com/fixci/relay"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("invalid_request")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware renders the last error attached with
// AbortWithError as a JSON body.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

// AbortWithError records err for ErrorHandlingMiddleware and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "missing or invalid token"}
	case errors.Is(err, relay.ErrUnknownTier),
		errors.Is(err, relay.ErrInvalidTier):
		return http.StatusBadRequest, errorPayload{Type: "invalid_tier", Message: err.Error()}
	case errors.Is(err, relay.ErrInvalidStatus):
		return http.StatusBadRequest, errorPayload{Type: "invalid_status", Message: err.Error()}
	case errors.Is(err, relay.ErrInvalidRequest),
		errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, relay.ErrAccountNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errors.Is(err, relay.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "no_provider", Message: "no analysis backend is configured"}
	case errors.Is(err, relay.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "unavailable", Message: "storage unavailable, retry later"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
