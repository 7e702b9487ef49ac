package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"
	"sentinal-e2ee/pkg/logger"
)

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch sentinal_errors.Kind(err) {
	case sentinal_errors.ErrValidation:
		return http.StatusBadRequest
	case sentinal_errors.ErrUnauthorized:
		return http.StatusUnauthorized
	case sentinal_errors.ErrAccessDenied:
		return http.StatusForbidden
	case sentinal_errors.ErrNotFound:
		return http.StatusNotFound
	case sentinal_errors.ErrNotInitialized, sentinal_errors.ErrConflict, sentinal_errors.ErrAlreadyExists:
		return http.StatusConflict
	case sentinal_errors.ErrCrypto:
		return http.StatusUnprocessableEntity
	case sentinal_errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case sentinal_errors.ErrStorage, sentinal_errors.ErrCache, sentinal_errors.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders the last error a handler attached with c.Error.
// Internal and storage details stay in the log.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := StatusFor(err)
		msg := ""
		if status >= http.StatusInternalServerError {
			if l != nil {
				l.WithContext(c.Request.Context()).Error("request failed", zap.Int("status", status), zap.Error(err))
			}
			msg = http.StatusText(status)
		}
		c.JSON(status, httpdto.ErrorFrom(err, msg))
	}
}
