package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tulemar/ordersync/pkg/errors"
)

// APIErrorResponse is the JSON body of every non-2xx response
type APIErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Timestamp string            `json:"timestamp"`
	Path      string            `json:"path"`
}

func errorBody(c *gin.Context, code, message string) APIErrorResponse {
	return APIErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: GetRequestID(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      c.Request.URL.Path,
	}
}

func appErrorBody(c *gin.Context, appErr *errors.AppError) APIErrorResponse {
	body := errorBody(c, appErr.Code, appErr.Message)
	body.Details = appErr.Details
	body.Retryable = appErr.Retryable
	return body
}

// ErrorHandler renders the last error a handler attached with c.Error,
// unless the handler already wrote a response
func ErrorHandler(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 && !c.Writer.Written() {
			RespondError(c, logger, c.Errors.Last().Err)
		}
	}
}

// WrapHandler adapts a handler that returns its error to ErrorHandler
func WrapHandler(handler func(*gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := handler(c); err != nil {
			_ = c.Error(err)
		}
	}
}

// RespondError maps err to an AppError, logs it and writes the response.
// Client errors log at warn, server errors at error.
func RespondError(c *gin.Context, logger *slog.Logger, err error) {
	appErr := errors.MapDomainError(err)
	if logger != nil {
		level := slog.LevelWarn
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		attrs := []any{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestId", GetRequestID(c),
		}
		if appErr.Err != nil {
			attrs = append(attrs, "error", appErr.Err.Error())
		}
		logger.Log(c.Request.Context(), level, appErr.Message, attrs...)
	}
	c.JSON(appErr.HTTPStatus, appErrorBody(c, appErr))
}

// AbortWithAppError stops the chain and writes appErr
func AbortWithAppError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, appErrorBody(c, appErr))
}
