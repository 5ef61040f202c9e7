package idempotency

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tulemar/ordersync/pkg/errors"
	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/metrics"
	"github.com/tulemar/ordersync/pkg/middleware"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from a stored record
	HeaderReplayed = "Idempotent-Replayed"

	// CodeKeyReused is returned when a key arrives with a different request
	CodeKeyReused = "IDEMPOTENCY_KEY_REUSED"
)

// Config configures the middleware
type Config struct {
	Store   Store
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// RequireKey rejects mutating requests without a key
	RequireKey      bool
	MaxKeyLength    int
	LockTimeout     time.Duration
	Retention       time.Duration
	MaxResponseSize int

	// Scope namespaces keys per caller; the default is the actor id
	Scope func(*gin.Context) string
}

// DefaultConfig returns a Config over store with default limits
func DefaultConfig(store Store) *Config {
	return &Config{
		Store:           store,
		MaxKeyLength:    DefaultMaxKeyLength,
		LockTimeout:     DefaultLockTimeout,
		Retention:       DefaultRetention,
		MaxResponseSize: DefaultMaxResponseSize,
	}
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware returns the gin middleware for keyed write requests
func Middleware(config *Config) gin.HandlerFunc {
	cfg := *config
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	logger := cfg.Logger.WithComponent("idempotency")
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	if cfg.Scope == nil {
		cfg.Scope = func(c *gin.Context) string {
			id, _ := middleware.GetActor(c)
			return id
		}
	}

	return func(c *gin.Context) {
		if !isMutating(c.Request.Method) {
			c.Next()
			return
		}

		key := NormalizeKey(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			if cfg.RequireKey {
				middleware.AbortWithAppError(c, errors.ErrBadRequest("Idempotency-Key header is required"))
				return
			}
			c.Next()
			return
		}
		if err := ValidateKey(key, cfg.MaxKeyLength); err != nil {
			middleware.AbortWithAppError(c, errors.ErrValidation(err.Error()).WithDetail("header", HeaderIdempotencyKey))
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		ctx := c.Request.Context()
		now := time.Now().UTC()
		scope := cfg.Scope(c)
		rec := &Record{
			ID:          RecordID(scope, key),
			Key:         key,
			Scope:       scope,
			Method:      c.Request.Method,
			Path:        c.Request.URL.Path,
			Fingerprint: Fingerprint(c.Request.Method, c.Request.URL.Path, body),
			CreatedAt:   now,
			ExpiresAt:   now.Add(cfg.Retention),
		}

		stored, owned, err := cfg.Store.Acquire(ctx, rec, now.Add(-cfg.LockTimeout))
		if err != nil {
			logger.WithContext(ctx).WithError(err).Error("Failed to acquire idempotency key", "key", key)
			cfg.Metrics.RecordIdempotency("storage_error")
			middleware.AbortWithAppError(c, errors.ErrServiceUnavailable("idempotency store"))
			return
		}

		if stored.Fingerprint != rec.Fingerprint {
			cfg.Metrics.RecordIdempotency("mismatch")
			middleware.AbortWithAppError(c, errors.NewAppError(CodeKeyReused,
				"Idempotency-Key was already used for a different request", http.StatusUnprocessableEntity))
			return
		}

		if !owned {
			if stored.IsCompleted() {
				cfg.Metrics.RecordIdempotency("hit")
				logger.WithContext(ctx).Debug("Replaying stored response", "key", key, "status", stored.StatusCode)
				c.Header(HeaderReplayed, "true")
				c.Data(stored.StatusCode, stored.ContentType, stored.Body)
				c.Abort()
				return
			}
			cfg.Metrics.RecordIdempotency("in_progress")
			appErr := errors.ErrConflict("a request with this Idempotency-Key is still being processed")
			appErr.Retryable = true
			middleware.AbortWithAppError(c, appErr)
			return
		}

		cfg.Metrics.RecordIdempotency("miss")
		writer := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = writer

		c.Next()

		// The client may be gone; the outcome is still recorded.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		status := writer.Status()
		if status >= http.StatusInternalServerError || writer.body.Len() > cfg.MaxResponseSize {
			if err := cfg.Store.Release(saveCtx, rec.ID); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("Failed to release idempotency key", "key", key)
			}
			return
		}
		contentType := writer.Header().Get("Content-Type")
		if err := cfg.Store.Complete(saveCtx, rec.ID, status, writer.body.Bytes(), contentType); err != nil {
			cfg.Metrics.RecordIdempotency("storage_error")
			logger.WithContext(ctx).WithError(err).Error("Failed to store idempotent response", "key", key)
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
