package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tulemar/ordersync/pkg/errors"
	"github.com/tulemar/ordersync/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter() *gin.Engine {
	router := gin.New()
	cfg := DefaultConfig("test", slog.New(slog.NewJSONHandler(io.Discard, nil)))
	cfg.EnableTracing = false
	Setup(router, cfg)
	return router
}

func TestRequestIDIsGeneratedOrPropagated(t *testing.T) {
	router := newRouter()
	var seen string
	router.GET("/x", func(c *gin.Context) {
		seen, _ = c.Request.Context().Value(logging.RequestIDKey).(string)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	assert.Equal(t, w.Header().Get(HeaderRequestID), seen)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
}

func TestRecoveryRendersInternalError(t *testing.T) {
	router := newRouter()
	router.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.CodeInternalError, resp.Code)
}

func TestErrorHandlerMapsAttachedErrors(t *testing.T) {
	router := newRouter()
	router.GET("/stale", WrapHandler(func(c *gin.Context) error {
		return apperrors.ErrStaleWrite("")
	}))
	router.GET("/plain", WrapHandler(func(c *gin.Context) error {
		return errors.New("order not found")
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stale", nil))
	require.Equal(t, http.StatusConflict, w.Code)
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Retryable)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActorHeaders(t *testing.T) {
	router := newRouter()
	router.GET("/who", RequireActor(), func(c *gin.Context) {
		id, role := GetActor(c)
		c.String(http.StatusOK, id+"/"+role)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(HeaderActorID, "s-1")
	req.Header.Set(HeaderActorRole, "shopper")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s-1/shopper", w.Body.String())
}

type body struct {
	OrderID string `json:"order_id" binding:"required,ident"`
	Count   int    `json:"count" binding:"gte=0"`
}

func TestBindAndValidateReportsFields(t *testing.T) {
	router := newRouter()
	router.POST("/bind", func(c *gin.Context) {
		var b body
		if appErr := BindAndValidate(c, &b); appErr != nil {
			AbortWithAppError(c, appErr)
			return
		}
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"valid", `{"order_id":"o-1","count":1}`, http.StatusNoContent, ""},
		{"missing id", `{"count":1}`, http.StatusBadRequest, "order_id"},
		{"bad id", `{"order_id":"has space"}`, http.StatusBadRequest, "order_id"},
		{"negative", `{"order_id":"o-1","count":-1}`, http.StatusBadRequest, "count"},
		{"not json", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/bind", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.field != "" {
				var resp APIErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Contains(t, resp.Details, tt.field)
			}
		})
	}
}

func TestValidateStruct(t *testing.T) {
	assert.Nil(t, ValidateStruct(struct {
		ID string `validate:"required,ident"`
	}{ID: "abc"}))
	appErr := ValidateStruct(struct {
		ID string `json:"id" validate:"required"`
	}{})
	require.NotNil(t, appErr)
	assert.Equal(t, "is required", appErr.Details["id"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	router := newRouter()
	router.GET("/only-get", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodGet, "/missing", http.StatusNotFound, "ROUTE_NOT_FOUND"},
		{http.MethodPost, "/only-get", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			require.Equal(t, tt.status, w.Code)

			var resp APIErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.path, resp.Path)
		})
	}
}

func TestReadinessCheck(t *testing.T) {
	ready := errors.New("mongodb unreachable")
	router := newRouter()
	router.GET("/ready", ReadinessCheck("test", func() error { return ready }))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "mongodb unreachable")

	ready = nil
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
