package idempotency_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulemar/ordersync/pkg/idempotency"
	"github.com/tulemar/ordersync/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	store  *idempotency.MemoryStore
	calls  atomic.Int32
	status int
}

func newFixture(t *testing.T, mutate func(*idempotency.Config)) *fixture {
	t.Helper()
	f := &fixture{store: idempotency.NewMemoryStore(), status: http.StatusOK}

	cfg := idempotency.DefaultConfig(f.store)
	if mutate != nil {
		mutate(cfg)
	}

	f.router = gin.New()
	f.router.Use(middleware.Actor(), idempotency.Middleware(cfg))
	f.router.POST("/orders/:id/accept", func(c *gin.Context) {
		n := f.calls.Add(1)
		c.JSON(f.status, gin.H{"call": n})
	})
	f.router.GET("/orders/:id", func(c *gin.Context) {
		f.calls.Add(1)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return f
}

func (f *fixture) do(method, path, key, actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(idempotency.HeaderIdempotencyKey, key)
	}
	if actor != "" {
		req.Header.Set(middleware.HeaderActorID, actor)
		req.Header.Set(middleware.HeaderActorRole, "shopper")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestReplaysCompletedResponse(t *testing.T) {
	f := newFixture(t, nil)

	first := f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{}`)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestWithoutKeyPassesThrough(t *testing.T) {
	f := newFixture(t, nil)

	f.do(http.MethodPost, "/orders/o-1/accept", "", "s-1", `{}`)
	f.do(http.MethodPost, "/orders/o-1/accept", "", "s-1", `{}`)

	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, 0, f.store.Len())
}

func TestRequireKey(t *testing.T) {
	f := newFixture(t, func(c *idempotency.Config) { c.RequireKey = true })

	w := f.do(http.MethodPost, "/orders/o-1/accept", "", "s-1", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.calls.Load())

	w = f.do(http.MethodGet, "/orders/o-1", "", "s-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvalidKey(t *testing.T) {
	f := newFixture(t, func(c *idempotency.Config) { c.MaxKeyLength = 8 })

	tests := []struct {
		name string
		key  string
	}{
		{"bad characters", "k 1/2"},
		{"too long", "abcdefghij"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/orders/o-1/accept", tt.key, "s-1", `{}`)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
		})
	}
	assert.Zero(t, f.calls.Load())
}

func TestKeyReusedForDifferentRequest(t *testing.T) {
	f := newFixture(t, nil)

	f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{"a":1}`)
	w := f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{"a":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), idempotency.CodeKeyReused)

	w = f.do(http.MethodPost, "/orders/o-2/accept", "k-1", "s-1", `{"a":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestKeysAreScopedPerActor(t *testing.T) {
	f := newFixture(t, nil)

	f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{}`)
	w := f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-2", `{}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestServerErrorIsNotStored(t *testing.T) {
	f := newFixture(t, nil)
	f.status = http.StatusInternalServerError

	w := f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	f.status = http.StatusOK
	w = f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestConflictIsStored(t *testing.T) {
	f := newFixture(t, nil)
	f.status = http.StatusConflict

	f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{}`)
	f.status = http.StatusOK
	w := f.do(http.MethodPost, "/orders/o-1/accept", "k-1", "s-1", `{}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestInProgressKeyIsRejected(t *testing.T) {
	store := idempotency.NewMemoryStore()
	id := idempotency.RecordID("s-1", "k-1")
	now := time.Now().UTC()
	_, owned, err := store.Acquire(context.Background(), &idempotency.Record{
		ID:          id,
		Key:         "k-1",
		Fingerprint: idempotency.Fingerprint(http.MethodPost, "/orders/o-1/accept", []byte(`{}`)),
		ExpiresAt:   now.Add(time.Hour),
	}, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, owned)

	router := gin.New()
	router.Use(middleware.Actor(), idempotency.Middleware(idempotency.DefaultConfig(store)))
	router.POST("/orders/:id/accept", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/orders/o-1/accept", strings.NewReader(`{}`))
	req.Header.Set(idempotency.HeaderIdempotencyKey, "k-1")
	req.Header.Set(middleware.HeaderActorID, "s-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"retryable":true`)
}

func TestStaleLockIsTakenOver(t *testing.T) {
	store := idempotency.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	rec := &idempotency.Record{ID: "s|k", Key: "k", ExpiresAt: now.Add(time.Hour)}

	_, owned, err := store.Acquire(ctx, rec, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, owned)

	_, owned, err = store.Acquire(ctx, rec, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, owned, "fresh lock is held")

	_, owned, err = store.Acquire(ctx, rec, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, owned, "lock older than the cutoff is taken over")
}

type failingStore struct{ idempotency.Store }

func (failingStore) Acquire(context.Context, *idempotency.Record, time.Time) (*idempotency.Record, bool, error) {
	return nil, false, errors.New("mongo down")
}

func TestStorageFailure(t *testing.T) {
	router := gin.New()
	router.Use(idempotency.Middleware(idempotency.DefaultConfig(failingStore{})))
	router.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{}`))
	req.Header.Set(idempotency.HeaderIdempotencyKey, "k-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPurge(t *testing.T) {
	store := idempotency.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := store.Acquire(ctx, &idempotency.Record{ID: "old", ExpiresAt: now.Add(time.Hour)}, now)
	require.NoError(t, err)
	_, _, err = store.Acquire(ctx, &idempotency.Record{ID: "new", ExpiresAt: now.Add(3 * time.Hour)}, now)
	require.NoError(t, err)

	n, err := store.Purge(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.Len())
}
