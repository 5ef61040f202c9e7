package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaleWriteIsRetryable(t *testing.T) {
	err := ErrStaleWrite("")
	assert.Equal(t, CodeStaleWrite, err.Code)
	assert.Equal(t, http.StatusConflict, err.HTTPStatus)
	assert.True(t, err.Retryable)
	assert.True(t, IsRetryable(fmt.Errorf("accept: %w", err)))
}

func TestIllegalTransitionIsNotRetryable(t *testing.T) {
	err := ErrIllegalTransition("placed", "delivered")
	assert.Equal(t, CodeIllegalTransition, err.Code)
	assert.False(t, err.Retryable)
	assert.Equal(t, "placed", err.Details["from"])
	assert.Equal(t, "delivered", err.Details["to"])
	assert.Equal(t, http.StatusUnprocessableEntity, err.HTTPStatus)
}

func TestMapDomainError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"stale", fmt.Errorf("stale write: expected placed"), CodeStaleWrite},
		{"illegal", fmt.Errorf("illegal transition placed -> delivered"), CodeIllegalTransition},
		{"not found", fmt.Errorf("order not found"), CodeNotFound},
		{"invalid", fmt.Errorf("invalid quantity"), CodeValidationError},
		{"deadline", fmt.Errorf("context deadline exceeded"), CodeTimeout},
		{"other", fmt.Errorf("boom"), CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapDomainError(tt.err)
			require.NotNil(t, mapped)
			assert.Equal(t, tt.code, mapped.Code)
			assert.ErrorIs(t, mapped, tt.err)
		})
	}

	assert.Nil(t, MapDomainError(nil))
}

func TestFromErrorKeepsAppError(t *testing.T) {
	original := ErrNotFoundWithID("order", "o-1")
	wrapped := fmt.Errorf("load: %w", original)

	assert.Same(t, original, FromError(wrapped))
	assert.True(t, HasCode(wrapped, CodeNotFound))
	assert.False(t, HasCode(wrapped, CodeConflict))
}

func TestMapDomainErrorUsesContextSentinels(t *testing.T) {
	err := fmt.Errorf("read snapshot: %w", context.DeadlineExceeded)
	mapped := MapDomainError(err)
	assert.Equal(t, CodeTimeout, mapped.Code)
	assert.True(t, mapped.Retryable)
}

func TestWithDetailsMerges(t *testing.T) {
	err := ErrValidation("bad").WithDetail("a", "1").WithDetails(map[string]string{"b": "2"})
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, err.Details)
	assert.Equal(t, "VALIDATION_ERROR: bad", err.Error())
}
