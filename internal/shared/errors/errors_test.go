package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsCarrySentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		sentinel error
		status   int
	}{
		{"not found", NotFound("complaint", "VG-2024-abcd"), ErrNotFound, http.StatusNotFound},
		{"validation", Validation("invalid", map[string]string{"title": "required"}), ErrValidation, http.StatusBadRequest},
		{"conflict", Conflict("version mismatch"), ErrConflict, http.StatusConflict},
		{"unauthorized", Unauthorized("no session"), ErrUnauthorized, http.StatusUnauthorized},
		{"unavailable", Unavailable("store down", fmt.Errorf("dial tcp")), ErrUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.sentinel))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestWrapKeepsClassification(t *testing.T) {
	base := NotFound("complaint", "VG-2024-abcd")
	wrapped := Wrap(fmt.Errorf("lookup: %w", base), "failed to load")

	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, http.StatusNotFound, wrapped.HTTPStatus)
	assert.Equal(t, "complaint not found", base.Message)

	plain := Wrap(fmt.Errorf("boom"), "failed")
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(plain))
	assert.False(t, IsConflict(plain))
}
