package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/tracekit/errs"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{429, errs.ErrRateLimited},
		{422, errs.ErrValidationRejected},
		{401, errs.ErrUnauthorized},
		{403, errs.ErrUnauthorized},
		{408, errs.ErrTransientNetwork},
		{425, errs.ErrTransientNetwork},
		{500, errs.ErrServer},
		{502, errs.ErrServer},
		{503, errs.ErrServer},
		{504, errs.ErrServer},
		{400, errs.ErrClientBug},
		{404, errs.ErrClientBug},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d", tc.status), func(t *testing.T) {
			assert.ErrorIs(t, errs.FromStatus(tc.status), tc.want)
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, errs.Retryable(errs.ErrTransientNetwork))
	assert.True(t, errs.Retryable(errs.ErrRateLimited))
	assert.True(t, errs.Retryable(errs.ErrServer))
	assert.False(t, errs.Retryable(errs.ErrValidationRejected))
	assert.False(t, errs.Retryable(errs.ErrUnauthorized))
	assert.False(t, errs.Retryable(errs.ErrClientBug))
}

func TestHTTPError_UnwrapsToKind(t *testing.T) {
	err := &errs.HTTPError{Kind: errs.ErrRateLimited, Status: 429, Body: "slow down"}
	assert.True(t, errors.Is(err, errs.ErrRateLimited))
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")

	wrapped := fmt.Errorf("transport: %w", err)
	assert.True(t, errors.Is(wrapped, errs.ErrRateLimited))
}
