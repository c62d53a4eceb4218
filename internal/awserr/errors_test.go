package awserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil error", nil, KindOther},
		{"generic error", errors.New("connection reset"), KindOther},
		{"concurrency limit", apiError("ValidationException", "Too many concurrent ingestion operations"), KindConcurrencyLimit},
		{"auto paused", apiError("ValidationException", "The database is resuming after being auto-paused. Retry later"), KindDatabaseResuming},
		{"stopped state", apiError("ValidationException", "Aurora cluster is in stopped state"), KindDatabaseResuming},
		{"other validation", apiError("ValidationException", "documents must not be empty"), KindOther},
		{"not found", apiError("ResourceNotFoundException", "no such job"), KindNotFound},
		{"throttled", apiError("ThrottlingException", "slow down"), KindThrottled},
		{"wrapped api error", fmt.Errorf("ingest: %w", apiError("ValidationException", "concurrent limit")), KindConcurrencyLimit},
		{"plain text fallback", errors.New("operation error: ValidationException: exceeds concurrent limit"), KindConcurrencyLimit},
		{"plain text not found", errors.New("ResourceNotFoundException: job missing"), KindNotFound},
		{"sentinel", fmt.Errorf("x: %w", ErrDatabaseResuming), KindDatabaseResuming},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("attaches sentinel", func(t *testing.T) {
		err := apiError("ValidationException", "is in stopped state")
		wrapped := Wrap(err)
		assert.ErrorIs(t, wrapped, ErrDatabaseResuming)

		var apiErr smithy.APIError
		assert.ErrorAs(t, wrapped, &apiErr, "original error should stay reachable")
	})

	t.Run("passes through other errors", func(t *testing.T) {
		err := errors.New("boom")
		assert.Same(t, err, Wrap(err))
	})

	t.Run("does not double wrap", func(t *testing.T) {
		err := Wrap(apiError("ResourceNotFoundException", "gone"))
		assert.Same(t, err, Wrap(err))
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil))
	})
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "concurrency_limit", KindConcurrencyLimit.String())
	assert.Equal(t, "other", KindOther.String())
}
