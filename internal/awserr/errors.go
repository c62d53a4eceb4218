// Package awserr classifies AWS service errors into the few kinds the
// ingestion and chat paths react to.
package awserr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel errors attached by Wrap.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConcurrencyLimit indicates the knowledge base refused a request because too many
	// ingestion operations are already running against it.
	ErrConcurrencyLimit = errors.New("concurrent operation limit reached")

	// ErrDatabaseResuming indicates the vector store behind a knowledge base (Aurora Serverless)
	// is paused or stopped and is being resumed.
	ErrDatabaseResuming = errors.New("knowledge base database is resuming")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")
)

// Kind is the classification of an error.
type Kind int

const (
	KindOther Kind = iota
	KindConcurrencyLimit
	KindDatabaseResuming
	KindNotFound
	KindThrottled
)

func (k Kind) String() string {
	switch k {
	case KindConcurrencyLimit:
		return "concurrency_limit"
	case KindDatabaseResuming:
		return "database_resuming"
	case KindNotFound:
		return "not_found"
	case KindThrottled:
		return "throttled"
	default:
		return "other"
	}
}

// Error codes returned by the Bedrock control and runtime planes.
const (
	codeValidation = "ValidationException"
	codeNotFound   = "ResourceNotFoundException"
	codeThrottling = "ThrottlingException"
)

// Message fragments that distinguish ValidationException flavours.
var (
	concurrencyFragments = []string{"concurrent"}
	resumingFragments    = []string{"resuming after being auto-paused", "is in stopped state"}
)

// Classify returns the kind of err. Structured API error codes are checked first;
// plain errors fall back to matching the code name inside the message.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	switch {
	case errors.Is(err, ErrConcurrencyLimit):
		return KindConcurrencyLimit
	case errors.Is(err, ErrDatabaseResuming):
		return KindDatabaseResuming
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrThrottled):
		return KindThrottled
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyCode(apiErr.ErrorCode(), apiErr.ErrorMessage())
	}

	msg := err.Error()
	for _, code := range []string{codeValidation, codeNotFound, codeThrottling} {
		if strings.Contains(msg, code) {
			return classifyCode(code, msg)
		}
	}
	return KindOther
}

func classifyCode(code, msg string) Kind {
	switch code {
	case codeValidation:
		lower := strings.ToLower(msg)
		if containsAny(lower, resumingFragments) {
			return KindDatabaseResuming
		}
		if containsAny(lower, concurrencyFragments) {
			return KindConcurrencyLimit
		}
	case codeNotFound:
		return KindNotFound
	case codeThrottling:
		return KindThrottled
	}
	return KindOther
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

// Wrap attaches the sentinel matching err's kind. Errors of KindOther are returned unchanged.
func Wrap(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error
	switch Classify(err) {
	case KindConcurrencyLimit:
		sentinel = ErrConcurrencyLimit
	case KindDatabaseResuming:
		sentinel = ErrDatabaseResuming
	case KindNotFound:
		sentinel = ErrNotFound
	case KindThrottled:
		sentinel = ErrThrottled
	default:
		return err
	}

	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// IsConcurrencyLimit reports whether err is a concurrent-operation limit error.
func IsConcurrencyLimit(err error) bool {
	return Classify(err) == KindConcurrencyLimit
}

// IsDatabaseResuming reports whether err says the knowledge base database is waking up.
func IsDatabaseResuming(err error) bool {
	return Classify(err) == KindDatabaseResuming
}

// IsNotFound reports whether err is a missing-resource error.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}
