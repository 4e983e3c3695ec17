// Package harag is the root package of the ha-rag-bridge retrieval core: a
// request-scoped pipeline that turns a user utterance and its conversation
// history into a ranked, formatted slice of smart-home entities for
// injection into an LLM prompt.
package harag

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every component package. Component-specific
// stores wrap these with WrapError so callers can still errors.Is against
// the sentinel while getting an operation-scoped message.
var (
	// ErrNotFound is returned when an entity, cluster, or memory record
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidVector is returned when an embedding is nil, empty, or
	// contains NaN/Inf components.
	ErrInvalidVector = errors.New("invalid vector data")

	// ErrInvalidDimension is returned when a vector's length does not
	// match the store's configured EMBED_DIM.
	ErrInvalidDimension = errors.New("invalid vector dimension")

	// ErrStoreClosed is returned when an operation is attempted against a
	// closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidConfig is returned when a configuration value fails
	// validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBadRequest is returned when a pipeline request fails input
	// validation ("Invalid input" class). It is surfaced to
	// the caller, never retried or silently degraded.
	ErrBadRequest = errors.New("bad request")

	// ErrRetrievalUnavailable is returned by the pipeline when both the
	// vector and text retrieval paths fail for the same request (spec.md
	// §7 "Backend unavailable", all-paths-failed case).
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
)

// StoreError wraps an error with the operation that produced it, matching
// the "op: err" convention used throughout the store packages.
type StoreError struct {
	Op string
	Err error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("ha-rag-bridge: %v", e.Err)
	}
	return fmt.Sprintf("ha-rag-bridge: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapError wraps err with operation context op. Returns nil if err is nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
