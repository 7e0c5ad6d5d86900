package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// CRDT errors
	ErrTypeMismatch = errors.New("crdt type mismatch")

	// Conflict resolution errors
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrUnknownStrategy    = errors.New("unknown resolution strategy")

	// Gossip / network errors
	ErrNetworkPartition = errors.New("network partition suspected")
	ErrPeerUnreachable  = errors.New("peer unreachable")
	ErrMessageExpired   = errors.New("gossip message ttl expired")

	// Sharding errors
	ErrShardMigrationFailure = errors.New("shard migration failed")
	ErrShardNotFound         = errors.New("shard not found")
	ErrNoNodesAvailable      = errors.New("no nodes available")

	// Compression errors
	ErrCompressionFailure = errors.New("compression failure")

	// Node / topology errors
	ErrNodeNotFound      = errors.New("node not found")
	ErrNodeAlreadyExists = errors.New("node already exists")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrShuttingDown   = errors.New("shutting down")

	// Operation errors
	ErrTimeout          = errors.New("operation timeout")
	ErrContextCanceled  = errors.New("context canceled")
	ErrConnectionFailed = errors.New("connection failed")

	// Fatal: local storage exhausted, pending deltas can no longer be held
	ErrStorageExhausted = errors.New("local storage exhausted")
)

// MemoryError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type MemoryError struct {
	Op   string // Operation that failed (e.g., "gossip.Exchange")
	Kind string // Error kind (e.g., "crdt", "shard", "gossip")
	Key  string // Optional memory key or entity id involved
	Err  error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *MemoryError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.Key != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.Key, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError
func NewMemoryError(op, kind string, err error) *MemoryError {
	return &MemoryError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are transient network or availability issues; partition and
// migration failures are retried by design, type mismatches never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPeerUnreachable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrShardMigrationFailure)
}

// IsFatal reports whether the error must abort the coordinator rather than a
// single operation. Only local storage exhaustion qualifies.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorageExhausted)
}

// IsTypeMismatch checks if an error is a CRDT type conflict
func IsTypeMismatch(err error) bool {
	return errors.Is(err, ErrTypeMismatch)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
