package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestMemoryErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *MemoryError
		want string
	}{
		{
			name: "op with key",
			err:  &MemoryError{Op: "gossip.Exchange", Kind: "gossip", Key: "agent-2", Err: ErrPeerUnreachable},
			want: "gossip.Exchange [agent-2]: peer unreachable",
		},
		{
			name: "op without key",
			err:  &MemoryError{Op: "crdt.Merge", Kind: "crdt", Err: ErrTypeMismatch},
			want: "crdt.Merge: crdt type mismatch",
		},
		{
			name: "kind only",
			err:  &MemoryError{Kind: "shard"},
			want: "shard error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMemoryErrorUnwrap(t *testing.T) {
	wrapped := &MemoryError{Op: "op", Kind: "crdt", Err: fmt.Errorf("context: %w", ErrTypeMismatch)}
	if !errors.Is(wrapped, ErrTypeMismatch) {
		t.Errorf("errors.Is failed through MemoryError and fmt wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{ErrPeerUnreachable, ErrTimeout, ErrConnectionFailed, ErrShardMigrationFailure}
	for _, err := range retryable {
		if !IsRetryable(&MemoryError{Op: "op", Err: err}) {
			t.Errorf("IsRetryable(%v) = false", err)
		}
	}
	if IsRetryable(&MemoryError{Op: "op", Err: ErrTypeMismatch}) {
		t.Errorf("type mismatch must not be retryable")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(ErrStorageExhausted) {
		t.Errorf("storage exhaustion must be fatal")
	}
	if IsFatal(ErrNetworkPartition) {
		t.Errorf("partition must not be fatal")
	}
}

func TestIsConfigurationError(t *testing.T) {
	if !IsConfigurationError(&MemoryError{Op: "op", Err: ErrMissingConfiguration}) {
		t.Errorf("missing configuration not detected")
	}
	if IsConfigurationError(ErrTimeout) {
		t.Errorf("timeout misclassified as configuration error")
	}
}
