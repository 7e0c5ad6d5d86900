package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/hiveworks/swarmmem/core"
)

// TransferFunc moves one shard's data from source to destination. The
// coordinator supplies this; in-process topologies can make it a no-op.
type TransferFunc func(ctx context.Context, task *MigrationTask) error

// MigrationTask moves one shard between owners after a rebalance. Ownership
// flips to the new owners only when the transfer confirms; until then reads
// and writes keep routing to the source, preserving the coverage invariant
// even across repeated failures.
type MigrationTask struct {
	ShardID     int    `json:"shardId"`
	Source      string `json:"source"`
	Destination string `json:"destination"`

	newOwners []string
	manager   *Manager

	// OnComplete, when set, runs after ownership has flipped.
	OnComplete func(task *MigrationTask)
}

// Run executes the transfer with bounded retries and exponential backoff. On
// success the shard's new owners are published and OnComplete fires. On
// exhaustion the shard stays with its source and ErrShardMigrationFailure is
// returned.
func (t *MigrationTask) Run(ctx context.Context, transfer TransferFunc, retries int, backoff time.Duration) error {
	if retries < 1 {
		retries = 1
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &core.MemoryError{Op: "MigrationTask.Run", Kind: "shard",
					Err: fmt.Errorf("%w: %v", core.ErrShardMigrationFailure, ctx.Err())}
			case <-time.After(backoff << (attempt - 1)):
			}
		}
		if transfer == nil {
			lastErr = nil
		} else {
			lastErr = transfer(ctx, t)
		}
		if lastErr == nil {
			t.manager.commit(t.ShardID, t.newOwners)
			t.manager.logger.Debug("Shard migration confirmed", map[string]interface{}{
				"shard":       t.ShardID,
				"source":      t.Source,
				"destination": t.Destination,
				"attempts":    attempt + 1,
			})
			if t.OnComplete != nil {
				t.OnComplete(t)
			}
			return nil
		}
	}

	t.manager.failMigration()
	t.manager.logger.Warn("Shard migration failed, ownership stays at source", map[string]interface{}{
		"shard":       t.ShardID,
		"source":      t.Source,
		"destination": t.Destination,
		"error":       lastErr.Error(),
	})
	return &core.MemoryError{Op: "MigrationTask.Run", Kind: "shard",
		Err: fmt.Errorf("%w: %v", core.ErrShardMigrationFailure, lastErr)}
}

// RunAll executes a batch of migration tasks sequentially, collecting the
// first error but attempting every task.
func RunAll(ctx context.Context, tasks []*MigrationTask, transfer TransferFunc, retries int, backoff time.Duration) error {
	var firstErr error
	for _, t := range tasks {
		if err := t.Run(ctx, transfer, retries, backoff); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
