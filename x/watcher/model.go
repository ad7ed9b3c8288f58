package watcher

import (
	amino "github.com/tendermint/go-amino"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/orm"
)

// EmittedEvent records one event delivered from a confirmed block, kept so
// it can be retracted if the block is orphaned.
type EmittedEvent struct {
	LockID []byte
	Key    atomicswap.DedupKey
}

// BlockRecord remembers a confirmed block and what was emitted for it.
type BlockRecord struct {
	Height int64
	Hash   []byte
	Events []EmittedEvent
}

// Checkpoint is the persisted scan progress of a single watcher. Recent
// holds the newest confirmed blocks, oldest first, and bounds how deep a
// reorganization can be recovered from.
type Checkpoint struct {
	Height int64
	Recent []BlockRecord
}

var _ orm.Model = (*Checkpoint)(nil)

// Validate ensures the checkpoint is consistent.
func (c *Checkpoint) Validate() error {
	if c.Height < 0 {
		return errors.Wrap(errors.ErrInvalidState, "negative height")
	}
	for i, r := range c.Recent {
		if r.Height > c.Height {
			return errors.ErrInvalidState.Newf("record %d above checkpoint height", i)
		}
		if i > 0 && c.Recent[i-1].Height >= r.Height {
			return errors.Wrap(errors.ErrInvalidState, "records out of order")
		}
	}
	return nil
}

// TrackedLock is a lock the watcher synthesizes expiry events for. A zero
// timelock means it was not provided at registration and is learned from the
// lock creation event.
type TrackedLock struct {
	Timelock atomicswap.UnixTime
	Expired  bool
}

var _ orm.Model = (*TrackedLock)(nil)

// Validate implements the model interface.
func (t *TrackedLock) Validate() error {
	if t.Timelock != 0 {
		return t.Timelock.Validate()
	}
	return nil
}

// NewCheckpointBucket returns the bucket holding watcher checkpoints, keyed
// by ledger id.
func NewCheckpointBucket() orm.Bucket {
	return orm.NewBucket("watchpt", amino.NewCodec())
}

// NewTrackedBucket returns the bucket holding tracked locks, keyed by lock id.
func NewTrackedBucket() orm.Bucket {
	return orm.NewBucket("watchlock", amino.NewCodec())
}
