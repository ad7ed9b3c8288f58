package watcher

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/orm"
	"github.com/iov-one/atomicswap/store"
)

// Options configures a single watcher. Zero values are filled with defaults
// where a default exists.
type Options struct {
	// Ledger is the id of the chain being watched.
	Ledger atomicswap.LedgerID

	// Source provides block data for the watched ledger.
	Source atomicswap.BlockSource

	// DB persists scan progress and tracked locks.
	DB store.CacheableKVStore

	// ConfirmationDepth is how many blocks the watcher trails the chain
	// head. Default is 6.
	ConfirmationDepth int64

	// PollInterval is the delay between head polls. Default is 5s.
	PollInterval time.Duration

	// RewindLimit bounds how many confirmed blocks are remembered for
	// reorganization recovery. Default is 32.
	RewindLimit int

	// Buffer is the emitted events channel capacity. Default is 64.
	Buffer int

	// MaxRetries bounds backoff retries of transient source failures
	// within a single fetch. Default is 8.
	MaxRetries uint64

	Logger log.Logger
}

func (o *Options) fillAndValidate() error {
	if err := o.Ledger.Validate(); err != nil {
		return err
	}
	if o.Source == nil {
		return errors.Wrap(errors.ErrInvalidInput, "block source is required")
	}
	if o.DB == nil {
		return errors.Wrap(errors.ErrInvalidInput, "database is required")
	}
	if o.ConfirmationDepth < 0 {
		return errors.Wrap(errors.ErrInvalidInput, "negative confirmation depth")
	}
	if o.ConfirmationDepth == 0 {
		o.ConfirmationDepth = 6
	}
	if o.PollInterval < 0 {
		return errors.Wrap(errors.ErrInvalidInput, "negative poll interval")
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.RewindLimit == 0 {
		o.RewindLimit = 32
	}
	if int64(o.RewindLimit) < o.ConfirmationDepth {
		return errors.Wrap(errors.ErrInvalidInput, "rewind limit below confirmation depth")
	}
	if o.Buffer == 0 {
		o.Buffer = 64
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 8
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return nil
}

// Watcher scans a single ledger and emits normalized lock events.
type Watcher struct {
	opts        Options
	logger      log.Logger
	checkpoints orm.Bucket
	tracked     orm.Bucket
	out         chan atomicswap.Event

	// dbMu serializes store access between the scan loop and Track calls
	// arriving from other goroutines.
	dbMu sync.Mutex
}

// NewWatcher creates a watcher from given options.
func NewWatcher(opts Options) (*Watcher, error) {
	if err := opts.fillAndValidate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return &Watcher{
		opts:        opts,
		logger:      opts.Logger.With("module", "watcher", "ledger", opts.Ledger),
		checkpoints: NewCheckpointBucket(),
		tracked:     NewTrackedBucket(),
		out:         make(chan atomicswap.Event, opts.Buffer),
	}, nil
}

// Events returns the stream of emitted events. Delivery is at-least-once;
// deduplicate by the event key.
func (w *Watcher) Events() <-chan atomicswap.Event {
	return w.out
}

// Track registers a lock for expiry synthesis. A zero timelock is allowed
// and will be learned from the lock's creation event once observed.
func (w *Watcher) Track(lockID []byte, timelock atomicswap.UnixTime) error {
	if len(lockID) == 0 {
		return errors.Wrap(errors.ErrEmpty, "lock id")
	}
	w.dbMu.Lock()
	defer w.dbMu.Unlock()
	var existing TrackedLock
	if err := w.tracked.One(w.opts.DB, w.trackKey(lockID), &existing); err == nil {
		// Keep what the scan already learned about this lock.
		return nil
	}
	return w.tracked.Put(w.opts.DB, w.trackKey(lockID), &TrackedLock{Timelock: timelock})
}

// Untrack removes a lock from expiry synthesis. Unknown locks are ignored.
func (w *Watcher) Untrack(lockID []byte) error {
	w.dbMu.Lock()
	defer w.dbMu.Unlock()
	err := w.tracked.Delete(w.opts.DB, w.trackKey(lockID))
	if errors.ErrNotFound.Is(err) {
		return nil
	}
	return err
}

// Run polls the ledger until the context is cancelled. Transient source
// failures are retried with exponential backoff inside each fetch; a pass
// that still fails is logged and retried on the next poll. Only context
// cancellation ends the run.
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := w.sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("sync failed", "err", err)
		}
		timer.Reset(w.opts.PollInterval)
	}
}

// sync performs one scan pass: rewind orphaned blocks if the chain forked,
// then process every newly confirmed block.
func (w *Watcher) sync(ctx context.Context) error {
	cp, err := w.loadCheckpoint()
	if err != nil {
		return err
	}
	if err := w.rewind(ctx, cp); err != nil {
		return err
	}

	head, err := w.fetchHeight(ctx)
	if err != nil {
		return err
	}
	target := head - w.opts.ConfirmationDepth
	for h := cp.Height + 1; h <= target; h++ {
		if err := w.processBlock(ctx, cp, h); err != nil {
			return err
		}
	}
	return nil
}

// rewind pops recorded blocks whose hash the chain no longer reports,
// emitting a retraction for every event of each orphaned block.
func (w *Watcher) rewind(ctx context.Context, cp *Checkpoint) error {
	for len(cp.Recent) > 0 {
		last := cp.Recent[len(cp.Recent)-1]
		switch b, err := w.fetchBlock(ctx, last.Height); {
		case err == nil:
			if bytes.Equal(b.Hash, last.Hash) {
				return nil
			}
		case errors.ErrNotFound.Is(err):
			// The chain shrank below this record, the block is gone.
		default:
			return err
		}

		w.logger.Info("orphaned block detected",
			"height", last.Height, "events", len(last.Events))
		for i := len(last.Events) - 1; i >= 0; i-- {
			e := last.Events[i]
			if err := w.emit(ctx, atomicswap.EventRetracted{
				LedgerID:  w.opts.Ledger,
				LockID:    e.LockID,
				Retracted: e.Key,
				Key:       atomicswap.DedupKey(fmt.Sprintf("%s/retract/%s", w.opts.Ledger, e.Key)),
			}); err != nil {
				return err
			}
		}
		cp.Recent = cp.Recent[:len(cp.Recent)-1]
		cp.Height = last.Height - 1
		w.dbMu.Lock()
		err := w.checkpoints.Put(w.opts.DB, []byte(w.opts.Ledger), cp)
		w.dbMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "save checkpoint")
		}
	}
	return nil
}

func (w *Watcher) processBlock(ctx context.Context, cp *Checkpoint, height int64) error {
	b, err := w.fetchBlock(ctx, height)
	if err != nil {
		return err
	}

	w.dbMu.Lock()
	expired, err := w.expiredLocks(b.Time)
	w.dbMu.Unlock()
	if err != nil {
		return err
	}

	// Emit first, persist second: a crash in between re-emits the block on
	// restart, which consumers handle through the deduplication keys.
	rec := BlockRecord{Height: height, Hash: b.Hash}
	for _, e := range b.Events {
		if err := w.emit(ctx, e); err != nil {
			return err
		}
		rec.Events = append(rec.Events, EmittedEvent{LockID: e.Lock(), Key: e.Dedup()})
	}
	for _, ex := range expired {
		e := atomicswap.LockExpired{
			LedgerID: w.opts.Ledger,
			LockID:   ex.lockID,
			Timelock: ex.timelock,
			Key: atomicswap.NewDedupKey(w.opts.Ledger, height,
				atomicswap.TxRef("expire-"+hex.EncodeToString(ex.lockID))),
		}
		if err := w.emit(ctx, e); err != nil {
			return err
		}
		rec.Events = append(rec.Events, EmittedEvent{LockID: ex.lockID, Key: e.Key})
	}

	cp.Recent = append(cp.Recent, rec)
	if len(cp.Recent) > w.opts.RewindLimit {
		cp.Recent = cp.Recent[len(cp.Recent)-w.opts.RewindLimit:]
	}
	cp.Height = height

	w.dbMu.Lock()
	defer w.dbMu.Unlock()
	cache := w.opts.DB.CacheWrap()
	for _, e := range b.Events {
		if err := w.observeLock(cache, e); err != nil {
			cache.Discard()
			return err
		}
	}
	for _, ex := range expired {
		err := w.tracked.Put(cache, w.trackKey(ex.lockID),
			&TrackedLock{Timelock: ex.timelock, Expired: true})
		if err != nil {
			cache.Discard()
			return err
		}
	}
	if err := w.checkpoints.Put(cache, []byte(w.opts.Ledger), cp); err != nil {
		cache.Discard()
		return errors.Wrap(err, "save checkpoint")
	}
	cache.Write()

	w.logger.Debug("block processed", "height", height, "events", len(rec.Events))
	return nil
}

// observeLock keeps tracked lock bookkeeping in step with observed events.
// Creation teaches the timelock, a resolution ends expiry tracking.
func (w *Watcher) observeLock(db store.KVStore, e atomicswap.Event) error {
	key := w.trackKey(e.Lock())
	var tl TrackedLock
	switch err := w.tracked.One(db, key, &tl); {
	case errors.ErrNotFound.Is(err):
		return nil
	case err != nil:
		return err
	}

	switch e := e.(type) {
	case atomicswap.LockCreated:
		if tl.Timelock == 0 {
			tl.Timelock = e.Timelock
			return w.tracked.Put(db, key, &tl)
		}
	case atomicswap.LockClaimed, atomicswap.LockRefunded:
		return w.tracked.Delete(db, key)
	}
	return nil
}

type expiredLock struct {
	lockID   []byte
	timelock atomicswap.UnixTime
}

// expiredLocks returns tracked locks whose timelock passed the given chain
// time and was not reported expired yet. The caller marks them once the
// expiry events are out.
func (w *Watcher) expiredLocks(now atomicswap.UnixTime) ([]expiredLock, error) {
	prefix := []byte(string(w.opts.Ledger) + "/")
	var found []expiredLock

	err := w.tracked.Iterate(w.opts.DB, func(key []byte, load func(orm.Model) error) bool {
		if !bytes.HasPrefix(key, prefix) {
			return true
		}
		var tl TrackedLock
		if err := load(&tl); err != nil {
			return true
		}
		if tl.Expired || tl.Timelock == 0 || !atomicswap.IsExpired(tl.Timelock, now) {
			return true
		}
		found = append(found, expiredLock{
			lockID:   append([]byte(nil), key[len(prefix):]...),
			timelock: tl.Timelock,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (w *Watcher) emit(ctx context.Context, e atomicswap.Event) error {
	select {
	case w.out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) loadCheckpoint() (*Checkpoint, error) {
	w.dbMu.Lock()
	defer w.dbMu.Unlock()
	var cp Checkpoint
	switch err := w.checkpoints.One(w.opts.DB, []byte(w.opts.Ledger), &cp); {
	case err == nil, errors.ErrNotFound.Is(err):
		return &cp, nil
	default:
		return nil, errors.Wrap(err, "load checkpoint")
	}
}

func (w *Watcher) trackKey(lockID []byte) []byte {
	return append([]byte(string(w.opts.Ledger)+"/"), lockID...)
}

func (w *Watcher) fetchHeight(ctx context.Context) (int64, error) {
	var height int64
	op := func() error {
		h, err := w.opts.Source.Height(ctx)
		if err != nil {
			return retryable(err)
		}
		height = h
		return nil
	}
	if err := backoff.Retry(op, w.newBackOff(ctx)); err != nil {
		return 0, errors.Wrap(err, "fetch height")
	}
	return height, nil
}

func (w *Watcher) fetchBlock(ctx context.Context, height int64) (*atomicswap.Block, error) {
	var block *atomicswap.Block
	op := func() error {
		b, err := w.opts.Source.BlockAt(ctx, height)
		if err != nil {
			return retryable(err)
		}
		block = b
		return nil
	}
	if err := backoff.Retry(op, w.newBackOff(ctx)); err != nil {
		return nil, errors.Wrapf(err, "fetch block %d", height)
	}
	return block, nil
}

func (w *Watcher) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(bo, w.opts.MaxRetries), ctx)
}

// retryable keeps transient failures retryable and marks everything else
// permanent for the backoff loop.
func retryable(err error) error {
	if errors.ErrTransient.Is(err) {
		return err
	}
	return backoff.Permanent(err)
}
