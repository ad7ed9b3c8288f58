package lock

import (
	"context"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/commitment"
	"github.com/iov-one/atomicswap/errors"
)

// RemoteLocks drives locks hosted on a remote ledger through its adapter. It
// revalidates against the adapter's view before submitting, so obviously
// doomed transactions fail locally, but the hosting ledger stays the final
// arbiter of every transition.
type RemoteLocks struct {
	ledger atomicswap.Ledger
}

// NewRemoteLocks binds a lock handle to the given ledger adapter.
func NewRemoteLocks(ledger atomicswap.Ledger) *RemoteLocks {
	return &RemoteLocks{ledger: ledger}
}

// Ledger returns the identifier of the ledger this handle operates on.
func (r *RemoteLocks) Ledger() atomicswap.LedgerID {
	return r.ledger.ID()
}

// Create submits a lock creation and returns the transaction reference. The
// lock id is not known until the creation is observed in a confirmed block.
func (r *RemoteLocks) Create(ctx context.Context, tx *atomicswap.CreateLockTx) (atomicswap.TxRef, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	now, err := r.ledger.CurrentTime(ctx)
	if err != nil {
		return "", errors.Wrap(err, "ledger time")
	}
	if atomicswap.IsExpired(tx.Timelock, now) {
		return "", errors.Wrap(errors.ErrInvalidInput, "timelock is in the past")
	}
	return r.ledger.Submit(ctx, tx)
}

// Claim submits a claim for the given lock, revealing the preimage. The
// current remote state is checked first so a resolved or mismatched lock is
// reported without spending a transaction.
func (r *RemoteLocks) Claim(ctx context.Context, lockID, preimage []byte) (atomicswap.TxRef, error) {
	view, err := r.ledger.ReadLock(ctx, lockID)
	if err != nil {
		return "", errors.Wrap(err, "read lock")
	}
	if view.State.Resolved() {
		return "", errors.Wrap(errors.ErrAlreadyResolved, view.State.String())
	}
	if !commitment.Verify(preimage, view.Commitment) {
		return "", errors.Wrap(errors.ErrCommitmentMismatch, "preimage does not open the commitment")
	}
	now, err := r.ledger.CurrentTime(ctx)
	if err != nil {
		return "", errors.Wrap(err, "ledger time")
	}
	if atomicswap.IsExpired(view.Timelock, now) {
		return "", errors.Wrap(errors.ErrExpired, "lock timelock passed")
	}
	return r.ledger.Submit(ctx, &atomicswap.ClaimLockTx{LockID: lockID, Preimage: preimage})
}

// Refund submits a refund for the given expired lock.
func (r *RemoteLocks) Refund(ctx context.Context, lockID []byte) (atomicswap.TxRef, error) {
	view, err := r.ledger.ReadLock(ctx, lockID)
	if err != nil {
		return "", errors.Wrap(err, "read lock")
	}
	if view.State.Resolved() {
		return "", errors.Wrap(errors.ErrAlreadyResolved, view.State.String())
	}
	now, err := r.ledger.CurrentTime(ctx)
	if err != nil {
		return "", errors.Wrap(err, "ledger time")
	}
	if !atomicswap.IsExpired(view.Timelock, now) {
		return "", errors.Wrap(errors.ErrInvalidState, "lock not yet expired")
	}
	return r.ledger.Submit(ctx, &atomicswap.RefundLockTx{LockID: lockID})
}

// View returns the authoritative remote state of a lock.
func (r *RemoteLocks) View(ctx context.Context, lockID []byte) (*atomicswap.LockView, error) {
	return r.ledger.ReadLock(ctx, lockID)
}
