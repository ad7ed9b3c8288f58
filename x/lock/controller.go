package lock

import (
	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/commitment"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/orm"
	"github.com/iov-one/atomicswap/store"
	"github.com/iov-one/atomicswap/x/cash"
)

// Controller executes lock transitions against a local store. It owns the
// lock bucket and delegates every value move to the injected Mover.
type Controller struct {
	bucket orm.Bucket
	index  orm.Bucket
	seq    orm.Sequence
	mover  cash.Mover
}

// NewController returns a controller moving value through the given Mover.
func NewController(mover cash.Mover) *Controller {
	return &Controller{
		bucket: NewBucket(),
		index:  NewCommitmentIndex(),
		seq:    NewSequence(),
		mover:  mover,
	}
}

// Create escrows the transaction amount under a fresh lock and returns the
// lock id. The timelock must be in the future relative to now.
func (c *Controller) Create(db store.KVStore, now atomicswap.UnixTime, tx *atomicswap.CreateLockTx) ([]byte, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	if atomicswap.IsExpired(tx.Timelock, now) {
		return nil, errors.Wrap(errors.ErrInvalidInput, "timelock is in the past")
	}

	lockID, err := c.seq.NextVal(db)
	if err != nil {
		return nil, errors.Wrap(err, "acquire lock id")
	}
	l := &Lock{
		Commitment:  tx.Commitment,
		Amount:      tx.Amount,
		Depositor:   tx.Depositor,
		Beneficiary: tx.Beneficiary,
		Timelock:    tx.Timelock,
		State:       atomicswap.LockStateLocked,
	}
	if err := c.bucket.Put(db, lockID, l); err != nil {
		return nil, errors.Wrap(err, "save lock")
	}
	if err := c.index.Put(db, tx.Commitment, &CommitmentIndex{LockID: lockID}); err != nil {
		return nil, errors.Wrap(err, "index lock")
	}
	if err := c.mover.MoveCoins(db, tx.Depositor, Addr(lockID, tx.Commitment), tx.Amount); err != nil {
		return nil, errors.Wrap(err, "escrow funds")
	}
	return lockID, nil
}

// ByCommitment returns the id of the lock escrowed under given commitment.
func (c *Controller) ByCommitment(db store.ReadOnlyKVStore, commitment []byte) ([]byte, error) {
	var idx CommitmentIndex
	if err := c.index.One(db, commitment, &idx); err != nil {
		return nil, err
	}
	return idx.LockID, nil
}

// Claim releases the lock to its beneficiary against the preimage of the
// commitment. Claiming an expired or already resolved lock fails. Whatever
// state check fails is reported before any value moves.
func (c *Controller) Claim(db store.KVStore, now atomicswap.UnixTime, lockID, preimage []byte) error {
	var l Lock
	if err := c.bucket.One(db, lockID, &l); err != nil {
		return err
	}
	if l.State.Resolved() {
		return errors.Wrap(errors.ErrAlreadyResolved, l.State.String())
	}
	if !commitment.Verify(preimage, l.Commitment) {
		return errors.Wrap(errors.ErrCommitmentMismatch, "preimage does not open the commitment")
	}
	if atomicswap.IsExpired(l.Timelock, now) {
		return errors.Wrap(errors.ErrExpired, "lock timelock passed")
	}

	// Persist the terminal state before moving any value so that a
	// reentrant resolution attempt observes the lock as claimed.
	l.State = atomicswap.LockStateClaimed
	if err := c.bucket.Put(db, lockID, &l); err != nil {
		return errors.Wrap(err, "save lock")
	}
	return errors.Wrap(
		c.mover.MoveCoins(db, Addr(lockID, l.Commitment), l.Beneficiary, l.Amount),
		"release funds")
}

// Refund returns the escrowed value of an expired lock to its depositor.
// Refunding before the timelock or after resolution fails.
func (c *Controller) Refund(db store.KVStore, now atomicswap.UnixTime, lockID []byte) error {
	var l Lock
	if err := c.bucket.One(db, lockID, &l); err != nil {
		return err
	}
	if l.State.Resolved() {
		return errors.Wrap(errors.ErrAlreadyResolved, l.State.String())
	}
	if !atomicswap.IsExpired(l.Timelock, now) {
		return errors.Wrap(errors.ErrInvalidState, "lock not yet expired")
	}

	// Same ordering as Claim, state first and value second.
	l.State = atomicswap.LockStateRefunded
	if err := c.bucket.Put(db, lockID, &l); err != nil {
		return errors.Wrap(err, "save lock")
	}
	return errors.Wrap(
		c.mover.MoveCoins(db, Addr(lockID, l.Commitment), l.Depositor, l.Amount),
		"return funds")
}

// Load returns the lock stored under given id.
func (c *Controller) Load(db store.ReadOnlyKVStore, lockID []byte) (*Lock, error) {
	var l Lock
	if err := c.bucket.One(db, lockID, &l); err != nil {
		return nil, err
	}
	return &l, nil
}
