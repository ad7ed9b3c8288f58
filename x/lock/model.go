package lock

import (
	amino "github.com/tendermint/go-amino"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/orm"
)

// Lock is a single hash/time-locked escrow as persisted by the hosting
// ledger.
type Lock struct {
	Commitment  []byte
	Amount      coin.Coin
	Depositor   atomicswap.Address
	Beneficiary atomicswap.Address
	Timelock    atomicswap.UnixTime
	State       atomicswap.LockState
}

var _ orm.Model = (*Lock)(nil)

// Validate ensures the Lock is valid.
func (l *Lock) Validate() error {
	if len(l.Commitment) != atomicswap.CommitmentLength {
		return errors.ErrInvalidInput.Newf("commitment has to be exactly %d bytes", atomicswap.CommitmentLength)
	}
	if !l.Amount.IsPositive() {
		return errors.Wrap(errors.ErrInvalidAmount, "amount must be positive")
	}
	if err := l.Amount.Validate(); err != nil {
		return errors.Wrap(err, "amount")
	}
	if err := l.Depositor.Validate(); err != nil {
		return errors.Wrap(err, "depositor")
	}
	if err := l.Beneficiary.Validate(); err != nil {
		return errors.Wrap(err, "beneficiary")
	}
	if l.Timelock == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "timelock is required")
	}
	if err := l.Timelock.Validate(); err != nil {
		return errors.Wrap(err, "invalid timelock value")
	}
	if l.State < atomicswap.LockStateLocked || l.State > atomicswap.LockStateRefunded {
		return errors.Wrap(errors.ErrInvalidState, l.State.String())
	}
	return nil
}

// Copy makes a deep copy of the lock.
func (l *Lock) Copy() *Lock {
	return &Lock{
		Commitment:  append([]byte(nil), l.Commitment...),
		Amount:      l.Amount,
		Depositor:   append(atomicswap.Address(nil), l.Depositor...),
		Beneficiary: append(atomicswap.Address(nil), l.Beneficiary...),
		Timelock:    l.Timelock,
		State:       l.State,
	}
}

// View returns the read model of this lock.
func (l *Lock) View(lockID []byte) *atomicswap.LockView {
	return &atomicswap.LockView{
		LockID:      append([]byte(nil), lockID...),
		Commitment:  append([]byte(nil), l.Commitment...),
		Amount:      l.Amount,
		Depositor:   append(atomicswap.Address(nil), l.Depositor...),
		Beneficiary: append(atomicswap.Address(nil), l.Beneficiary...),
		Timelock:    l.Timelock,
		State:       l.State,
	}
}

// Addr derives the address escrowed value is parked under. Binding the
// address to both the lock id and the commitment ensures no other lock can
// alias the funds.
func Addr(lockID, commitment []byte) atomicswap.Address {
	data := append(append([]byte(nil), lockID...), commitment...)
	return atomicswap.NewCondition("lock", "preimage", data).Address()
}

// CommitmentIndex points from a commitment to the lock escrowed under it.
type CommitmentIndex struct {
	LockID []byte
}

var _ orm.Model = (*CommitmentIndex)(nil)

// Validate implements the model interface.
func (i *CommitmentIndex) Validate() error {
	if len(i.LockID) == 0 {
		return errors.Wrap(errors.ErrEmpty, "lock id")
	}
	return nil
}

// NewBucket returns the bucket holding all locks.
func NewBucket() orm.Bucket {
	return orm.NewBucket("lock", amino.NewCodec())
}

// NewCommitmentIndex returns the bucket indexing locks by commitment.
func NewCommitmentIndex() orm.Bucket {
	return orm.NewBucket("lockidx", amino.NewCodec())
}

// NewSequence returns the lock id sequence.
func NewSequence() orm.Sequence {
	return orm.NewSequence("lock", "id")
}
