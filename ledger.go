package atomicswap

import (
	"context"
	"regexp"
	"time"

	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/errors"
)

// isLedgerID validates ledger identifiers, for example "btc" or "iov-main".
var isLedgerID = regexp.MustCompile(`^[a-z0-9\-]{2,16}$`).MatchString

// LedgerID names one of the participating ledgers. The engine never
// interprets the value, it is only a routing key for adapters and watchers.
type LedgerID string

// Validate returns an error if this is not a usable ledger identifier.
func (l LedgerID) Validate() error {
	if !isLedgerID(string(l)) {
		return errors.ErrInvalidInput.Newf("ledger id: %q", string(l))
	}
	return nil
}

// LockState is the escrow lock lifecycle position. Transitions are monotonic
// and one-directional: Locked to Claimed or Locked to Refunded, never both
// and never reversed.
type LockState int8

const (
	LockStateInvalid LockState = iota
	LockStateLocked
	LockStateClaimed
	LockStateRefunded
)

func (s LockState) String() string {
	switch s {
	case LockStateLocked:
		return "locked"
	case LockStateClaimed:
		return "claimed"
	case LockStateRefunded:
		return "refunded"
	default:
		return "invalid"
	}
}

// Resolved returns true once the lock reached a terminal state.
func (s LockState) Resolved() bool {
	return s == LockStateClaimed || s == LockStateRefunded
}

// LockView is the read model of a lock as reported by a ledger adapter. The
// hosting ledger is the source of truth, a LockView is only ever a cache.
type LockView struct {
	LockID      []byte
	Commitment  []byte
	Amount      coin.Coin
	Depositor   Address
	Beneficiary Address
	Timelock    UnixTime
	State       LockState
}

// TxRef identifies a submitted transaction in ledger-native terms.
type TxRef string

// Tx is a transaction that a ledger adapter can translate into its native
// submission format. The concrete types below are the only transactions the
// engine ever constructs.
type Tx interface {
	Validate() error
}

// CreateLockTx escrows Amount from Depositor, releasable to Beneficiary
// against the preimage of Commitment before Timelock, refundable to
// Depositor afterwards.
type CreateLockTx struct {
	Commitment  []byte
	Amount      coin.Coin
	Depositor   Address
	Beneficiary Address
	Timelock    UnixTime
}

var _ Tx = (*CreateLockTx)(nil)

func (tx *CreateLockTx) Validate() error {
	if len(tx.Commitment) != CommitmentLength {
		return errors.ErrInvalidInput.Newf("commitment must be exactly %d bytes", CommitmentLength)
	}
	if !tx.Amount.IsPositive() {
		return errors.Wrap(errors.ErrInvalidAmount, "amount must be positive")
	}
	if err := tx.Amount.Validate(); err != nil {
		return errors.Wrap(err, "amount")
	}
	if err := tx.Depositor.Validate(); err != nil {
		return errors.Wrap(err, "depositor")
	}
	if err := tx.Beneficiary.Validate(); err != nil {
		return errors.Wrap(err, "beneficiary")
	}
	if tx.Timelock == 0 {
		// Zero timelock is a valid value that dates to 1970-01-01. We
		// know that this value is in the past and makes no sense. Most
		// likely value was not provided and a zero value remained.
		return errors.Wrap(errors.ErrInvalidInput, "timelock is required")
	}
	return tx.Timelock.Validate()
}

// ClaimLockTx releases a lock to its beneficiary by revealing the preimage.
type ClaimLockTx struct {
	LockID   []byte
	Preimage []byte
}

var _ Tx = (*ClaimLockTx)(nil)

func (tx *ClaimLockTx) Validate() error {
	if len(tx.LockID) == 0 {
		return errors.Wrap(errors.ErrEmpty, "lock id")
	}
	if len(tx.Preimage) != SecretLength {
		return errors.ErrInvalidInput.Newf("preimage must be exactly %d bytes", SecretLength)
	}
	return nil
}

// RefundLockTx returns escrowed value of an expired lock to its depositor.
type RefundLockTx struct {
	LockID []byte
}

var _ Tx = (*RefundLockTx)(nil)

func (tx *RefundLockTx) Validate() error {
	if len(tx.LockID) == 0 {
		return errors.Wrap(errors.ErrEmpty, "lock id")
	}
	return nil
}

const (
	// SecretLength is the size of a swap secret (preimage) in bytes.
	SecretLength = 32
	// CommitmentLength is the size of a commitment (preimage hash) in bytes.
	CommitmentLength = 32
)

// Ledger is the adapter interface encapsulating all ledger specific
// transaction construction and data reads. It is the only place where ledger
// identity leaks into the engine. Implementations must be safe for
// concurrent use.
type Ledger interface {
	// ID returns the identifier of the ledger this adapter is bound to.
	ID() LedgerID

	// Submit sends the transaction to the ledger and returns its native
	// reference. The ledger serializes conflicting transactions against
	// the same lock; this interface adds no locking of its own.
	Submit(ctx context.Context, tx Tx) (TxRef, error)

	// ReadLock returns the authoritative state of a lock. ErrNotFound is
	// returned when no lock exists under given id.
	ReadLock(ctx context.Context, lockID []byte) (*LockView, error)

	// CurrentTime reports the ledger clock in timelock units.
	CurrentTime(ctx context.Context) (UnixTime, error)

	// TimelockAfter converts a duration relative to the ledger clock into
	// an absolute timelock. The conversion is ledger specific, for
	// example a block-height based chain maps the duration onto its
	// expected block interval.
	TimelockAfter(ctx context.Context, d time.Duration) (UnixTime, error)
}

// Block is a confirmed batch of lock events, as normalized by a ledger
// adapter for watcher consumption.
type Block struct {
	Height int64
	Hash   []byte
	Time   UnixTime
	Events []Event
}

// BlockSource exposes the scanning primitives a watcher needs. It is
// typically implemented alongside Ledger by the same adapter.
type BlockSource interface {
	// Height returns the current chain head height.
	Height(ctx context.Context) (int64, error)

	// BlockAt returns the block at given height. ErrNotFound is returned
	// for heights above the current head.
	BlockAt(ctx context.Context, height int64) (*Block, error)
}
