package orchestrator

import (
	amino "github.com/tendermint/go-amino"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/orm"
)

// Status is the swap lifecycle position. Transitions only ever move forward,
// except when a chain reorganization forces a verified step back.
type Status int8

const (
	StatusInvalid Status = iota
	// StatusInitiated: registered, waiting for the source lock.
	StatusInitiated
	// StatusSourceLocked: source lock confirmed and verified.
	StatusSourceLocked
	// StatusConverted: conversion quote obtained.
	StatusConverted
	// StatusDestLocked: destination lock confirmed under the commitment.
	StatusDestLocked
	// StatusDestClaimed: counterparty claimed, the secret is known.
	StatusDestClaimed
	// StatusSourceClaimed: source claim submitted with the secret.
	StatusSourceClaimed
	// StatusRefunding: destination lock expired unclaimed, refund under way.
	StatusRefunding
	// StatusCompleted: the swap resolved safely, either claimed on both
	// legs or refunded after the destination lock expired unclaimed. The
	// reason code tells the two apart.
	StatusCompleted
	// StatusFailed: the swap will not complete. See the reason code.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitiated:
		return "initiated"
	case StatusSourceLocked:
		return "source_locked"
	case StatusConverted:
		return "converted"
	case StatusDestLocked:
		return "dest_locked"
	case StatusDestClaimed:
		return "dest_claimed"
	case StatusSourceClaimed:
		return "source_claimed"
	case StatusRefunding:
		return "refunding"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal returns true once no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reason qualifies a terminal status.
type Reason int8

const (
	ReasonNone Reason = iota
	// ReasonPreLockAbort: aborted before the destination lock existed.
	ReasonPreLockAbort
	// ReasonUnsafeTimelock: the source timelock left no safe margin for a
	// destination lock, so none was created.
	ReasonUnsafeTimelock
	// ReasonConversionFailed: the converter gave up after retries.
	ReasonConversionFailed
	// ReasonBridgeFailed: the liquidity bridge gave up after retries.
	ReasonBridgeFailed
	// ReasonStrandedLeg: the destination was claimed but the source
	// timelock expired before our claim. Manual intervention required.
	ReasonStrandedLeg
	// ReasonRefunded: the destination lock expired unclaimed and its
	// liquidity was refunded. The source lock refunds on its own timelock.
	ReasonRefunded
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonPreLockAbort:
		return "pre_lock_abort"
	case ReasonUnsafeTimelock:
		return "unsafe_timelock"
	case ReasonConversionFailed:
		return "conversion_failed"
	case ReasonBridgeFailed:
		return "bridge_failed"
	case ReasonStrandedLeg:
		return "stranded_leg"
	case ReasonRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// LockRef identifies a lock on a particular ledger.
type LockRef struct {
	Ledger atomicswap.LedgerID
	LockID []byte
}

// SwapRecord is the persisted state of one swap. The record is owned by a
// single goroutine at a time; all writes go through the orchestrator store
// which enforces the version counter.
type SwapRecord struct {
	SwapID     string
	Source     LockRef
	Dest       LockRef
	Commitment []byte

	// Secret is set once the counterparty reveals it and erased again
	// when a terminal status is persisted.
	Secret []byte

	SourceAmount coin.Coin
	// DestTicker is the currency the destination lock is denominated in.
	DestTicker string
	DestAmount coin.Coin
	// Rate is the decimal conversion rate of the quote, stored in string
	// form.
	Rate string

	// DestBeneficiary is the counterparty identity on the destination
	// ledger, DestDepositor our liquidity address there.
	DestBeneficiary atomicswap.Address
	DestDepositor   atomicswap.Address

	SourceTimelock atomicswap.UnixTime
	DestTimelock   atomicswap.UnixTime

	BridgeRef string

	Status Status
	Reason Reason

	// Processed holds the deduplication keys of all events already
	// applied to this record.
	Processed []string

	Version int64
}

var _ orm.Model = (*SwapRecord)(nil)

// Validate ensures the record is consistent.
func (r *SwapRecord) Validate() error {
	if r.SwapID == "" {
		return errors.Wrap(errors.ErrEmpty, "swap id")
	}
	if len(r.Commitment) != atomicswap.CommitmentLength {
		return errors.ErrInvalidInput.Newf("commitment has to be exactly %d bytes", atomicswap.CommitmentLength)
	}
	if err := r.Source.Ledger.Validate(); err != nil {
		return errors.Wrap(err, "source ledger")
	}
	if err := r.Dest.Ledger.Validate(); err != nil {
		return errors.Wrap(err, "destination ledger")
	}
	if r.Source.Ledger == r.Dest.Ledger {
		return errors.Wrap(errors.ErrInvalidInput, "source and destination ledger must differ")
	}
	if !r.SourceAmount.IsPositive() {
		return errors.Wrap(errors.ErrInvalidAmount, "source amount must be positive")
	}
	if r.DestTicker == "" {
		return errors.Wrap(errors.ErrEmpty, "destination ticker")
	}
	if err := r.DestBeneficiary.Validate(); err != nil {
		return errors.Wrap(err, "destination beneficiary")
	}
	if err := r.DestDepositor.Validate(); err != nil {
		return errors.Wrap(err, "destination depositor")
	}
	if r.Status < StatusInitiated || r.Status > StatusFailed {
		return errors.Wrap(errors.ErrInvalidState, r.Status.String())
	}
	if r.Version < 0 {
		return errors.Wrap(errors.ErrInvalidState, "negative version")
	}
	if r.Status.Terminal() && len(r.Secret) != 0 {
		return errors.Wrap(errors.ErrInvalidState, "terminal record must not retain the secret")
	}
	return nil
}

// Copy makes a deep copy of the record.
func (r *SwapRecord) Copy() *SwapRecord {
	cpy := *r
	cpy.Commitment = append([]byte(nil), r.Commitment...)
	cpy.Secret = append([]byte(nil), r.Secret...)
	cpy.Source.LockID = append([]byte(nil), r.Source.LockID...)
	cpy.Dest.LockID = append([]byte(nil), r.Dest.LockID...)
	cpy.DestBeneficiary = append(atomicswap.Address(nil), r.DestBeneficiary...)
	cpy.DestDepositor = append(atomicswap.Address(nil), r.DestDepositor...)
	cpy.Processed = append([]string(nil), r.Processed...)
	return &cpy
}

// WasProcessed returns true if given event key was already applied.
func (r *SwapRecord) WasProcessed(key atomicswap.DedupKey) bool {
	for _, k := range r.Processed {
		if k == string(key) {
			return true
		}
	}
	return false
}

// MarkProcessed records given event key as applied.
func (r *SwapRecord) MarkProcessed(key atomicswap.DedupKey) {
	r.Processed = append(r.Processed, string(key))
}

// NewBucket returns the bucket holding all swap records, keyed by swap id.
func NewBucket() orm.Bucket {
	return orm.NewBucket("swap", amino.NewCodec())
}
