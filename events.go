package atomicswap

import (
	"fmt"

	"github.com/iov-one/atomicswap/coin"
)

// DedupKey is a ledger-native identifier of the observation that produced an
// event, built from the ledger id, the block height and the transaction
// reference. Watchers deliver events at-least-once; consumers detect
// duplicate delivery by remembering processed keys.
type DedupKey string

// NewDedupKey builds the canonical deduplication key format.
func NewDedupKey(ledger LedgerID, height int64, tx TxRef) DedupKey {
	return DedupKey(fmt.Sprintf("%s/%d/%s", ledger, height, tx))
}

// Event is a normalized domain event emitted by a ledger watcher. All
// implementations are immutable value types.
type Event interface {
	// Ledger names the chain this event was observed on.
	Ledger() LedgerID
	// LockID identifies the lock this event concerns.
	Lock() []byte
	// Dedup is the at-least-once delivery deduplication key.
	Dedup() DedupKey
}

// LockCreated reports a new lock escrowed on a ledger.
type LockCreated struct {
	LedgerID    LedgerID
	LockID      []byte
	Commitment  []byte
	Amount      coin.Coin
	Depositor   Address
	Beneficiary Address
	Timelock    UnixTime
	Key         DedupKey
}

// LockClaimed reports a lock released to its beneficiary. It carries the
// preimage revealed by the claim transaction. This is the mechanism by which
// a secret revealed on one ledger becomes observable for use on another.
type LockClaimed struct {
	LedgerID LedgerID
	LockID   []byte
	Preimage []byte
	Key      DedupKey
}

// LockRefunded reports an expired lock returned to its depositor.
type LockRefunded struct {
	LedgerID LedgerID
	LockID   []byte
	Key      DedupKey
}

// LockExpired reports that a lock's timelock passed the confirmed chain time
// without a claim. The lock is still on the ledger, only refundable now.
type LockExpired struct {
	LedgerID LedgerID
	LockID   []byte
	Timelock UnixTime
	Key      DedupKey
}

// EventRetracted compensates an earlier emission that a chain reorganization
// invalidated. Retracted carries the deduplication key of the withdrawn
// event. Consumers must re-verify against ledger-read state rather than
// trust either observation.
type EventRetracted struct {
	LedgerID  LedgerID
	LockID    []byte
	Retracted DedupKey
	Key       DedupKey
}

func (e LockCreated) Ledger() LedgerID    { return e.LedgerID }
func (e LockClaimed) Ledger() LedgerID    { return e.LedgerID }
func (e LockRefunded) Ledger() LedgerID   { return e.LedgerID }
func (e LockExpired) Ledger() LedgerID    { return e.LedgerID }
func (e EventRetracted) Ledger() LedgerID { return e.LedgerID }

func (e LockCreated) Lock() []byte    { return e.LockID }
func (e LockClaimed) Lock() []byte    { return e.LockID }
func (e LockRefunded) Lock() []byte   { return e.LockID }
func (e LockExpired) Lock() []byte    { return e.LockID }
func (e EventRetracted) Lock() []byte { return e.LockID }

func (e LockCreated) Dedup() DedupKey    { return e.Key }
func (e LockClaimed) Dedup() DedupKey    { return e.Key }
func (e LockRefunded) Dedup() DedupKey   { return e.Key }
func (e LockExpired) Dedup() DedupKey    { return e.Key }
func (e EventRetracted) Dedup() DedupKey { return e.Key }

var (
	_ Event = LockCreated{}
	_ Event = LockClaimed{}
	_ Event = LockRefunded{}
	_ Event = LockExpired{}
	_ Event = EventRetracted{}
)
