package swaptest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/store"
	"github.com/iov-one/atomicswap/x/cash"
	"github.com/iov-one/atomicswap/x/lock"
)

// Ledger is an in-memory hosting ledger for tests. It implements both the
// adapter and the block source interfaces over the real lock state machine,
// with a clock and block production under direct test control.
//
// All methods are safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	id    atomicswap.LedgerID
	db    store.CacheableKVStore
	bank  cash.Controller
	locks *lock.Controller

	now      atomicswap.UnixTime
	interval time.Duration
	blocks   []*atomicswap.Block
	pending  []pendingTx
	txSeq    int
	fork     int

	submitFailures int
	submitErr      error
}

type pendingTx struct {
	ref atomicswap.TxRef
	tx  atomicswap.Tx
}

var (
	_ atomicswap.Ledger      = (*Ledger)(nil)
	_ atomicswap.BlockSource = (*Ledger)(nil)
)

// NewLedger creates an empty test ledger with its clock at given time and one
// empty genesis block. Block production advances the clock by interval.
func NewLedger(id atomicswap.LedgerID, genesis atomicswap.UnixTime, interval time.Duration) *Ledger {
	bank := cash.NewController()
	l := &Ledger{
		id:       id,
		db:       store.MemStore(),
		bank:     bank,
		locks:    lock.NewController(bank),
		now:      genesis,
		interval: interval,
	}
	l.blocks = append(l.blocks, &atomicswap.Block{
		Height: 1,
		Hash:   l.headerHash(1, nil),
		Time:   genesis,
	})
	return l
}

// ID implements the adapter interface.
func (l *Ledger) ID() atomicswap.LedgerID { return l.id }

// Submit queues a transaction for inclusion in the next produced block.
func (l *Ledger) Submit(ctx context.Context, tx atomicswap.Tx) (atomicswap.TxRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.submitFailures > 0 {
		l.submitFailures--
		return "", l.submitErr
	}
	if err := tx.Validate(); err != nil {
		return "", err
	}
	l.txSeq++
	ref := atomicswap.TxRef(fmt.Sprintf("%s-tx-%d", l.id, l.txSeq))
	l.pending = append(l.pending, pendingTx{ref: ref, tx: tx})
	return ref, nil
}

// FailSubmits makes the next n Submit calls fail with err before reaching the
// mempool.
func (l *Ledger) FailSubmits(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitFailures = n
	l.submitErr = err
}

// ReadLock implements the adapter interface.
func (l *Ledger) ReadLock(ctx context.Context, lockID []byte) (*atomicswap.LockView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, err := l.locks.Load(l.db, lockID)
	if err != nil {
		return nil, err
	}
	return lk.View(lockID), nil
}

// CurrentTime implements the adapter interface.
func (l *Ledger) CurrentTime(ctx context.Context) (atomicswap.UnixTime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now, nil
}

// TimelockAfter implements the adapter interface.
func (l *Ledger) TimelockAfter(ctx context.Context, d time.Duration) (atomicswap.UnixTime, error) {
	if d <= 0 {
		return 0, errors.Wrap(errors.ErrInvalidInput, "duration must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now.Add(d), nil
}

// Height implements the block source interface.
func (l *Ledger) Height(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.blocks)), nil
}

// BlockAt implements the block source interface.
func (l *Ledger) BlockAt(ctx context.Context, height int64) (*atomicswap.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if height < 1 || height > int64(len(l.blocks)) {
		return nil, errors.ErrNotFound.Newf("no block at height %d", height)
	}
	return l.blocks[height-1], nil
}

// LockByCommitment returns the id of the lock escrowed under given
// commitment, or ErrNotFound when no such lock was created yet.
func (l *Ledger) LockByCommitment(commitment []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks.ByCommitment(l.db, commitment)
}

// Fund credits the address outside of any lock flow.
func (l *Ledger) Fund(addr atomicswap.Address, amount coin.Coin) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bank.IssueCoins(l.db, addr, amount)
}

// Balance returns the funds held by given address.
func (l *Ledger) Balance(addr atomicswap.Address) (coin.Coin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bank.Balance(l.db, addr)
}

// AdvanceTime moves the ledger clock forward without producing a block.
func (l *Ledger) AdvanceTime(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = l.now.Add(d)
}

// CommitBlock executes all queued transactions in submission order and
// appends the resulting block to the chain. Transactions rejected by the
// state machine are dropped silently, exactly as a real chain drops invalid
// transactions at execution time. The new block is returned.
func (l *Ledger) CommitBlock() *atomicswap.Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.now = l.now.Add(l.interval)
	height := int64(len(l.blocks)) + 1

	var events []atomicswap.Event
	for _, p := range l.pending {
		if e := l.execTx(height, p); e != nil {
			events = append(events, e)
		}
	}
	l.pending = nil

	block := &atomicswap.Block{
		Height: height,
		Hash:   l.headerHash(height, l.blocks[len(l.blocks)-1].Hash),
		Time:   l.now,
		Events: events,
	}
	l.blocks = append(l.blocks, block)
	return block
}

func (l *Ledger) execTx(height int64, p pendingTx) atomicswap.Event {
	key := atomicswap.NewDedupKey(l.id, height, p.ref)

	// Each transaction runs in its own cache wrap so a failed one leaves
	// no partial writes behind.
	cache := l.db.CacheWrap()
	switch tx := p.tx.(type) {
	case *atomicswap.CreateLockTx:
		lockID, err := l.locks.Create(cache, l.now, tx)
		if err != nil {
			cache.Discard()
			return nil
		}
		cache.Write()
		return atomicswap.LockCreated{
			LedgerID:    l.id,
			LockID:      lockID,
			Commitment:  tx.Commitment,
			Amount:      tx.Amount,
			Depositor:   tx.Depositor,
			Beneficiary: tx.Beneficiary,
			Timelock:    tx.Timelock,
			Key:         key,
		}
	case *atomicswap.ClaimLockTx:
		if err := l.locks.Claim(cache, l.now, tx.LockID, tx.Preimage); err != nil {
			cache.Discard()
			return nil
		}
		cache.Write()
		return atomicswap.LockClaimed{
			LedgerID: l.id,
			LockID:   tx.LockID,
			Preimage: tx.Preimage,
			Key:      key,
		}
	case *atomicswap.RefundLockTx:
		if err := l.locks.Refund(cache, l.now, tx.LockID); err != nil {
			cache.Discard()
			return nil
		}
		cache.Write()
		return atomicswap.LockRefunded{
			LedgerID: l.id,
			LockID:   tx.LockID,
			Key:      key,
		}
	default:
		cache.Discard()
		return nil
	}
}

// Reorg drops the top depth blocks and replaces them with empty blocks of
// different hashes, simulating a fork that orphaned the transactions in the
// dropped blocks. The ledger state itself is not rewound; consumers are
// expected to re-verify through ReadLock, which is exactly what the engine
// does with retracted events.
func (l *Ledger) Reorg(depth int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if depth <= 0 || depth >= len(l.blocks) {
		return
	}
	l.fork++
	keep := len(l.blocks) - depth
	parent := l.blocks[keep-1].Hash
	for i := keep; i < len(l.blocks); i++ {
		old := l.blocks[i]
		parent = l.headerHash(old.Height, parent)
		l.blocks[i] = &atomicswap.Block{
			Height: old.Height,
			Hash:   parent,
			Time:   old.Time,
		}
	}
}

func (l *Ledger) headerHash(height int64, parent []byte) []byte {
	h := sha256.New()
	h.Write([]byte(l.id))
	h.Write(parent)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(l.fork))
	h.Write(buf[:])
	return h.Sum(nil)
}
