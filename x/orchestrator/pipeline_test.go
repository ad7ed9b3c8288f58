package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/commitment"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/store"
	"github.com/iov-one/atomicswap/swaptest/assert"
)

type stubAdapter struct {
	mu        sync.Mutex
	id        atomicswap.LedgerID
	now       atomicswap.UnixTime
	views     map[string]*atomicswap.LockView
	submitted []atomicswap.Tx
	readErrs  []error
}

func newStubAdapter(id atomicswap.LedgerID, now atomicswap.UnixTime) *stubAdapter {
	return &stubAdapter{id: id, now: now, views: make(map[string]*atomicswap.LockView)}
}

func (a *stubAdapter) ID() atomicswap.LedgerID { return a.id }

func (a *stubAdapter) Submit(ctx context.Context, tx atomicswap.Tx) (atomicswap.TxRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := tx.Validate(); err != nil {
		return "", err
	}
	a.submitted = append(a.submitted, tx)
	return atomicswap.TxRef(fmt.Sprintf("%s-tx-%d", a.id, len(a.submitted))), nil
}

func (a *stubAdapter) ReadLock(ctx context.Context, lockID []byte) (*atomicswap.LockView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.readErrs) > 0 {
		err := a.readErrs[0]
		a.readErrs = a.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	view, ok := a.views[string(lockID)]
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "no such lock")
	}
	return view, nil
}

func (a *stubAdapter) CurrentTime(ctx context.Context) (atomicswap.UnixTime, error) {
	return a.now, nil
}

func (a *stubAdapter) TimelockAfter(ctx context.Context, d time.Duration) (atomicswap.UnixTime, error) {
	return a.now.Add(d), nil
}

func (a *stubAdapter) submittedTxs() []atomicswap.Tx {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]atomicswap.Tx(nil), a.submitted...)
}

type stubSource struct {
	ch      chan atomicswap.Event
	tracked [][]byte
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan atomicswap.Event, 16)}
}

func (s *stubSource) Events() <-chan atomicswap.Event { return s.ch }

func (s *stubSource) Track(lockID []byte, timelock atomicswap.UnixTime) error {
	s.tracked = append(s.tracked, lockID)
	return nil
}

type stubBridger struct {
	errs  []error
	calls int
}

func (b *stubBridger) Bridge(ctx context.Context, amount coin.Coin, dest atomicswap.LedgerID, depositor atomicswap.Address) (BridgeReceipt, error) {
	b.calls++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return BridgeReceipt{}, err
		}
	}
	return BridgeReceipt{Ref: fmt.Sprintf("bridge-%d", b.calls)}, nil
}

type failingConverter struct {
	err error
}

func (c failingConverter) Convert(ctx context.Context, amount coin.Coin, destTicker string) (Quote, error) {
	return Quote{}, c.err
}

type fixture struct {
	o      *Orchestrator
	src    *stubAdapter
	dst    *stubAdapter
	srcSrc *stubSource
	dstSrc *stubSource
}

func newFixture(t assert.Tester, mod func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		src:    newStubAdapter("src", 1000),
		dst:    newStubAdapter("dst", 5000),
		srcSrc: newStubSource(),
		dstSrc: newStubSource(),
	}
	opts := Options{
		DB: store.MemStore(),
		Endpoints: []Endpoint{
			{Adapter: f.src, Source: f.srcSrc},
			{Adapter: f.dst, Source: f.dstSrc},
		},
		Converter:        FixedRateConverter{Ticker: "BTC", Rate: decimal.New(1, 0)},
		Bridger:          &stubBridger{},
		SafetyMargin:     100 * time.Second,
		DestLockDuration: 200 * time.Second,
		MaxRetries:       3,
	}
	if mod != nil {
		mod(&opts)
	}
	o, err := NewOrchestrator(opts)
	assert.Nil(t, err)
	f.o = o
	return f
}

// seed persists the record and plays the source lock creation so the swap
// reaches the state under test.
func (f *fixture) seed(t assert.Tester, rec *SwapRecord) {
	t.Helper()
	assert.Nil(t, f.o.persist(rec))
}

func sourceLockEvent(rec *SwapRecord, lockID []byte) atomicswap.LockCreated {
	return atomicswap.LockCreated{
		LedgerID:   rec.Source.Ledger,
		LockID:     lockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   0,
		Key:        atomicswap.NewDedupKey(rec.Source.Ledger, 10, "tx-create"),
	}
}

func TestPipelineCreatesDestinationLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	rec := validRecord(t)
	f.seed(t, rec)

	lockID := []byte{0, 0, 0, 0, 0, 0, 0, 1}
	f.src.views[string(lockID)] = &atomicswap.LockView{
		LockID:     lockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   f.src.now.Add(10000 * time.Second),
		State:      atomicswap.LockStateLocked,
	}

	assert.Nil(t, f.o.handleEvent(ctx, rec, sourceLockEvent(rec, lockID)))
	assert.Equal(t, StatusConverted, rec.Status)

	txs := f.dst.submittedTxs()
	assert.Equal(t, 1, len(txs))
	create, ok := txs[0].(*atomicswap.CreateLockTx)
	assert.Equal(t, true, ok)
	assert.Equal(t, rec.Commitment, create.Commitment)
	assert.Equal(t, "BTC", create.Amount.Ticker)
	// dest timelock respects the safety margin against the source lock
	assert.Equal(t, true, create.Timelock == f.dst.now.Add(200*time.Second))

	// the source lock is tracked for expiry from now on
	assert.Equal(t, 1, len(f.srcSrc.tracked))
}

func TestPipelineRejectsUnsafeTimelock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	rec := validRecord(t)
	f.seed(t, rec)

	// Source timelock leaves less headroom than duration+margin need.
	lockID := []byte{1}
	f.src.views[string(lockID)] = &atomicswap.LockView{
		LockID:     lockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   f.src.now.Add(250 * time.Second),
		State:      atomicswap.LockStateLocked,
	}

	assert.Nil(t, f.o.handleEvent(ctx, rec, sourceLockEvent(rec, lockID)))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, ReasonUnsafeTimelock, rec.Reason)
	// no destination lock was ever submitted
	assert.Equal(t, 0, len(f.dst.submittedTxs()))
}

func TestPipelineToleratesSkewedLedgerClocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	// The destination clock runs millions of seconds ahead of the source
	// clock. With generous source headroom the swap must still proceed;
	// comparing the two timestamps directly would wrongly abort it.
	f.src.now = 1000000
	f.dst.now = 5000000
	rec := validRecord(t)
	f.seed(t, rec)

	lockID := []byte{1}
	f.src.views[string(lockID)] = &atomicswap.LockView{
		LockID:     lockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   f.src.now.Add(500000 * time.Second),
		State:      atomicswap.LockStateLocked,
	}

	assert.Nil(t, f.o.handleEvent(ctx, rec, sourceLockEvent(rec, lockID)))
	assert.Equal(t, StatusConverted, rec.Status)

	txs := f.dst.submittedTxs()
	assert.Equal(t, 1, len(txs))
	create, ok := txs[0].(*atomicswap.CreateLockTx)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, create.Timelock == f.dst.now.Add(200*time.Second))
}

func TestPipelineConversionFailureAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) {
		o.Converter = failingConverter{err: errors.ErrInvalidInput.New("unsupported pair")}
	})
	rec := validRecord(t)
	f.seed(t, rec)

	lockID := []byte{1}
	f.src.views[string(lockID)] = &atomicswap.LockView{
		LockID:     lockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   f.src.now.Add(10000 * time.Second),
		State:      atomicswap.LockStateLocked,
	}

	assert.Nil(t, f.o.handleEvent(ctx, rec, sourceLockEvent(rec, lockID)))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, ReasonConversionFailed, rec.Reason)
	assert.Equal(t, 0, len(f.dst.submittedTxs()))
}

func TestPipelineRetriesTransientBridgeFailures(t *testing.T) {
	ctx := context.Background()
	bridger := &stubBridger{errs: []error{
		errors.ErrTransient.New("bridge busy"),
		errors.ErrTransient.New("bridge busy"),
	}}
	f := newFixture(t, func(o *Options) { o.Bridger = bridger })
	rec := validRecord(t)
	f.seed(t, rec)

	lockID := []byte{1}
	f.src.views[string(lockID)] = &atomicswap.LockView{
		LockID:     lockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   f.src.now.Add(10000 * time.Second),
		State:      atomicswap.LockStateLocked,
	}

	assert.Nil(t, f.o.handleEvent(ctx, rec, sourceLockEvent(rec, lockID)))
	assert.Equal(t, StatusConverted, rec.Status)
	assert.Equal(t, 3, bridger.calls)
	assert.Equal(t, 1, len(f.dst.submittedTxs()))
}

func TestResumeConvertedDoesNotRebridge(t *testing.T) {
	ctx := context.Background()
	bridger := &stubBridger{}
	f := newFixture(t, func(o *Options) { o.Bridger = bridger })
	rec := validRecord(t)
	rec.Source.LockID = []byte("src-lock")
	rec.SourceTimelock = f.src.now.Add(10000 * time.Second)
	rec.DestAmount = coin.NewCoin(5, 0, "BTC")
	rec.BridgeRef = "bridge-1"
	rec.Status = StatusConverted
	f.seed(t, rec)

	// The record already carries a bridge receipt; resuming must go
	// straight to the destination lock without moving value again.
	assert.Nil(t, f.o.resume(ctx, rec))
	assert.Equal(t, 0, bridger.calls)
	assert.Equal(t, 1, len(f.dst.submittedTxs()))
}

func TestSourceVerificationRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	rec := validRecord(t)
	f.seed(t, rec)

	lockID := []byte{1}
	f.src.views[string(lockID)] = &atomicswap.LockView{
		LockID:     lockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   f.src.now.Add(10000 * time.Second),
		State:      atomicswap.LockStateLocked,
	}
	f.src.readErrs = []error{
		errors.ErrTransient.New("rpc unavailable"),
		errors.ErrTransient.New("rpc unavailable"),
	}

	assert.Nil(t, f.o.handleEvent(ctx, rec, sourceLockEvent(rec, lockID)))
	assert.Equal(t, StatusConverted, rec.Status)
	assert.Equal(t, 1, len(f.dst.submittedTxs()))
}

func TestFailedEventCanBeRedelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	rec := validRecord(t)
	f.seed(t, rec)

	lockID := []byte{1}
	f.src.views[string(lockID)] = &atomicswap.LockView{
		LockID:     lockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   f.src.now.Add(10000 * time.Second),
		State:      atomicswap.LockStateLocked,
	}
	f.src.readErrs = []error{errors.ErrInvalidState.New("rpc returned garbage")}

	// A failed event must not be remembered as processed, the swap would
	// otherwise be stuck without its source lock forever.
	e := sourceLockEvent(rec, lockID)
	err := f.o.applyEvent(ctx, rec, e)
	assert.IsErr(t, errors.ErrInvalidState, err)
	assert.Equal(t, false, rec.WasProcessed(e.Dedup()))

	assert.Nil(t, f.o.applyEvent(ctx, rec, e))
	assert.Equal(t, StatusConverted, rec.Status)
	assert.Equal(t, true, rec.WasProcessed(e.Dedup()))
}

func TestDispatchDoesNotBlockOnFullTask(t *testing.T) {
	f := newFixture(t, nil)

	stuck := &task{swapID: "stuck", events: make(chan atomicswap.Event, 1)}
	other := &task{swapID: "other", events: make(chan atomicswap.Event, 1)}
	f.o.routes[routeKey("src", []byte{1})] = stuck
	f.o.routes[routeKey("src", []byte{2})] = other

	// Two events for the stuck task overflow its buffer; the second one is
	// dropped instead of wedging the router, and delivery to other tasks
	// continues.
	f.o.dispatch(atomicswap.LockClaimed{
		LedgerID: "src", LockID: []byte{1},
		Key: atomicswap.NewDedupKey("src", 1, "a"),
	})
	f.o.dispatch(atomicswap.LockClaimed{
		LedgerID: "src", LockID: []byte{1},
		Key: atomicswap.NewDedupKey("src", 2, "b"),
	})
	f.o.dispatch(atomicswap.LockClaimed{
		LedgerID: "src", LockID: []byte{2},
		Key: atomicswap.NewDedupKey("src", 3, "c"),
	})

	assert.Equal(t, 1, len(stuck.events))
	assert.Equal(t, 1, len(other.events))
}

// destLockedRecord fast-forwards a record into DestLocked with a live
// destination lock view.
func destLockedRecord(t assert.Tester, f *fixture, secret []byte, sourceTimelock atomicswap.UnixTime) *SwapRecord {
	t.Helper()
	rec := validRecord(t)
	rec.Commitment = commitment.Commit(secret)
	rec.Source.LockID = []byte("src-lock")
	rec.SourceTimelock = sourceTimelock
	rec.Dest.LockID = []byte("dst-lock")
	rec.DestTimelock = f.dst.now.Add(200 * time.Second)
	rec.DestAmount = coin.NewCoin(5, 0, "BTC")
	rec.Status = StatusDestLocked

	f.src.views["src-lock"] = &atomicswap.LockView{
		LockID:     rec.Source.LockID,
		Commitment: rec.Commitment,
		Amount:     rec.SourceAmount,
		Timelock:   sourceTimelock,
		State:      atomicswap.LockStateLocked,
	}
	f.dst.views["dst-lock"] = &atomicswap.LockView{
		LockID:     rec.Dest.LockID,
		Commitment: rec.Commitment,
		Amount:     rec.DestAmount,
		Timelock:   rec.DestTimelock,
		State:      atomicswap.LockStateLocked,
	}
	f.seed(t, rec)
	return rec
}

func TestSecretRelayClaimsSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)
	rec := destLockedRecord(t, f, secret, f.src.now.Add(10000*time.Second))

	e := atomicswap.LockClaimed{
		LedgerID: rec.Dest.Ledger,
		LockID:   rec.Dest.LockID,
		Preimage: secret,
		Key:      atomicswap.NewDedupKey(rec.Dest.Ledger, 20, "tx-claim"),
	}
	assert.Nil(t, f.o.handleEvent(ctx, rec, e))

	assert.Equal(t, StatusSourceClaimed, rec.Status)
	txs := f.src.submittedTxs()
	assert.Equal(t, 1, len(txs))
	claim, ok := txs[0].(*atomicswap.ClaimLockTx)
	assert.Equal(t, true, ok)
	assert.Equal(t, secret, claim.Preimage)
}

func TestForgedClaimEventIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)
	wrong, err := commitment.GenerateSecret()
	assert.Nil(t, err)
	rec := destLockedRecord(t, f, secret, f.src.now.Add(10000*time.Second))

	e := atomicswap.LockClaimed{
		LedgerID: rec.Dest.Ledger,
		LockID:   rec.Dest.LockID,
		Preimage: wrong,
		Key:      atomicswap.NewDedupKey(rec.Dest.Ledger, 20, "tx-forged"),
	}
	assert.Nil(t, f.o.handleEvent(ctx, rec, e))

	// The forged event must not advance the swap or leak into a source
	// claim.
	assert.Equal(t, StatusDestLocked, rec.Status)
	assert.Equal(t, 0, len(rec.Secret))
	assert.Equal(t, 0, len(f.src.submittedTxs()))
}

func TestStrandedLegIsExplicit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)
	// Source timelock already behind the source ledger clock.
	rec := destLockedRecord(t, f, secret, f.src.now-10)

	e := atomicswap.LockClaimed{
		LedgerID: rec.Dest.Ledger,
		LockID:   rec.Dest.LockID,
		Preimage: secret,
		Key:      atomicswap.NewDedupKey(rec.Dest.Ledger, 20, "tx-claim"),
	}
	assert.Nil(t, f.o.handleEvent(ctx, rec, e))

	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, ReasonStrandedLeg, rec.Reason)
	// terminal persist erased the secret
	stored, err := f.o.SwapStatus(rec.SwapID)
	assert.Nil(t, err)
	assert.Equal(t, 0, len(stored.Secret))
}

func TestDestinationTimeoutRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)
	rec := destLockedRecord(t, f, secret, f.src.now.Add(10000*time.Second))

	// The destination clock passed the timelock without a claim.
	f.dst.now = rec.DestTimelock + 1
	e := atomicswap.LockExpired{
		LedgerID: rec.Dest.Ledger,
		LockID:   rec.Dest.LockID,
		Timelock: rec.DestTimelock,
		Key:      atomicswap.NewDedupKey(rec.Dest.Ledger, 40, "expire"),
	}
	assert.Nil(t, f.o.handleEvent(ctx, rec, e))
	assert.Equal(t, StatusRefunding, rec.Status)

	txs := f.dst.submittedTxs()
	assert.Equal(t, 1, len(txs))
	_, ok := txs[0].(*atomicswap.RefundLockTx)
	assert.Equal(t, true, ok)

	refunded := atomicswap.LockRefunded{
		LedgerID: rec.Dest.Ledger,
		LockID:   rec.Dest.LockID,
		Key:      atomicswap.NewDedupKey(rec.Dest.Ledger, 41, "tx-refund"),
	}
	// The refund resolves the swap safely; it completes as refunded
	// rather than failing.
	assert.Nil(t, f.o.handleEvent(ctx, rec, refunded))
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, ReasonRefunded, rec.Reason)
}

func TestPersistRejectsStaleVersion(t *testing.T) {
	f := newFixture(t, nil)
	rec := validRecord(t)
	f.seed(t, rec)
	assert.Equal(t, int64(1), rec.Version)

	stale := rec.Copy()
	assert.Nil(t, f.o.persist(rec))

	stale.Status = StatusFailed
	err := f.o.persist(stale)
	assert.IsErr(t, errors.ErrInvalidState, err)
}
