package orchestrator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/orm"
	"github.com/iov-one/atomicswap/store"
	"github.com/iov-one/atomicswap/x/lock"
)

// EventSource is the watcher surface consumed by the orchestrator.
type EventSource interface {
	Events() <-chan atomicswap.Event
	Track(lockID []byte, timelock atomicswap.UnixTime) error
}

// Endpoint bundles the adapter and the event source of one ledger.
type Endpoint struct {
	Adapter atomicswap.Ledger
	Source  EventSource
}

// Options configures an orchestrator. Zero values are filled with defaults
// where a default exists.
type Options struct {
	// DB persists swap records.
	DB store.CacheableKVStore

	// Endpoints lists all participating ledgers.
	Endpoints []Endpoint

	Converter Converter
	Bridger   Bridger

	// SafetyMargin is the time budget reserved for relaying a revealed
	// secret from the destination back to the source lock. Default is 6h.
	SafetyMargin time.Duration

	// DestLockDuration is the lifetime of destination locks, relative to
	// the destination ledger clock. Default is 1h.
	DestLockDuration time.Duration

	// MaxRetries bounds backoff retries of transient collaborator and
	// submission failures. Default is 8.
	MaxRetries uint64

	// Buffer is the per-swap event channel capacity. Default is 16.
	Buffer int

	Logger log.Logger
}

func (o *Options) fillAndValidate() error {
	if o.DB == nil {
		return errors.Wrap(errors.ErrInvalidInput, "database is required")
	}
	if len(o.Endpoints) < 2 {
		return errors.Wrap(errors.ErrInvalidInput, "at least two ledger endpoints required")
	}
	seen := make(map[atomicswap.LedgerID]bool)
	for i, ep := range o.Endpoints {
		if ep.Adapter == nil || ep.Source == nil {
			return errors.ErrInvalidInput.Newf("endpoint %d incomplete", i)
		}
		id := ep.Adapter.ID()
		if err := id.Validate(); err != nil {
			return errors.Wrapf(err, "endpoint %d", i)
		}
		if seen[id] {
			return errors.ErrInvalidInput.Newf("duplicate endpoint for ledger %q", id)
		}
		seen[id] = true
	}
	if o.Converter == nil {
		return errors.Wrap(errors.ErrInvalidInput, "converter is required")
	}
	if o.Bridger == nil {
		return errors.Wrap(errors.ErrInvalidInput, "bridger is required")
	}
	if o.SafetyMargin < 0 {
		return errors.Wrap(errors.ErrInvalidInput, "negative safety margin")
	}
	if o.SafetyMargin == 0 {
		o.SafetyMargin = 6 * time.Hour
	}
	if o.DestLockDuration < 0 {
		return errors.Wrap(errors.ErrInvalidInput, "negative destination lock duration")
	}
	if o.DestLockDuration == 0 {
		o.DestLockDuration = time.Hour
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 8
	}
	if o.Buffer == 0 {
		o.Buffer = 16
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return nil
}

// StatusUpdate is one status change notification.
type StatusUpdate struct {
	SwapID string
	Status Status
	Reason Reason
}

// Orchestrator drives all swaps registered with it. Create one with
// NewOrchestrator and call Run to make it operational.
type Orchestrator struct {
	opts      Options
	logger    log.Logger
	bucket    orm.Bucket
	endpoints map[atomicswap.LedgerID]Endpoint
	locks     map[atomicswap.LedgerID]*lock.RemoteLocks
	updates   chan StatusUpdate

	// storeMu serializes swap record reads and writes; tasks run in their
	// own goroutines but share one store.
	storeMu sync.Mutex

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	wg       sync.WaitGroup
	tasks    map[string]*task
	routes   map[string]*task
	awaiting map[string]*task
}

type task struct {
	swapID string
	events chan atomicswap.Event
}

// NewOrchestrator creates an orchestrator from given options.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if err := opts.fillAndValidate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	o := &Orchestrator{
		opts:      opts,
		logger:    opts.Logger.With("module", "orchestrator"),
		bucket:    NewBucket(),
		endpoints: make(map[atomicswap.LedgerID]Endpoint),
		locks:     make(map[atomicswap.LedgerID]*lock.RemoteLocks),
		updates:   make(chan StatusUpdate, 128),
		tasks:     make(map[string]*task),
		routes:    make(map[string]*task),
		awaiting:  make(map[string]*task),
	}
	for _, ep := range opts.Endpoints {
		id := ep.Adapter.ID()
		o.endpoints[id] = ep
		o.locks[id] = lock.NewRemoteLocks(ep.Adapter)
	}
	return o, nil
}

// Updates returns status change notifications. The channel is buffered and
// slow consumers lose updates; use SwapStatus for the authoritative state.
func (o *Orchestrator) Updates() <-chan StatusUpdate {
	return o.updates
}

// SwapStatus returns the persisted state of given swap.
func (o *Orchestrator) SwapStatus(swapID string) (*SwapRecord, error) {
	o.storeMu.Lock()
	defer o.storeMu.Unlock()
	var rec SwapRecord
	if err := o.bucket.One(o.opts.DB, []byte(swapID), &rec); err != nil {
		return nil, err
	}
	return rec.Copy(), nil
}

// Run recovers all non-terminal swaps and routes ledger events until the
// context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.Wrap(errors.ErrInvalidState, "already running")
	}
	o.running = true
	o.ctx = ctx
	o.mu.Unlock()

	if err := o.recoverSwaps(); err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return errors.Wrap(err, "recover swaps")
	}

	merged := make(chan atomicswap.Event)
	for _, ep := range o.endpoints {
		go forward(ctx, ep.Source.Events(), merged)
	}

	for {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
			o.wg.Wait()
			return ctx.Err()
		case e := <-merged:
			o.dispatch(e)
		}
	}
}

func forward(ctx context.Context, in <-chan atomicswap.Event, out chan<- atomicswap.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-in:
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

// InitiateRequest registers interest in an incoming swap: the counterparty
// will lock SourceAmount on the source ledger under Commitment, and the
// orchestrator mirrors it on the destination ledger.
type InitiateRequest struct {
	SourceLedger atomicswap.LedgerID
	DestLedger   atomicswap.LedgerID
	Commitment   []byte
	SourceAmount coin.Coin
	// DestTicker is the currency the destination lock is denominated in.
	DestTicker string
	// DestBeneficiary is the counterparty identity on the destination
	// ledger, DestDepositor the orchestrator's liquidity address there.
	DestBeneficiary atomicswap.Address
	DestDepositor   atomicswap.Address
}

// Validate ensures the request is complete.
func (r *InitiateRequest) Validate() error {
	if err := r.SourceLedger.Validate(); err != nil {
		return errors.Wrap(err, "source ledger")
	}
	if err := r.DestLedger.Validate(); err != nil {
		return errors.Wrap(err, "destination ledger")
	}
	if r.SourceLedger == r.DestLedger {
		return errors.Wrap(errors.ErrInvalidInput, "source and destination ledger must differ")
	}
	if len(r.Commitment) != atomicswap.CommitmentLength {
		return errors.ErrInvalidInput.Newf("commitment has to be exactly %d bytes", atomicswap.CommitmentLength)
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
	return nil
}

// Initiate registers a new swap and returns its id. The orchestrator must be
// running.
func (o *Orchestrator) Initiate(req *InitiateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if _, ok := o.endpoints[req.SourceLedger]; !ok {
		return "", errors.ErrNotFound.Newf("no endpoint for ledger %q", req.SourceLedger)
	}
	if _, ok := o.endpoints[req.DestLedger]; !ok {
		return "", errors.ErrNotFound.Newf("no endpoint for ledger %q", req.DestLedger)
	}

	rec := &SwapRecord{
		SwapID:          uuid.New().String(),
		Source:          LockRef{Ledger: req.SourceLedger},
		Dest:            LockRef{Ledger: req.DestLedger},
		Commitment:      append([]byte(nil), req.Commitment...),
		SourceAmount:    req.SourceAmount,
		DestTicker:      req.DestTicker,
		DestBeneficiary: req.DestBeneficiary,
		DestDepositor:   req.DestDepositor,
		Status:          StatusInitiated,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return "", errors.Wrap(errors.ErrInvalidState, "not running")
	}
	if err := o.persist(rec); err != nil {
		return "", err
	}
	o.spawnLocked(rec)
	return rec.SwapID, nil
}

// recoverSwaps reloads every non-terminal record and resumes its task.
func (o *Orchestrator) recoverSwaps() error {
	var recs []*SwapRecord
	o.storeMu.Lock()
	err := o.bucket.Iterate(o.opts.DB, func(key []byte, load func(orm.Model) error) bool {
		var rec SwapRecord
		if err := load(&rec); err != nil {
			o.logger.Error("cannot load swap record", "key", fmt.Sprintf("%X", key), "err", err)
			return true
		}
		if !rec.Status.Terminal() {
			recs = append(recs, rec.Copy())
		}
		return true
	})
	o.storeMu.Unlock()
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range recs {
		o.logger.Info("resuming swap", "swap", rec.SwapID, "status", rec.Status)
		o.spawnLocked(rec)
	}
	return nil
}

// spawnLocked registers routing for the record and starts its task. The
// caller must hold the mutex.
func (o *Orchestrator) spawnLocked(rec *SwapRecord) {
	t := &task{
		swapID: rec.SwapID,
		events: make(chan atomicswap.Event, o.opts.Buffer),
	}
	o.tasks[rec.SwapID] = t
	if len(rec.Source.LockID) > 0 {
		o.routes[routeKey(rec.Source.Ledger, rec.Source.LockID)] = t
	} else {
		o.awaiting[commitKey(rec.Source.Ledger, rec.Commitment)] = t
	}
	if len(rec.Dest.LockID) > 0 {
		o.routes[routeKey(rec.Dest.Ledger, rec.Dest.LockID)] = t
	} else {
		o.awaiting[commitKey(rec.Dest.Ledger, rec.Commitment)] = t
	}

	o.wg.Add(1)
	go o.runSwap(o.ctx, t, rec)
}

// dispatch routes an event to the task owning the lock it concerns. A
// creation event for an unrouted lock is matched against swaps awaiting a
// lock under that commitment on that ledger.
func (o *Orchestrator) dispatch(e atomicswap.Event) {
	o.mu.Lock()
	t := o.routes[routeKey(e.Ledger(), e.Lock())]
	if t == nil {
		if created, ok := e.(atomicswap.LockCreated); ok {
			key := commitKey(created.LedgerID, created.Commitment)
			if t = o.awaiting[key]; t != nil {
				delete(o.awaiting, key)
				o.routes[routeKey(created.LedgerID, created.LockID)] = t
			}
		}
	}
	o.mu.Unlock()

	if t == nil {
		// Not a lock this orchestrator cares about.
		return
	}
	select {
	case t.events <- e:
	default:
		// Never stall the router behind one slow task. Delivery is
		// at-least-once, a dropped event reappears on replay and the
		// record reconciles against chain state.
		o.logger.Error("task event buffer full, dropping event",
			"swap", t.swapID, "event", fmt.Sprintf("%T", e))
	}
}

// finish removes all routing state of a terminal swap.
func (o *Orchestrator) finish(rec *SwapRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.tasks, rec.SwapID)
	delete(o.routes, routeKey(rec.Source.Ledger, rec.Source.LockID))
	delete(o.routes, routeKey(rec.Dest.Ledger, rec.Dest.LockID))
	delete(o.awaiting, commitKey(rec.Source.Ledger, rec.Commitment))
	delete(o.awaiting, commitKey(rec.Dest.Ledger, rec.Commitment))
}

// persist writes the record with an incremented version. A version that does
// not match the stored one is rejected, protecting against out-of-order
// writes.
func (o *Orchestrator) persist(rec *SwapRecord) error {
	o.storeMu.Lock()
	defer o.storeMu.Unlock()

	var cur SwapRecord
	switch err := o.bucket.One(o.opts.DB, []byte(rec.SwapID), &cur); {
	case err == nil:
		if cur.Version != rec.Version {
			return errors.ErrInvalidState.Newf(
				"stale swap record: version %d, store has %d", rec.Version, cur.Version)
		}
	case errors.ErrNotFound.Is(err):
		if rec.Version != 0 {
			return errors.ErrInvalidState.Newf(
				"swap record version %d not in the store", rec.Version)
		}
	default:
		return errors.Wrap(err, "load swap record")
	}

	if rec.Status.Terminal() {
		rec.Secret = nil
	}
	rec.Version++
	if err := o.bucket.Put(o.opts.DB, []byte(rec.SwapID), rec); err != nil {
		rec.Version--
		return errors.Wrap(err, "save swap record")
	}

	select {
	case o.updates <- StatusUpdate{SwapID: rec.SwapID, Status: rec.Status, Reason: rec.Reason}:
	default:
		o.logger.Info("status update dropped", "swap", rec.SwapID, "status", rec.Status)
	}
	return nil
}

func routeKey(ledger atomicswap.LedgerID, lockID []byte) string {
	return string(ledger) + "/" + hex.EncodeToString(lockID)
}

func commitKey(ledger atomicswap.LedgerID, commitment []byte) string {
	return string(ledger) + "#" + hex.EncodeToString(commitment)
}

// retry runs op until it succeeds, fails with a non-transient error or the
// retry budget is exhausted.
func (o *Orchestrator) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	wrapped := func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.ErrTransient.Is(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, o.opts.MaxRetries), ctx))
}
