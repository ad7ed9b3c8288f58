package orchestrator

import (
	"bytes"
	"context"
	"fmt"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/commitment"
	"github.com/iov-one/atomicswap/errors"
)

// runSwap is the single goroutine owning one swap record. It resumes
// whatever step the record was persisted in and then applies routed events
// until the swap is terminal.
func (o *Orchestrator) runSwap(ctx context.Context, t *task, rec *SwapRecord) {
	defer o.wg.Done()
	logger := o.logger.With("swap", rec.SwapID)

	if err := o.resume(ctx, rec); err != nil && ctx.Err() == nil {
		logger.Error("resume failed", "status", rec.Status, "err", err)
	}

	for !rec.Status.Terminal() {
		select {
		case <-ctx.Done():
			return
		case e := <-t.events:
			if err := o.applyEvent(ctx, rec, e); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("event handling failed",
					"event", fmt.Sprintf("%T", e), "err", err)
			}
		}
	}
	o.finish(rec)
}

// resume continues the pipeline after a restart. Swaps that already created
// their destination lock only re-arm waiting; side-effecting steps are never
// re-executed for them.
func (o *Orchestrator) resume(ctx context.Context, rec *SwapRecord) error {
	switch rec.Status {
	case StatusInitiated:
		// Waiting for the counterparty's source lock.
		return nil
	case StatusSourceLocked, StatusConverted:
		return o.pipeline(ctx, rec)
	case StatusDestLocked:
		return o.trackLock(rec.Dest, rec.DestTimelock)
	case StatusDestClaimed:
		return o.claimSource(ctx, rec)
	case StatusSourceClaimed:
		// Waiting for the source claim confirmation.
		return nil
	case StatusRefunding:
		return o.refundDest(ctx, rec)
	default:
		return nil
	}
}

// applyEvent deduplicates and handles one routed event. The event is marked
// processed only after it was handled, so a failed event stays eligible for
// redelivery.
func (o *Orchestrator) applyEvent(ctx context.Context, rec *SwapRecord, e atomicswap.Event) error {
	if rec.WasProcessed(e.Dedup()) {
		return nil
	}
	if err := o.handleEvent(ctx, rec, e); err != nil {
		return err
	}
	rec.MarkProcessed(e.Dedup())
	return nil
}

func (o *Orchestrator) handleEvent(ctx context.Context, rec *SwapRecord, e atomicswap.Event) error {
	switch e := e.(type) {
	case atomicswap.LockCreated:
		return o.handleCreated(ctx, rec, e)
	case atomicswap.LockClaimed:
		return o.handleClaimed(ctx, rec, e)
	case atomicswap.LockExpired:
		return o.handleExpired(ctx, rec, e)
	case atomicswap.LockRefunded:
		return o.handleRefunded(ctx, rec, e)
	case atomicswap.EventRetracted:
		return o.reconcile(ctx, rec)
	default:
		return nil
	}
}

func (o *Orchestrator) handleCreated(ctx context.Context, rec *SwapRecord, e atomicswap.LockCreated) error {
	switch {
	case e.LedgerID == rec.Source.Ledger && rec.Status == StatusInitiated:
		// Never trust the event alone, confirm against the ledger.
		var view *atomicswap.LockView
		err := o.retry(ctx, func() error {
			v, err := o.endpoints[rec.Source.Ledger].Adapter.ReadLock(ctx, e.LockID)
			if err != nil {
				return err
			}
			view = v
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "verify source lock")
		}
		if !bytes.Equal(view.Commitment, rec.Commitment) {
			return errors.Wrap(errors.ErrCommitmentMismatch, "source lock commitment")
		}
		if view.State != atomicswap.LockStateLocked {
			return errors.Wrapf(errors.ErrInvalidState, "source lock is %s", view.State)
		}
		if !view.Amount.Equals(rec.SourceAmount) {
			return errors.Wrapf(errors.ErrInvalidAmount,
				"source lock holds %s, agreed %s", view.Amount, rec.SourceAmount)
		}
		rec.Source.LockID = append([]byte(nil), e.LockID...)
		rec.SourceTimelock = view.Timelock
		rec.Status = StatusSourceLocked
		if err := o.persist(rec); err != nil {
			return err
		}
		if err := o.trackLock(rec.Source, rec.SourceTimelock); err != nil {
			return err
		}
		return o.pipeline(ctx, rec)

	case e.LedgerID == rec.Dest.Ledger && rec.Status == StatusConverted:
		if !bytes.Equal(e.Commitment, rec.Commitment) {
			return errors.Wrap(errors.ErrCommitmentMismatch, "destination lock commitment")
		}
		rec.Dest.LockID = append([]byte(nil), e.LockID...)
		rec.DestTimelock = e.Timelock
		rec.Status = StatusDestLocked
		if err := o.persist(rec); err != nil {
			return err
		}
		return o.trackLock(rec.Dest, rec.DestTimelock)
	}
	return nil
}

func (o *Orchestrator) handleClaimed(ctx context.Context, rec *SwapRecord, e atomicswap.LockClaimed) error {
	switch {
	case e.LedgerID == rec.Dest.Ledger && (rec.Status == StatusDestLocked || rec.Status == StatusRefunding):
		if !commitment.Verify(e.Preimage, rec.Commitment) {
			// A claim event that does not open our commitment cannot
			// come from an honest execution. Re-read the ledger
			// instead of trusting it.
			o.logger.Error("claim event preimage does not match commitment",
				"swap", rec.SwapID, "ledger", e.LedgerID)
			return o.reconcile(ctx, rec)
		}
		rec.Secret = append([]byte(nil), e.Preimage...)
		rec.Status = StatusDestClaimed
		if err := o.persist(rec); err != nil {
			return err
		}
		return o.claimSource(ctx, rec)

	case e.LedgerID == rec.Source.Ledger &&
		(rec.Status == StatusSourceClaimed || rec.Status == StatusDestClaimed):
		rec.Status = StatusCompleted
		return o.persist(rec)
	}
	return nil
}

func (o *Orchestrator) handleExpired(ctx context.Context, rec *SwapRecord, e atomicswap.LockExpired) error {
	switch {
	case e.LedgerID == rec.Dest.Ledger && rec.Status == StatusDestLocked:
		rec.Status = StatusRefunding
		if err := o.persist(rec); err != nil {
			return err
		}
		return o.refundDest(ctx, rec)

	case e.LedgerID == rec.Source.Ledger &&
		(rec.Status == StatusSourceLocked || rec.Status == StatusConverted):
		// The source lock ran out before a destination lock existed.
		// Nothing was committed on our side.
		return o.fail(rec, ReasonPreLockAbort)
	}
	return nil
}

func (o *Orchestrator) handleRefunded(ctx context.Context, rec *SwapRecord, e atomicswap.LockRefunded) error {
	switch {
	case e.LedgerID == rec.Dest.Ledger && rec.Status == StatusRefunding:
		return o.completeRefunded(rec)

	case e.LedgerID == rec.Source.Ledger && rec.Status <= StatusConverted:
		return o.fail(rec, ReasonPreLockAbort)
	}
	return nil
}

// pipeline runs the pre-lock steps: conversion, bridging, timelock safety
// and destination lock submission. Each step persists before the next one
// runs.
func (o *Orchestrator) pipeline(ctx context.Context, rec *SwapRecord) error {
	if rec.Status == StatusSourceLocked {
		var quote Quote
		err := o.retry(ctx, func() error {
			var err error
			quote, err = o.opts.Converter.Convert(ctx, rec.SourceAmount, rec.DestTicker)
			return err
		})
		if err != nil {
			o.logger.Error("conversion failed", "swap", rec.SwapID, "err", err)
			return o.fail(rec, ReasonConversionFailed)
		}
		rec.DestAmount = quote.Amount
		rec.Rate = quote.Rate.String()
		rec.Status = StatusConverted
		if err := o.persist(rec); err != nil {
			return err
		}
	}

	if rec.Status != StatusConverted {
		return nil
	}

	// A non-empty bridge reference means the liquidity already moved, a
	// repeated bridge call would transfer real value twice.
	if rec.BridgeRef == "" {
		var receipt BridgeReceipt
		err := o.retry(ctx, func() error {
			var err error
			receipt, err = o.opts.Bridger.Bridge(ctx, rec.DestAmount, rec.Dest.Ledger, rec.DestDepositor)
			return err
		})
		if err != nil {
			o.logger.Error("bridging failed", "swap", rec.SwapID, "err", err)
			return o.fail(rec, ReasonBridgeFailed)
		}
		rec.BridgeRef = receipt.Ref
		if err := o.persist(rec); err != nil {
			return err
		}
	}

	return o.submitDestLock(ctx, rec)
}

// submitDestLock computes a safe destination timelock and submits the
// destination lock creation. The record stays Converted until the creation
// is observed in a confirmed block.
func (o *Orchestrator) submitDestLock(ctx context.Context, rec *SwapRecord) error {
	adapter := o.endpoints[rec.Dest.Ledger].Adapter

	// The source and destination clocks are not synchronized. Both are read
	// so the safety check compares remaining durations, not raw timestamps.
	srcNow, err := o.endpoints[rec.Source.Ledger].Adapter.CurrentTime(ctx)
	if err != nil {
		return errors.Wrap(err, "source ledger time")
	}
	destNow, err := adapter.CurrentTime(ctx)
	if err != nil {
		return errors.Wrap(err, "destination ledger time")
	}
	destTimelock, err := commitment.SafeDestinationTimelock(
		rec.SourceTimelock, srcNow, destNow, o.opts.DestLockDuration, o.opts.SafetyMargin)
	if err != nil {
		o.logger.Error("no safe destination timelock",
			"swap", rec.SwapID, "source_timelock", rec.SourceTimelock, "err", err)
		return o.fail(rec, ReasonUnsafeTimelock)
	}

	tx := &atomicswap.CreateLockTx{
		Commitment:  rec.Commitment,
		Amount:      rec.DestAmount,
		Depositor:   rec.DestDepositor,
		Beneficiary: rec.DestBeneficiary,
		Timelock:    destTimelock,
	}
	err = o.retry(ctx, func() error {
		_, err := o.locks[rec.Dest.Ledger].Create(ctx, tx)
		return err
	})
	if err != nil {
		o.logger.Error("destination lock submission failed", "swap", rec.SwapID, "err", err)
		return o.fail(rec, ReasonPreLockAbort)
	}
	return nil
}

// claimSource relays the revealed secret into a claim of the source lock.
// This is the step the safety margin exists for; failing it after the
// destination was claimed strands our leg.
func (o *Orchestrator) claimSource(ctx context.Context, rec *SwapRecord) error {
	err := o.retry(ctx, func() error {
		_, err := o.locks[rec.Source.Ledger].Claim(ctx, rec.Source.LockID, rec.Secret)
		return err
	})
	switch {
	case err == nil:
		rec.Status = StatusSourceClaimed
		return o.persist(rec)
	case errors.ErrExpired.Is(err):
		o.logger.Error("source leg stranded",
			"swap", rec.SwapID,
			"err", errors.Wrap(errors.ErrStranded, "source timelock expired before claim"))
		return o.fail(rec, ReasonStrandedLeg)
	case errors.ErrAlreadyResolved.Is(err):
		return o.reconcile(ctx, rec)
	default:
		return errors.Wrap(err, "claim source lock")
	}
}

// refundDest recovers the destination liquidity of an expired, unclaimed
// destination lock.
func (o *Orchestrator) refundDest(ctx context.Context, rec *SwapRecord) error {
	err := o.retry(ctx, func() error {
		_, err := o.locks[rec.Dest.Ledger].Refund(ctx, rec.Dest.LockID)
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.ErrAlreadyResolved.Is(err):
		return o.reconcile(ctx, rec)
	default:
		return errors.Wrap(err, "refund destination lock")
	}
}

// fail moves the swap to its terminal failure state.
func (o *Orchestrator) fail(rec *SwapRecord, reason Reason) error {
	rec.Status = StatusFailed
	rec.Reason = reason
	rec.Secret = nil
	return o.persist(rec)
}

// completeRefunded finishes a swap whose destination lock expired unclaimed
// and was refunded. Both legs resolve safely through their own timelocks, so
// the swap ends Completed rather than Failed.
func (o *Orchestrator) completeRefunded(rec *SwapRecord) error {
	rec.Status = StatusCompleted
	rec.Reason = ReasonRefunded
	rec.Secret = nil
	return o.persist(rec)
}

// reconcile re-reads the authoritative lock views and corrects the record.
// It runs whenever an event was retracted or contradicts the record, and
// prefers ledger state over any event content.
func (o *Orchestrator) reconcile(ctx context.Context, rec *SwapRecord) error {
	srcView, err := o.readLock(ctx, rec.Source)
	if err != nil {
		return errors.Wrap(err, "read source lock")
	}
	destView, err := o.readLock(ctx, rec.Dest)
	if err != nil {
		return errors.Wrap(err, "read destination lock")
	}

	switch {
	case srcView != nil && srcView.State == atomicswap.LockStateClaimed &&
		rec.Status >= StatusDestClaimed:
		// Our claim went through after all.
		rec.Status = StatusCompleted
		return o.persist(rec)

	case srcView != nil && srcView.State == atomicswap.LockStateRefunded &&
		rec.Status >= StatusDestClaimed:
		// The destination was claimed but the source refunded under us.
		o.logger.Error("source leg stranded", "swap", rec.SwapID,
			"err", errors.Wrap(errors.ErrStranded, "source lock refunded"))
		return o.fail(rec, ReasonStrandedLeg)

	case destView != nil && destView.State == atomicswap.LockStateRefunded &&
		rec.Status == StatusRefunding:
		return o.completeRefunded(rec)

	case destView != nil && destView.State == atomicswap.LockStateClaimed &&
		rec.Status >= StatusDestClaimed:
		// Destination claim stands; keep relaying the secret.
		return o.claimSource(ctx, rec)

	case destView == nil && rec.Status == StatusDestLocked:
		// The destination lock creation was orphaned. Step back and
		// submit it again; bridged liquidity is already in place.
		rec.Dest.LockID = nil
		rec.DestTimelock = 0
		rec.Status = StatusConverted
		if err := o.persist(rec); err != nil {
			return err
		}
		o.reawaitDest(rec)
		return o.submitDestLock(ctx, rec)
	}
	return nil
}

// readLock loads the authoritative view of a lock, mapping a missing lock to
// a nil view.
func (o *Orchestrator) readLock(ctx context.Context, ref LockRef) (*atomicswap.LockView, error) {
	if len(ref.LockID) == 0 {
		return nil, nil
	}
	view, err := o.endpoints[ref.Ledger].Adapter.ReadLock(ctx, ref.LockID)
	if errors.ErrNotFound.Is(err) {
		return nil, nil
	}
	return view, err
}

// trackLock registers a lock for expiry synthesis with its ledger watcher.
func (o *Orchestrator) trackLock(ref LockRef, timelock atomicswap.UnixTime) error {
	return o.endpoints[ref.Ledger].Source.Track(ref.LockID, timelock)
}

// reawaitDest re-registers the commitment route after a destination lock was
// orphaned, so the re-submitted creation binds again.
func (o *Orchestrator) reawaitDest(rec *SwapRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[rec.SwapID]; ok {
		o.awaiting[commitKey(rec.Dest.Ledger, rec.Commitment)] = t
	}
}
