package lock

import (
	"sync"
	"testing"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/commitment"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/store"
	"github.com/iov-one/atomicswap/swaptest/assert"
	"github.com/iov-one/atomicswap/x/cash"
)

var (
	alice = atomicswap.NewAddress([]byte("alice"))
	bob   = atomicswap.NewAddress([]byte("bob"))
)

func TestCreateLock(t *testing.T) {
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)
	commit := commitment.Commit(secret)

	cases := map[string]struct {
		tx      atomicswap.CreateLockTx
		now     atomicswap.UnixTime
		wantErr *errors.Error
	}{
		"happy path": {
			tx: atomicswap.CreateLockTx{
				Commitment:  commit,
				Amount:      coin.NewCoin(5, 0, "IOV"),
				Depositor:   alice,
				Beneficiary: bob,
				Timelock:    1000,
			},
			now: 500,
		},
		"timelock in the past": {
			tx: atomicswap.CreateLockTx{
				Commitment:  commit,
				Amount:      coin.NewCoin(5, 0, "IOV"),
				Depositor:   alice,
				Beneficiary: bob,
				Timelock:    400,
			},
			now:     500,
			wantErr: errors.ErrInvalidInput,
		},
		"timelock exactly now": {
			tx: atomicswap.CreateLockTx{
				Commitment:  commit,
				Amount:      coin.NewCoin(5, 0, "IOV"),
				Depositor:   alice,
				Beneficiary: bob,
				Timelock:    500,
			},
			now:     500,
			wantErr: errors.ErrInvalidInput,
		},
		"short commitment": {
			tx: atomicswap.CreateLockTx{
				Commitment:  []byte("too short"),
				Amount:      coin.NewCoin(5, 0, "IOV"),
				Depositor:   alice,
				Beneficiary: bob,
				Timelock:    1000,
			},
			now:     500,
			wantErr: errors.ErrInvalidInput,
		},
		"zero amount": {
			tx: atomicswap.CreateLockTx{
				Commitment:  commit,
				Amount:      coin.NewCoin(0, 0, "IOV"),
				Depositor:   alice,
				Beneficiary: bob,
				Timelock:    1000,
			},
			now:     500,
			wantErr: errors.ErrInvalidAmount,
		},
		"insufficient funds": {
			tx: atomicswap.CreateLockTx{
				Commitment:  commit,
				Amount:      coin.NewCoin(1000, 0, "IOV"),
				Depositor:   alice,
				Beneficiary: bob,
				Timelock:    1000,
			},
			now:     500,
			wantErr: errors.ErrInvalidAmount,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			db := store.MemStore()
			bank := cash.NewController()
			assert.Nil(t, bank.IssueCoins(db, alice, coin.NewCoin(10, 0, "IOV")))
			ctrl := NewController(bank)

			lockID, err := ctrl.Create(db, tc.now, &tc.tx)
			if tc.wantErr != nil {
				assert.IsErr(t, tc.wantErr, err)
				return
			}
			assert.Nil(t, err)

			l, err := ctrl.Load(db, lockID)
			assert.Nil(t, err)
			assert.Equal(t, atomicswap.LockStateLocked, l.State)

			// The escrowed amount must be held by the lock address now.
			held, err := bank.Balance(db, Addr(lockID, tc.tx.Commitment))
			assert.Nil(t, err)
			assert.Equal(t, true, tc.tx.Amount.Equals(held))

			indexed, err := ctrl.ByCommitment(db, tc.tx.Commitment)
			assert.Nil(t, err)
			assert.Equal(t, lockID, indexed)
		})
	}
}

func TestClaimLock(t *testing.T) {
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)
	wrongSecret, err := commitment.GenerateSecret()
	assert.Nil(t, err)

	cases := map[string]struct {
		preimage []byte
		now      atomicswap.UnixTime
		wantErr  *errors.Error
	}{
		"happy path": {
			preimage: secret,
			now:      900,
		},
		"wrong preimage": {
			preimage: wrongSecret,
			now:      900,
			wantErr:  errors.ErrCommitmentMismatch,
		},
		"expired": {
			preimage: secret,
			now:      1000,
			wantErr:  errors.ErrExpired,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			db, ctrl, bank, lockID := newLockedFixture(t, secret, 1000)

			err := ctrl.Claim(db, tc.now, lockID, tc.preimage)
			if tc.wantErr != nil {
				assert.IsErr(t, tc.wantErr, err)
				l, err := ctrl.Load(db, lockID)
				assert.Nil(t, err)
				assert.Equal(t, atomicswap.LockStateLocked, l.State)
				return
			}
			assert.Nil(t, err)

			l, err := ctrl.Load(db, lockID)
			assert.Nil(t, err)
			assert.Equal(t, atomicswap.LockStateClaimed, l.State)

			got, err := bank.Balance(db, bob)
			assert.Nil(t, err)
			assert.Equal(t, true, coin.NewCoin(5, 0, "IOV").Equals(got))
		})
	}
}

func TestRefundLock(t *testing.T) {
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)

	cases := map[string]struct {
		now     atomicswap.UnixTime
		wantErr *errors.Error
	}{
		"after timelock": {
			now: 1000,
		},
		"long after timelock": {
			now: 5000,
		},
		"before timelock": {
			now:     999,
			wantErr: errors.ErrInvalidState,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			db, ctrl, bank, lockID := newLockedFixture(t, secret, 1000)

			err := ctrl.Refund(db, tc.now, lockID)
			if tc.wantErr != nil {
				assert.IsErr(t, tc.wantErr, err)
				return
			}
			assert.Nil(t, err)

			l, err := ctrl.Load(db, lockID)
			assert.Nil(t, err)
			assert.Equal(t, atomicswap.LockStateRefunded, l.State)

			// Full deposit back with alice.
			got, err := bank.Balance(db, alice)
			assert.Nil(t, err)
			assert.Equal(t, true, coin.NewCoin(10, 0, "IOV").Equals(got))
		})
	}
}

func TestResolutionIsExclusive(t *testing.T) {
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)

	db, ctrl, _, lockID := newLockedFixture(t, secret, 1000)

	assert.Nil(t, ctrl.Claim(db, 900, lockID, secret))
	assert.IsErr(t, errors.ErrAlreadyResolved, ctrl.Claim(db, 900, lockID, secret))
	assert.IsErr(t, errors.ErrAlreadyResolved, ctrl.Refund(db, 2000, lockID))

	db, ctrl, _, lockID = newLockedFixture(t, secret, 1000)

	assert.Nil(t, ctrl.Refund(db, 1000, lockID))
	assert.IsErr(t, errors.ErrAlreadyResolved, ctrl.Refund(db, 2000, lockID))
	assert.IsErr(t, errors.ErrAlreadyResolved, ctrl.Claim(db, 900, lockID, secret))
}

func TestConcurrentClaimsPayOutOnce(t *testing.T) {
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)

	db, ctrl, bank, lockID := newLockedFixture(t, secret, 1000)

	// Serialize store access the way a hosting ledger serializes
	// transactions and let many claimants race for the same lock.
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			errs[i] = ctrl.Claim(db, 900, lockID, secret)
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.IsErr(t, errors.ErrAlreadyResolved, err)
		}
	}
	assert.Equal(t, 1, won)

	got, err := bank.Balance(db, bob)
	assert.Nil(t, err)
	assert.Equal(t, true, coin.NewCoin(5, 0, "IOV").Equals(got))
}

// reentrantMover attempts a second claim from inside the value transfer of
// the first one.
type reentrantMover struct {
	cash.Controller
	ctrl   **Controller
	lockID *[]byte
	secret []byte
	seen   error
	armed  bool
}

func (m *reentrantMover) MoveCoins(db store.KVStore, src, dest atomicswap.Address, amount coin.Coin) error {
	if m.armed {
		m.armed = false
		m.seen = (*m.ctrl).Claim(db, 900, *m.lockID, m.secret)
	}
	return m.Controller.MoveCoins(db, src, dest, amount)
}

func TestReentrantClaimObservesResolution(t *testing.T) {
	secret, err := commitment.GenerateSecret()
	assert.Nil(t, err)

	db := store.MemStore()
	bank := cash.NewController()
	assert.Nil(t, bank.IssueCoins(db, alice, coin.NewCoin(10, 0, "IOV")))

	var ctrl *Controller
	var lockID []byte
	mover := &reentrantMover{
		Controller: bank,
		ctrl:       &ctrl,
		lockID:     &lockID,
		secret:     secret,
	}
	ctrl = NewController(mover)

	lockID, err = ctrl.Create(db, 500, &atomicswap.CreateLockTx{
		Commitment:  commitment.Commit(secret),
		Amount:      coin.NewCoin(5, 0, "IOV"),
		Depositor:   alice,
		Beneficiary: bob,
		Timelock:    1000,
	})
	assert.Nil(t, err)

	mover.armed = true
	assert.Nil(t, ctrl.Claim(db, 900, lockID, secret))

	// The nested claim ran after the state flip but before the payout, so
	// it must have been rejected and only one payout happened.
	assert.IsErr(t, errors.ErrAlreadyResolved, mover.seen)
	got, err := bank.Balance(db, bob)
	assert.Nil(t, err)
	assert.Equal(t, true, coin.NewCoin(5, 0, "IOV").Equals(got))
}

// newLockedFixture funds alice with 10 IOV and escrows 5 IOV for bob under a
// fresh lock expiring at given timelock.
func newLockedFixture(t assert.Tester, secret []byte, timelock atomicswap.UnixTime) (store.CacheableKVStore, *Controller, cash.Controller, []byte) {
	t.Helper()

	db := store.MemStore()
	bank := cash.NewController()
	assert.Nil(t, bank.IssueCoins(db, alice, coin.NewCoin(10, 0, "IOV")))
	ctrl := NewController(bank)

	lockID, err := ctrl.Create(db, 500, &atomicswap.CreateLockTx{
		Commitment:  commitment.Commit(secret),
		Amount:      coin.NewCoin(5, 0, "IOV"),
		Depositor:   alice,
		Beneficiary: bob,
		Timelock:    timelock,
	})
	assert.Nil(t, err)
	return db, ctrl, bank, lockID
}
