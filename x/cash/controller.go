package cash

import (
	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/orm"
	"github.com/iov-one/atomicswap/store"
)

// Mover is the value-transfer capability consumed by the lock state machine.
type Mover interface {
	// MoveCoins moves the given amount from src to dest. If src doesn't
	// exist, or doesn't have sufficient coins, it fails.
	MoveCoins(db store.KVStore, src, dest atomicswap.Address, amount coin.Coin) error
}

// Controller implements Mover on top of the wallet bucket.
type Controller struct {
	bucket orm.Bucket
}

var _ Mover = Controller{}

// NewController returns a controller using the default wallet bucket.
func NewController() Controller {
	return Controller{bucket: NewBucket()}
}

// MoveCoins moves the given amount from src to dest.
func (c Controller) MoveCoins(db store.KVStore, src, dest atomicswap.Address, amount coin.Coin) error {
	if !amount.IsPositive() {
		return errors.Wrap(errors.ErrInvalidAmount, "non-positive transfer")
	}

	var sender Wallet
	if err := c.bucket.One(db, src, &sender); err != nil {
		return errors.Wrapf(err, "sender %s", src)
	}
	if !sender.Coin.IsGTE(amount) {
		return errors.Wrapf(errors.ErrInvalidAmount,
			"insufficient funds: has %s, needs %s", sender.Coin, amount)
	}

	var recipient Wallet
	switch err := c.bucket.One(db, dest, &recipient); {
	case err == nil:
	case errors.ErrNotFound.Is(err):
		recipient = Wallet{Coin: coin.Coin{Ticker: amount.Ticker}}
	default:
		return errors.Wrapf(err, "recipient %s", dest)
	}

	rest, err := sender.Coin.Subtract(amount)
	if err != nil {
		return err
	}
	sender.Coin = rest

	sum, err := recipient.Coin.Add(amount)
	if err != nil {
		return err
	}
	recipient.Coin = sum

	if err := c.bucket.Put(db, src, &sender); err != nil {
		return errors.Wrap(err, "save sender")
	}
	return errors.Wrap(c.bucket.Put(db, dest, &recipient), "save recipient")
}

// IssueCoins attempts to add the given amount of coins to the destination
// address. Fails if it overflows the wallet.
func (c Controller) IssueCoins(db store.KVStore, dest atomicswap.Address, amount coin.Coin) error {
	var recipient Wallet
	switch err := c.bucket.One(db, dest, &recipient); {
	case err == nil:
	case errors.ErrNotFound.Is(err):
		recipient = Wallet{Coin: coin.Coin{Ticker: amount.Ticker}}
	default:
		return errors.Wrapf(err, "recipient %s", dest)
	}

	sum, err := recipient.Coin.Add(amount)
	if err != nil {
		return err
	}
	recipient.Coin = sum

	return errors.Wrap(c.bucket.Put(db, dest, &recipient), "save recipient")
}

// Balance returns the current balance of given address. A missing wallet is
// reported as a zero coin.
func (c Controller) Balance(db store.ReadOnlyKVStore, addr atomicswap.Address) (coin.Coin, error) {
	var w Wallet
	switch err := c.bucket.One(db, addr, &w); {
	case err == nil:
		return w.Coin, nil
	case errors.ErrNotFound.Is(err):
		return coin.Coin{}, nil
	default:
		return coin.Coin{}, err
	}
}
