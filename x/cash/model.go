package cash

import (
	amino "github.com/tendermint/go-amino"

	"github.com/iov-one/atomicswap/coin"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/orm"
)

// Wallet is the balance of a single address in a single currency.
type Wallet struct {
	Coin coin.Coin
}

var _ orm.Model = (*Wallet)(nil)

// Validate ensures the wallet does not hold a negative balance.
func (w *Wallet) Validate() error {
	if w.Coin.Ticker != "" {
		if err := w.Coin.Validate(); err != nil {
			return errors.Wrap(err, "coin")
		}
	}
	if !w.Coin.IsNonNegative() {
		return errors.Wrap(errors.ErrInvalidState, "negative balance")
	}
	return nil
}

// NewBucket returns the bucket holding all wallets.
func NewBucket() orm.Bucket {
	return orm.NewBucket("wallet", amino.NewCodec())
}
