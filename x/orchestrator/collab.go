package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/coin"
)

// Quote is a conversion result. Amount is the destination-side value, Rate
// the applied exchange rate.
type Quote struct {
	Amount coin.Coin
	Rate   decimal.Decimal
}

// Converter prices a source amount in the destination currency. Failures
// marked ErrTransient are retried with backoff, anything else aborts the
// swap.
type Converter interface {
	Convert(ctx context.Context, amount coin.Coin, destTicker string) (Quote, error)
}

// BridgeReceipt proves liquidity was provisioned on the destination ledger.
type BridgeReceipt struct {
	Ref string
}

// Bridger provisions destination-side liquidity for a swap, moving the
// converted amount to the orchestrator's depositor address on the
// destination ledger.
type Bridger interface {
	Bridge(ctx context.Context, amount coin.Coin, dest atomicswap.LedgerID, depositor atomicswap.Address) (BridgeReceipt, error)
}

// FixedRateConverter converts by multiplying with a constant rate. It serves
// single-pair deployments and tests; production setups plug in a market-fed
// implementation.
type FixedRateConverter struct {
	Ticker string
	Rate   decimal.Decimal
}

var _ Converter = FixedRateConverter{}

// Convert implements the Converter interface.
func (c FixedRateConverter) Convert(ctx context.Context, amount coin.Coin, destTicker string) (Quote, error) {
	frac := decimal.New(amount.Fractional, 0).
		Div(decimal.New(coin.FracUnit, 0))
	value := decimal.New(amount.Whole, 0).Add(frac).Mul(c.Rate)

	whole := value.Truncate(0)
	fractional := value.Sub(whole).Mul(decimal.New(coin.FracUnit, 0)).Truncate(0)
	return Quote{
		Amount: coin.NewCoin(whole.IntPart(), fractional.IntPart(), destTicker),
		Rate:   c.Rate,
	}, nil
}
