package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cdpguard/internal/risk"
)

var (
	// ErrQuote wraps any failure to price the collateral sale.
	ErrQuote = errors.New("planner: quote unavailable")
	// ErrUnplannable marks a snapshot the strategy cannot be applied to.
	ErrUnplannable = errors.New("planner: snapshot cannot be deleveraged")
)

// QuoteRequest asks for the minimum proceeds of selling Amount of SellAsset.
type QuoteRequest struct {
	SellAsset      Token
	BuyAsset       Token
	Amount         decimal.Decimal
	MaxSlippagePct decimal.Decimal
}

// Quote carries the slippage-adjusted floor for a sale.
type Quote struct {
	BuyAmount   decimal.Decimal
	MinProceeds decimal.Decimal
	Source      string
}

// QuoteProvider prices a collateral sale.
type QuoteProvider interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// Connectors names the protocol connectors used by each step.
type Connectors struct {
	FlashLoan string
	Vault     string
	Exchange  string
}

// Options parameterise the planner.
type Options struct {
	DebtToken       Token
	CollateralToken Token
	Connectors      Connectors
}

// Planner builds partial flash-loan deleverage plans.
type Planner struct {
	opts   Options
	quoter QuoteProvider
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Planner.
func New(opts Options, quoter QuoteProvider, logger zerolog.Logger) *Planner {
	if opts.Connectors.FlashLoan == "" {
		opts.Connectors.FlashLoan = "INSTAPOOL-A"
	}
	if opts.Connectors.Vault == "" {
		opts.Connectors.Vault = "MAKERDAO-A"
	}
	if opts.Connectors.Exchange == "" {
		opts.Connectors.Exchange = "OASIS-A"
	}
	return &Planner{
		opts:   opts,
		quoter: quoter,
		logger: logger.With().Str("component", "planner").Logger(),
		now:    time.Now,
	}
}

// Plan computes the deleverage amounts for snap and emits the five operations.
// No plan is returned unless every amount, including the sale floor, is known.
func (p *Planner) Plan(ctx context.Context, snap risk.Snapshot, cfg risk.WatchConfig) (Plan, error) {
	if snap.CollateralPriceUSD.Sign() <= 0 {
		return Plan{}, fmt.Errorf("%w: collateral price %s", ErrUnplannable, snap.CollateralPriceUSD)
	}
	if snap.Debt.Sign() <= 0 {
		return Plan{}, fmt.Errorf("%w: no outstanding debt", ErrUnplannable)
	}
	divisor := cfg.DebtDivisor
	if divisor.Sign() <= 0 {
		divisor = decimal.NewFromInt(3)
	}
	if p.quoter == nil {
		return Plan{}, fmt.Errorf("%w: no quote provider configured", ErrQuote)
	}

	collateralValue := snap.CollateralValueUSD()
	borrow := snap.Debt.Div(divisor)
	withdraw := borrow.Div(snap.CollateralPriceUSD)

	quote, err := p.quoter.Quote(ctx, QuoteRequest{
		SellAsset:      p.opts.CollateralToken,
		BuyAsset:       p.opts.DebtToken,
		Amount:         withdraw,
		MaxSlippagePct: cfg.MaxSlippagePct,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrQuote, err)
	}
	if quote.MinProceeds.Sign() <= 0 {
		return Plan{}, fmt.Errorf("%w: non-positive proceeds floor %s", ErrQuote, quote.MinProceeds)
	}

	debt := p.opts.DebtToken
	collateral := p.opts.CollateralToken
	conn := p.opts.Connectors

	plan := Plan{
		ID:                       uuid.NewString(),
		PositionID:               snap.PositionID,
		CollateralValueUSD:       collateralValue,
		FlashBorrowAmount:        borrow,
		CollateralWithdrawAmount: withdraw,
		MinProceeds:              quote.MinProceeds,
		CreatedAt:                p.now().UTC(),
		Operations: []Operation{
			{Kind: KindFlashBorrow, Connector: conn.FlashLoan, Asset: debt, Amount: borrow},
			{Kind: KindPayback, Connector: conn.Vault, Asset: debt, Amount: borrow, PositionID: snap.PositionID},
			{Kind: KindWithdraw, Connector: conn.Vault, Asset: collateral, Amount: withdraw, PositionID: snap.PositionID},
			{Kind: KindSell, Connector: conn.Exchange, Asset: collateral, BuyAsset: debt, Amount: withdraw, MinProceeds: quote.MinProceeds},
			{Kind: KindFlashPayback, Connector: conn.FlashLoan, Asset: debt},
		},
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("position_id", plan.PositionID).
		Str("collateral_value_usd", collateralValue.StringFixed(2)).
		Str("flash_borrow", borrow.String()).
		Str("withdraw", withdraw.String()).
		Str("min_proceeds", quote.MinProceeds.String()).
		Str("quote_source", quote.Source).
		Msg("deleverage plan built")

	return plan, nil
}
