package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPlanOrder marks a plan whose steps deviate from the fixed deleverage sequence.
var ErrPlanOrder = errors.New("planner: operations out of order")

// Token identifies an asset on chain.
type Token struct {
	Symbol   string
	Address  string
	Decimals int32
}

// Kind names one protocol action.
type Kind string

const (
	KindFlashBorrow  Kind = "flashBorrow"
	KindPayback      Kind = "payback"
	KindWithdraw     Kind = "withdraw"
	KindSell         Kind = "sell"
	KindFlashPayback Kind = "flashPayback"
)

// Sequence is the only order a deleverage plan may take: payback precedes
// withdraw, sell precedes flashPayback.
var Sequence = []Kind{KindFlashBorrow, KindPayback, KindWithdraw, KindSell, KindFlashPayback}

// Operation is one step of a plan with its fixed arguments.
type Operation struct {
	Kind      Kind
	Connector string
	Asset     Token
	// BuyAsset and MinProceeds are only set on sell.
	BuyAsset    Token
	Amount      decimal.Decimal
	MinProceeds decimal.Decimal
	// PositionID is set on payback and withdraw.
	PositionID string
}

func (o Operation) String() string {
	switch o.Kind {
	case KindSell:
		return fmt.Sprintf("%s.%s(%s -> %s, %s, min %s)", o.Connector, o.Kind, o.Asset.Symbol, o.BuyAsset.Symbol, o.Amount, o.MinProceeds)
	case KindFlashPayback:
		return fmt.Sprintf("%s.%s(%s)", o.Connector, o.Kind, o.Asset.Symbol)
	default:
		return fmt.Sprintf("%s.%s(%s, %s)", o.Connector, o.Kind, o.Asset.Symbol, o.Amount)
	}
}

// Plan is an ordered set of operations meant to execute as one atomic transaction.
type Plan struct {
	ID                       string
	PositionID               string
	CollateralValueUSD       decimal.Decimal
	FlashBorrowAmount        decimal.Decimal
	CollateralWithdrawAmount decimal.Decimal
	MinProceeds              decimal.Decimal
	Operations               []Operation
	CreatedAt                time.Time
}

// Validate checks the plan has exactly the fixed five steps in order.
func (p Plan) Validate() error {
	if len(p.Operations) != len(Sequence) {
		return fmt.Errorf("%w: expected %d operations, got %d", ErrPlanOrder, len(Sequence), len(p.Operations))
	}
	for i, op := range p.Operations {
		if op.Kind != Sequence[i] {
			return fmt.Errorf("%w: step %d is %s, want %s", ErrPlanOrder, i, op.Kind, Sequence[i])
		}
	}
	return nil
}
