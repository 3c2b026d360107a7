package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSample is one evaluation cycle's observation of a vault.
type PositionSample struct {
	PositionID     string
	SampledAt      time.Time
	Collateral     decimal.Decimal
	Debt           decimal.Decimal
	PriceUSD       decimal.Decimal
	StatusRatio    decimal.Decimal
	HealthRatioPct decimal.Decimal
	Band           string
	BlockNumber    *int64
	Error          *string
}

// AlertRecord captures an emitted notification for auditing.
type AlertRecord struct {
	ID             int64
	PositionID     string
	Kind           string
	HealthRatioPct decimal.Decimal
	ThresholdPct   decimal.Decimal
	Message        string
	CreatedAt      time.Time
}

// InterventionRecord captures one deleverage attempt and its terminal outcome.
type InterventionRecord struct {
	PlanID            string
	PositionID        string
	HealthRatioPct    decimal.Decimal
	FlashBorrowAmount decimal.Decimal
	WithdrawAmount    decimal.Decimal
	MinProceeds       decimal.Decimal
	Success           bool
	TxRef             string
	Error             *string
	CreatedAt         time.Time
}
