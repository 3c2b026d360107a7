package fetcher

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"cdpguard/internal/risk"
)

// ErrFetch wraps every failure to obtain a usable vault snapshot.
var ErrFetch = errors.New("fetcher: snapshot unavailable")

// SnapshotProvider reads the current state of a vault.
type SnapshotProvider interface {
	FetchSnapshot(ctx context.Context, positionID string) (risk.Snapshot, error)
}

// VaultSummary is a listing entry for an owner's vaults.
type VaultSummary struct {
	ID             string
	CollateralType string
	Collateral     decimal.Decimal
	Debt           decimal.Decimal
	PriceUSD       decimal.Decimal
	StatusRatio    decimal.Decimal
}

// VaultLister enumerates the vaults held by an owner address.
type VaultLister interface {
	ListVaults(ctx context.Context, owner string) ([]VaultSummary, error)
}
