package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"cdpguard/internal/fetcher"
)

// Vaults lists the vaults owned by an address, or shows one vault when
// positionID is set.
func (a *App) Vaults(ctx context.Context, owner, positionID string) error {
	vaults := a.newVaults()

	if positionID != "" {
		snap, err := vaults.FetchSnapshot(ctx, positionID)
		if err != nil {
			return err
		}
		health, err := snap.HealthRatioPct()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "vault %s at block %d: collateral %s, debt %s, price %s, health %s%%\n",
			snap.PositionID, snap.BlockNumber,
			snap.Collateral.StringFixed(6), snap.Debt.StringFixed(2),
			snap.CollateralPriceUSD.StringFixed(2), health.StringFixed(2))
		return nil
	}

	list, err := vaults.ListVaults(ctx, owner)
	if err != nil {
		return err
	}
	return renderVaults(os.Stdout, list)
}

func renderVaults(out io.Writer, list []fetcher.VaultSummary) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "no vaults found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Vault\tType\tCollateral\tDebt\tPrice\tHealth%")
	for _, v := range list {
		health := "-"
		if v.StatusRatio.Sign() > 0 {
			health = decimal.NewFromInt(100).Div(v.StatusRatio).StringFixed(2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID,
			v.CollateralType,
			formatDecimal(v.Collateral, 6),
			formatDecimal(v.Debt, 2),
			formatDecimal(v.PriceUSD, 2),
			health,
		)
	}
	return writer.Flush()
}
