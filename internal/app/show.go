package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"cdpguard/internal/storage"
)

// Show prints recent samples, alerts or interventions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	switch opts.What {
	case "", "samples":
		samples, err := store.ListRecentSamples(ctx, opts.PositionID, opts.Limit)
		if err != nil {
			return err
		}
		return renderSamples(os.Stdout, samples)
	case "alerts":
		alerts, err := store.ListRecentAlerts(ctx, opts.PositionID, opts.Limit)
		if err != nil {
			return err
		}
		return renderAlerts(os.Stdout, alerts)
	case "interventions":
		records, err := store.ListRecentInterventions(ctx, opts.PositionID, opts.Limit)
		if err != nil {
			return err
		}
		return renderInterventions(os.Stdout, records)
	default:
		return fmt.Errorf("unknown history %q (samples, alerts, interventions)", opts.What)
	}
}

func renderSamples(out io.Writer, samples []storage.PositionSample) error {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tVault\tCollateral\tDebt\tPrice\tHealth%\tBand\tBlock\tError")

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		block := ""
		if sample.BlockNumber != nil {
			block = fmt.Sprintf("%d", *sample.BlockNumber)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.SampledAt.UTC().Format(time.RFC3339),
			sample.PositionID,
			formatDecimal(sample.Collateral, 4),
			formatDecimal(sample.Debt, 2),
			formatDecimal(sample.PriceUSD, 2),
			formatDecimal(sample.HealthRatioPct, 2),
			sample.Band,
			block,
			errMsg,
		)
	}

	return writer.Flush()
}

func renderAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tVault\tKind\tHealth%\tThreshold%\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.PositionID,
			alert.Kind,
			formatDecimal(alert.HealthRatioPct, 2),
			formatDecimal(alert.ThresholdPct, 2),
			sanitizeInline(alert.Message),
		)
	}
	return writer.Flush()
}

func renderInterventions(out io.Writer, records []storage.InterventionRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no interventions found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tVault\tPlan\tHealth%\tFlashBorrow\tWithdraw\tMinProceeds\tResult\tTx\tError")
	for _, rec := range records {
		result := "failed"
		if rec.Success {
			result = "ok"
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.PositionID,
			rec.PlanID,
			formatDecimal(rec.HealthRatioPct, 2),
			formatDecimal(rec.FlashBorrowAmount, 4),
			formatDecimal(rec.WithdrawAmount, 6),
			formatDecimal(rec.MinProceeds, 4),
			result,
			rec.TxRef,
			errMsg,
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	if d.IsZero() {
		return "-"
	}
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
