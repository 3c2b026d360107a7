package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"cdpguard/internal/alerting"
	"cdpguard/internal/executor"
	"cdpguard/internal/fetcher"
	"cdpguard/internal/monitor"
	"cdpguard/internal/planner"
	"cdpguard/internal/risk"
)

// Simulate runs one full cycle against a hypothetical vault state. Plans are
// always encoded by the dry-run executor; alerts are sent only when asked.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	cfg, err := a.simulationConfig(opts.PositionID)
	if err != nil {
		return err
	}

	snap, err := hypotheticalSnapshot(cfg.PositionID, opts)
	if err != nil {
		return err
	}

	var quoter planner.QuoteProvider = a.newQuoter()
	if opts.QuotePrice.Sign() > 0 {
		quoter = &fixedQuoter{price: opts.QuotePrice}
	}

	var notifier alerting.Notifier
	if opts.Notify {
		notifier = a.newNotifier()
		if notifier == nil {
			return errors.New("未配置任何告警通道")
		}
	}

	watch, err := monitor.NewWatch(cfg, 0, monitor.Deps{
		Snapshots:     &staticSnapshots{snap: snap},
		Planner:       a.newPlanner(quoter),
		Executor:      executor.NewDryRun(a.Logger),
		Notifier:      notifier,
		NotifyTimeout: a.Config.Alerting.Timeout,
	}, a.Logger)
	if err != nil {
		return err
	}

	report, err := watch.RunCycle(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	return renderReport(os.Stdout, cfg, report)
}

func (a *App) simulationConfig(positionID string) (risk.WatchConfig, error) {
	watches, err := a.Config.WatchConfigs()
	if err != nil {
		return risk.WatchConfig{}, err
	}
	for _, wc := range watches {
		if positionID == "" || wc.PositionID == positionID {
			return wc, nil
		}
	}
	if positionID == "" {
		return risk.WatchConfig{}, errors.New("no watch configured; pass --position for a configured vault")
	}
	return risk.WatchConfig{}, fmt.Errorf("vault %s is not configured", positionID)
}

// hypotheticalSnapshot derives the collateral amount that yields the requested status ratio.
func hypotheticalSnapshot(positionID string, opts SimulateOptions) (risk.Snapshot, error) {
	if opts.StatusRatio.Sign() <= 0 || opts.Debt.Sign() <= 0 || opts.PriceUSD.Sign() <= 0 {
		return risk.Snapshot{}, errors.New("--status, --debt 与 --price 必须大于 0")
	}
	collateral := opts.Debt.Div(opts.StatusRatio.Mul(opts.PriceUSD))
	return risk.Snapshot{
		PositionID:         positionID,
		Collateral:         collateral,
		CollateralPriceUSD: opts.PriceUSD,
		Debt:               opts.Debt,
		StatusRatio:        opts.StatusRatio,
		FetchedAt:          time.Now().UTC(),
	}, nil
}

func renderReport(out io.Writer, cfg risk.WatchConfig, report monitor.CycleReport) error {
	d := report.Decision
	fmt.Fprintf(out, "vault:        %s\n", cfg.PositionID)
	fmt.Fprintf(out, "health ratio: %s%% (%s)\n", d.HealthRatioPct.StringFixed(2), d.Band)
	fmt.Fprintf(out, "alert:        %t (threshold %s%%)\n", d.Alert, cfg.AlertThresholdPct)
	fmt.Fprintf(out, "intervene:    %t (band %s%%..%s%%)\n", d.Intervene, cfg.CriticalLowerPct, cfg.CriticalUpperPct)

	if report.PlanErr != nil {
		fmt.Fprintf(out, "plan error:   %v\n", report.PlanErr)
	}
	if report.Plan != nil {
		fmt.Fprintf(out, "plan %s:\n", report.Plan.ID)
		for i, op := range report.Plan.Operations {
			fmt.Fprintf(out, "  %d. %s\n", i+1, op.String())
		}
	}
	if report.Result != nil {
		fmt.Fprintf(out, "result:       success=%t tx=%s\n", report.Result.Success, report.Result.TxRef)
		if report.Result.Err != nil {
			fmt.Fprintf(out, "error:        %v\n", report.Result.Err)
		}
	}
	return nil
}

type staticSnapshots struct {
	snap risk.Snapshot
}

func (s *staticSnapshots) FetchSnapshot(ctx context.Context, positionID string) (risk.Snapshot, error) {
	return s.snap, nil
}

// fixedQuoter prices every sale at a constant collateral price.
type fixedQuoter struct {
	price decimal.Decimal
}

func (f *fixedQuoter) Quote(ctx context.Context, req planner.QuoteRequest) (planner.Quote, error) {
	out := req.Amount.Mul(f.price)
	return planner.Quote{
		BuyAmount:   out,
		MinProceeds: fetcher.ApplySlippage(out, req.MaxSlippagePct),
		Source:      "fixed",
	}, nil
}

var _ fetcher.SnapshotProvider = (*staticSnapshots)(nil)
var _ planner.QuoteProvider = (*fixedQuoter)(nil)
