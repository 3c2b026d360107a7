package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cdpguard/internal/alerting"
	"cdpguard/internal/executor"
	"cdpguard/internal/fetcher"
	"cdpguard/internal/logging"
	"cdpguard/internal/metrics"
	"cdpguard/internal/planner"
	"cdpguard/internal/risk"
	"cdpguard/internal/storage"
)

// Planner builds a deleverage plan for a snapshot inside the critical band.
type Planner interface {
	Plan(ctx context.Context, snap risk.Snapshot, cfg risk.WatchConfig) (planner.Plan, error)
}

// Deps are the collaborators shared by every watch. Nil stores disable persistence;
// a nil Planner or Executor disables intervention.
type Deps struct {
	Snapshots     fetcher.SnapshotProvider
	Planner       Planner
	Executor      executor.Executor
	Notifier      alerting.Notifier
	Samples       storage.SampleStore
	Alerts        storage.AlertStore
	Interventions storage.InterventionStore
	Locker        storage.AdvisoryLocker
	NotifyTimeout time.Duration
	Now           func() time.Time
}

// CycleReport summarises one evaluation cycle.
type CycleReport struct {
	At       time.Time
	Skipped  bool
	Snapshot risk.Snapshot
	Decision risk.Decision
	Plan     *planner.Plan
	PlanErr  error
	Result   *executor.Result
}

// Status is a point-in-time view of a watch.
type Status struct {
	Config         risk.WatchConfig
	LastCycleAt    time.Time
	LastHealthPct  decimal.Decimal
	LastBand       risk.Band
	LastError      string
	LastAlertEpoch int64
}

// Watch runs evaluation cycles for one position. Cycles never overlap.
type Watch struct {
	positionID string
	deps       Deps
	lockKey    int64
	logger     zerolog.Logger

	// cycleMu serialises cycles and guards cfg and state.
	cycleMu sync.Mutex
	cfg     risk.WatchConfig
	state   risk.AlertState

	// statusMu guards status and pending; it is never held across I/O.
	statusMu sync.RWMutex
	status   Status
	pending  *risk.WatchConfig
}

// recordedError marks a cycle failure that was already logged and stored as
// a failed sample.
type recordedError struct {
	err error
}

func (e recordedError) Error() string { return e.err.Error() }

func (e recordedError) Unwrap() error { return e.err }

// NewWatch builds a watch for cfg. lockKey 0 disables the advisory lock.
func NewWatch(cfg risk.WatchConfig, lockKey int64, deps Deps, logger zerolog.Logger) (*Watch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Snapshots == nil {
		return nil, fmt.Errorf("monitor: snapshot provider not configured")
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = 10 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Watch{
		positionID: cfg.PositionID,
		deps:       deps,
		lockKey:    lockKey,
		logger:     logging.Position(logger, "watch", cfg.PositionID),
		cfg:        cfg,
		status:     Status{Config: cfg},
	}, nil
}

// PositionID identifies the watched vault.
func (w *Watch) PositionID() string {
	return w.positionID
}

// Config returns the latest accepted configuration. A configuration set by
// Reconfigure is reported here at once and drives the next cycle.
func (w *Watch) Config() risk.WatchConfig {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status.Config
}

// AlertState returns a copy of the de-duplication state.
func (w *Watch) AlertState() risk.AlertState {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()
	return w.state
}

// Status returns the last observation without waiting for a running cycle.
func (w *Watch) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

// Reconfigure queues a new policy for the next cycle and returns without
// waiting for a running one. Alert state is kept so a threshold change does
// not bypass the cooldown.
func (w *Watch) Reconfigure(cfg risk.WatchConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.PositionID != w.positionID {
		return fmt.Errorf("monitor: cannot move watch %s to position %s", w.positionID, cfg.PositionID)
	}

	w.statusMu.Lock()
	w.pending = &cfg
	w.status.Config = cfg
	w.statusMu.Unlock()

	w.logger.Info().
		Str("threshold_pct", cfg.AlertThresholdPct.String()).
		Str("critical_lower_pct", cfg.CriticalLowerPct.String()).
		Str("critical_upper_pct", cfg.CriticalUpperPct.String()).
		Msg("watch reconfigured")
	return nil
}

// ProcessTick adapts RunCycle to the scheduler. Fetch and snapshot failures
// are transient and already logged by the cycle, so they are not returned.
func (w *Watch) ProcessTick(ctx context.Context, at time.Time) error {
	_, err := w.RunCycle(ctx, at)
	var recorded recordedError
	if errors.As(err, &recorded) {
		return nil
	}
	return err
}

// RunCycle executes fetch, evaluate, alert and (in the critical band) plan and
// submit. Fetch and snapshot errors end the cycle with no decision and leave
// the alert state untouched.
func (w *Watch) RunCycle(ctx context.Context, at time.Time) (CycleReport, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()
	w.applyPending()

	report := CycleReport{At: at}
	position := w.cfg.PositionID
	started := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(position).Observe(time.Since(started).Seconds())
	}()

	unlock, proceed, err := w.acquireLock(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(position, metrics.OutcomeLockError).Inc()
		return report, err
	}
	if !proceed {
		metrics.CyclesTotal.WithLabelValues(position, metrics.OutcomeLockSkipped).Inc()
		w.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	snap, err := w.deps.Snapshots.FetchSnapshot(ctx, position)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(position, metrics.OutcomeFetchError).Inc()
		w.recordFailure(ctx, at, err)
		return report, recordedError{fmt.Errorf("fetch snapshot: %w", err)}
	}
	report.Snapshot = snap

	now := w.deps.Now()
	decision, err := risk.Evaluate(snap, w.cfg, &w.state, now)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(position, metrics.OutcomeInvalid).Inc()
		w.recordFailure(ctx, at, err)
		return report, recordedError{fmt.Errorf("evaluate snapshot: %w", err)}
	}
	report.Decision = decision
	metrics.CyclesTotal.WithLabelValues(position, metrics.OutcomeOK).Inc()
	metrics.HealthRatio.WithLabelValues(position).Set(decision.HealthRatioPct.InexactFloat64())

	w.recordSample(ctx, at, snap, decision)

	w.logger.Info().
		Str("health_ratio_pct", decision.HealthRatioPct.StringFixed(2)).
		Str("band", decision.Band.String()).
		Bool("alert", decision.Alert).
		Bool("intervene", decision.Intervene).
		Uint64("block", snap.BlockNumber).
		Msg("cycle evaluated")

	if decision.Alert {
		w.dispatch(ctx, alerting.Notification{
			Kind:           alerting.KindRiskAlert,
			ChatID:         w.cfg.ChannelID,
			PositionID:     position,
			HealthRatioPct: decision.HealthRatioPct,
			ThresholdPct:   w.cfg.AlertThresholdPct,
			Band:           decision.Band.String(),
			At:             now,
		})
	}

	if decision.Intervene {
		w.intervene(ctx, snap, decision, now, &report)
	}

	return report, nil
}

func (w *Watch) applyPending() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if w.pending != nil {
		w.cfg = *w.pending
		w.pending = nil
	}
}

func (w *Watch) intervene(ctx context.Context, snap risk.Snapshot, decision risk.Decision, now time.Time, report *CycleReport) {
	position := w.cfg.PositionID
	if !w.cfg.AutoDeleverage || w.deps.Planner == nil || w.deps.Executor == nil {
		metrics.InterventionsTotal.WithLabelValues(position, "skipped").Inc()
		w.logger.Warn().Msg("critical band reached but automatic deleverage is disabled")
		return
	}

	plan, err := w.deps.Planner.Plan(ctx, snap, w.cfg)
	if err != nil {
		report.PlanErr = err
		result := "plan_error"
		if errors.Is(err, planner.ErrQuote) {
			result = "quote_error"
		}
		metrics.InterventionsTotal.WithLabelValues(position, result).Inc()
		w.logger.Error().Err(err).Msg("intervention aborted for this tick")
		return
	}
	report.Plan = &plan

	res := w.deps.Executor.Submit(ctx, plan)
	report.Result = &res

	note := alerting.Notification{
		ChatID:         w.cfg.ChannelID,
		PositionID:     position,
		HealthRatioPct: decision.HealthRatioPct,
		ThresholdPct:   w.cfg.AlertThresholdPct,
		Band:           decision.Band.String(),
		PlanID:         plan.ID,
		TxRef:          res.TxRef,
		At:             now,
		Steps:          make([]string, 0, len(plan.Operations)),
	}
	for _, op := range plan.Operations {
		note.Steps = append(note.Steps, op.String())
	}

	if res.Success {
		metrics.InterventionsTotal.WithLabelValues(position, "success").Inc()
		w.logger.Info().Str("plan_id", plan.ID).Str("tx", res.TxRef).Msg("deleverage executed")
		note.Kind = alerting.KindInterventionSuccess
	} else {
		metrics.InterventionsTotal.WithLabelValues(position, "failure").Inc()
		w.logger.Error().Err(res.Err).Str("plan_id", plan.ID).Str("tx", res.TxRef).Msg("deleverage failed")
		note.Kind = alerting.KindInterventionFailure
		if res.Err != nil {
			note.Error = res.Err.Error()
		}
	}

	w.recordIntervention(ctx, plan, decision, res)
	w.dispatch(ctx, note)
}

// dispatch sends note with a bounded timeout and audits it. Delivery failures
// are logged only; the cycle continues.
func (w *Watch) dispatch(ctx context.Context, note alerting.Notification) {
	position := note.PositionID
	if w.deps.Notifier == nil {
		metrics.AlertsTotal.WithLabelValues(position, string(note.Kind), "disabled").Inc()
		w.logger.Warn().Str("kind", string(note.Kind)).Msg("no notifier configured; alert dropped")
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, w.deps.NotifyTimeout)
	defer cancel()

	if err := w.deps.Notifier.Notify(notifyCtx, note); err != nil {
		metrics.AlertsTotal.WithLabelValues(position, string(note.Kind), "error").Inc()
		w.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	} else {
		metrics.AlertsTotal.WithLabelValues(position, string(note.Kind), "sent").Inc()
	}

	if w.deps.Alerts != nil {
		record := storage.AlertRecord{
			PositionID:     position,
			Kind:           string(note.Kind),
			HealthRatioPct: note.HealthRatioPct,
			ThresholdPct:   note.ThresholdPct,
			Message:        alerting.RenderMessage(note),
		}
		if _, err := w.deps.Alerts.InsertAlert(ctx, record); err != nil {
			w.logger.Error().Err(err).Msg("failed to persist alert record")
		}
	}
}

func (w *Watch) recordSample(ctx context.Context, at time.Time, snap risk.Snapshot, decision risk.Decision) {
	w.statusMu.Lock()
	w.status.LastCycleAt = at
	w.status.LastHealthPct = decision.HealthRatioPct
	w.status.LastBand = decision.Band
	w.status.LastError = ""
	w.status.LastAlertEpoch = w.state.LastAlertEpochSeconds
	w.statusMu.Unlock()

	if w.deps.Samples == nil {
		return
	}
	sample := storage.PositionSample{
		PositionID:     snap.PositionID,
		SampledAt:      at,
		Collateral:     snap.Collateral,
		Debt:           snap.Debt,
		PriceUSD:       snap.CollateralPriceUSD,
		StatusRatio:    snap.StatusRatio,
		HealthRatioPct: decision.HealthRatioPct,
		Band:           decision.Band.String(),
	}
	if snap.BlockNumber != 0 {
		block := int64(snap.BlockNumber)
		sample.BlockNumber = &block
	}
	if err := w.deps.Samples.InsertSample(ctx, sample); err != nil {
		w.logger.Error().Err(err).Msg("failed to persist sample")
	}
}

func (w *Watch) recordFailure(ctx context.Context, at time.Time, cause error) {
	w.logger.Warn().Err(cause).Msg("cycle ended without decision")

	w.statusMu.Lock()
	w.status.LastCycleAt = at
	w.status.LastError = cause.Error()
	w.statusMu.Unlock()

	if w.deps.Samples == nil {
		return
	}
	msg := cause.Error()
	sample := storage.PositionSample{
		PositionID: w.cfg.PositionID,
		SampledAt:  at,
		Error:      &msg,
	}
	if err := w.deps.Samples.InsertSample(ctx, sample); err != nil {
		w.logger.Error().Err(err).Msg("failed to persist failed sample")
	}
}

func (w *Watch) recordIntervention(ctx context.Context, plan planner.Plan, decision risk.Decision, res executor.Result) {
	if w.deps.Interventions == nil {
		return
	}
	rec := storage.InterventionRecord{
		PlanID:            plan.ID,
		PositionID:        plan.PositionID,
		HealthRatioPct:    decision.HealthRatioPct,
		FlashBorrowAmount: plan.FlashBorrowAmount,
		WithdrawAmount:    plan.CollateralWithdrawAmount,
		MinProceeds:       plan.MinProceeds,
		Success:           res.Success,
		TxRef:             res.TxRef,
	}
	if res.Err != nil {
		msg := res.Err.Error()
		rec.Error = &msg
	}
	if err := w.deps.Interventions.RecordIntervention(ctx, rec); err != nil {
		w.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("failed to persist intervention")
	}
}

func (w *Watch) acquireLock(ctx context.Context) (func(), bool, error) {
	if w.lockKey == 0 || w.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := w.deps.Locker.TryAdvisoryLock(ctx, w.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
