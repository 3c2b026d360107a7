package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSnapshot marks a snapshot whose status ratio cannot yield a health ratio.
	ErrInvalidSnapshot = errors.New("risk: invalid snapshot")
	// ErrInvalidConfig marks a watch configuration that breaks the band invariant.
	ErrInvalidConfig = errors.New("risk: invalid watch config")
)

var hundred = decimal.NewFromInt(100)

// DefaultCooldown is the minimum spacing between two alerts for one position.
const DefaultCooldown = time.Hour

// Snapshot is one fresh read of a vault, discarded after the cycle.
type Snapshot struct {
	PositionID         string
	Collateral         decimal.Decimal
	CollateralPriceUSD decimal.Decimal
	Debt               decimal.Decimal
	StatusRatio        decimal.Decimal
	BlockNumber        uint64
	FetchedAt          time.Time
}

// HealthRatioPct returns 100 / StatusRatio.
func (s Snapshot) HealthRatioPct() (decimal.Decimal, error) {
	if s.StatusRatio.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: status ratio %s", ErrInvalidSnapshot, s.StatusRatio.String())
	}
	return hundred.Div(s.StatusRatio), nil
}

// CollateralValueUSD prices the locked collateral.
func (s Snapshot) CollateralValueUSD() decimal.Decimal {
	return s.Collateral.Mul(s.CollateralPriceUSD)
}

// WatchConfig is the per-position policy.
type WatchConfig struct {
	PositionID        string
	AlertThresholdPct decimal.Decimal
	CriticalLowerPct  decimal.Decimal
	CriticalUpperPct  decimal.Decimal
	Cooldown          time.Duration
	// DebtDivisor selects the share of debt repaid by one intervention (debt / divisor).
	DebtDivisor    decimal.Decimal
	MaxSlippagePct decimal.Decimal
	ChannelID      string
	AutoDeleverage bool
}

// Validate enforces lower < upper <= alert threshold and sane policy values.
func (c WatchConfig) Validate() error {
	if c.PositionID == "" {
		return fmt.Errorf("%w: position id is empty", ErrInvalidConfig)
	}
	if c.CriticalLowerPct.Sign() <= 0 {
		return fmt.Errorf("%w: critical lower bound must be positive", ErrInvalidConfig)
	}
	if !c.CriticalLowerPct.LessThan(c.CriticalUpperPct) {
		return fmt.Errorf("%w: critical lower bound %s must be below upper bound %s",
			ErrInvalidConfig, c.CriticalLowerPct, c.CriticalUpperPct)
	}
	if c.CriticalUpperPct.GreaterThan(c.AlertThresholdPct) {
		return fmt.Errorf("%w: critical upper bound %s exceeds alert threshold %s",
			ErrInvalidConfig, c.CriticalUpperPct, c.AlertThresholdPct)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown cannot be negative", ErrInvalidConfig)
	}
	if c.DebtDivisor.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: debt divisor must be at least 1", ErrInvalidConfig)
	}
	if c.MaxSlippagePct.IsNegative() || c.MaxSlippagePct.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%w: max slippage must be within [0, 100)", ErrInvalidConfig)
	}
	return nil
}

// AlertState is the per-watch de-duplication memory.
type AlertState struct {
	LastAlertEpochSeconds int64
}

// Band classifies a health ratio against a WatchConfig.
type Band int

const (
	BandSafe Band = iota
	BandWarning
	BandCritical
	// BandBelowCritical is under the intervention band; alerted but not deleveraged.
	BandBelowCritical
)

func (b Band) String() string {
	switch b {
	case BandSafe:
		return "safe"
	case BandWarning:
		return "warning"
	case BandCritical:
		return "critical"
	case BandBelowCritical:
		return "below_critical"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one evaluation. Alert and Intervene may both be set.
type Decision struct {
	HealthRatioPct decimal.Decimal
	Band           Band
	Alert          bool
	Intervene      bool
}

// None reports whether neither an alert nor an intervention is due.
func (d Decision) None() bool {
	return !d.Alert && !d.Intervene
}

// Classify places a health ratio into a band.
func Classify(health decimal.Decimal, cfg WatchConfig) Band {
	switch {
	case health.GreaterThan(cfg.AlertThresholdPct):
		return BandSafe
	case health.GreaterThan(cfg.CriticalUpperPct):
		return BandWarning
	case health.GreaterThanOrEqual(cfg.CriticalLowerPct):
		return BandCritical
	default:
		return BandBelowCritical
	}
}

// Evaluate computes the decision for one snapshot. When an alert is emitted
// state.LastAlertEpochSeconds is advanced to now; nothing else is mutated.
func Evaluate(snap Snapshot, cfg WatchConfig, state *AlertState, now time.Time) (Decision, error) {
	health, err := snap.HealthRatioPct()
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		HealthRatioPct: health,
		Band:           Classify(health, cfg),
	}

	if health.LessThanOrEqual(cfg.AlertThresholdPct) {
		nowSec := now.Unix()
		if state == nil || nowSec-state.LastAlertEpochSeconds >= int64(cfg.Cooldown/time.Second) {
			decision.Alert = true
			if state != nil {
				state.LastAlertEpochSeconds = nowSec
			}
		}
	}

	if health.GreaterThanOrEqual(cfg.CriticalLowerPct) && health.LessThanOrEqual(cfg.CriticalUpperPct) {
		decision.Intervene = true
	}

	return decision, nil
}
