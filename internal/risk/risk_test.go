package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() WatchConfig {
	return WatchConfig{
		PositionID:        "2096",
		AlertThresholdPct: decimal.NewFromInt(200),
		CriticalLowerPct:  decimal.NewFromInt(150),
		CriticalUpperPct:  decimal.NewFromInt(160),
		Cooldown:          DefaultCooldown,
		DebtDivisor:       decimal.NewFromInt(3),
		MaxSlippagePct:    decimal.RequireFromString("0.1"),
		AutoDeleverage:    true,
	}
}

func snapshotWithStatus(status string) Snapshot {
	return Snapshot{PositionID: "2096", StatusRatio: decimal.RequireFromString(status)}
}

func TestHealthRatioPct(t *testing.T) {
	health, err := snapshotWithStatus("0.5").HealthRatioPct()
	require.NoError(t, err)
	assert.True(t, health.Equal(decimal.NewFromInt(200)), "got %s", health)

	prev := decimal.NewFromInt(1_000_000)
	for _, status := range []string{"0.1", "0.25", "0.45", "0.62", "0.65", "1", "2.5"} {
		h, err := snapshotWithStatus(status).HealthRatioPct()
		require.NoError(t, err)
		assert.True(t, h.LessThan(prev), "health must fall as status rises (%s)", status)
		prev = h
	}
}

func TestHealthRatioPctRejectsNonPositiveStatus(t *testing.T) {
	for _, status := range []string{"0", "-0.3"} {
		_, err := snapshotWithStatus(status).HealthRatioPct()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSnapshot))
	}
}

func TestEvaluateInvalidSnapshotLeavesStateUntouched(t *testing.T) {
	state := &AlertState{LastAlertEpochSeconds: 42}
	_, err := Evaluate(snapshotWithStatus("0"), testConfig(), state, time.Unix(10_000, 0))
	require.ErrorIs(t, err, ErrInvalidSnapshot)
	assert.Equal(t, int64(42), state.LastAlertEpochSeconds)
}

func TestEvaluateScenarios(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		alert     bool
		intervene bool
		band      Band
	}{
		{name: "healthy", status: "0.45", band: BandSafe},
		{name: "warning only", status: "0.62", alert: true, band: BandWarning},
		{name: "critical band", status: "0.65", alert: true, intervene: true, band: BandCritical},
		{name: "below critical band", status: "0.8", alert: true, band: BandBelowCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &AlertState{}
			d, err := Evaluate(snapshotWithStatus(tt.status), testConfig(), state, time.Unix(1_700_000_000, 0))
			require.NoError(t, err)
			assert.Equal(t, tt.alert, d.Alert)
			assert.Equal(t, tt.intervene, d.Intervene)
			assert.Equal(t, tt.band, d.Band)
			assert.Equal(t, !tt.alert && !tt.intervene, d.None())
		})
	}
}

func TestEvaluateCooldownEmitsOnce(t *testing.T) {
	cfg := testConfig()
	state := &AlertState{}
	start := time.Unix(1_700_000_000, 0)

	first, err := Evaluate(snapshotWithStatus("0.62"), cfg, state, start)
	require.NoError(t, err)
	second, err := Evaluate(snapshotWithStatus("0.62"), cfg, state, start.Add(3*time.Second))
	require.NoError(t, err)

	assert.True(t, first.Alert)
	assert.False(t, second.Alert)
	assert.Equal(t, start.Unix(), state.LastAlertEpochSeconds)

	third, err := Evaluate(snapshotWithStatus("0.62"), cfg, state, start.Add(cfg.Cooldown))
	require.NoError(t, err)
	assert.True(t, third.Alert)
	assert.Equal(t, start.Add(cfg.Cooldown).Unix(), state.LastAlertEpochSeconds)
}

func TestEvaluateInterventionIgnoresCooldown(t *testing.T) {
	cfg := testConfig()
	state := &AlertState{}
	now := time.Unix(1_700_000_000, 0)

	_, err := Evaluate(snapshotWithStatus("0.65"), cfg, state, now)
	require.NoError(t, err)
	d, err := Evaluate(snapshotWithStatus("0.65"), cfg, state, now.Add(3*time.Second))
	require.NoError(t, err)

	assert.False(t, d.Alert)
	assert.True(t, d.Intervene)
}

func TestEvaluateBandEdgesAreInclusive(t *testing.T) {
	cfg := testConfig()
	cfg.CriticalLowerPct = decimal.NewFromInt(125)
	// 0.8 -> 125%, 0.625 -> 160%
	for _, status := range []string{"0.8", "0.625"} {
		d, err := Evaluate(snapshotWithStatus(status), cfg, &AlertState{}, time.Unix(1, 0))
		require.NoError(t, err)
		assert.True(t, d.Intervene, "status %s should intervene", status)
		assert.Equal(t, BandCritical, d.Band)
	}
}

func TestWatchConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	broken := []func(*WatchConfig){
		func(c *WatchConfig) { c.PositionID = "" },
		func(c *WatchConfig) { c.CriticalLowerPct = decimal.NewFromInt(160) },
		func(c *WatchConfig) { c.CriticalUpperPct = decimal.NewFromInt(210) },
		func(c *WatchConfig) { c.Cooldown = -time.Second },
		func(c *WatchConfig) { c.DebtDivisor = decimal.Zero },
		func(c *WatchConfig) { c.MaxSlippagePct = decimal.NewFromInt(100) },
	}
	for i, mutate := range broken {
		cfg := testConfig()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "case %d", i)
	}
}
