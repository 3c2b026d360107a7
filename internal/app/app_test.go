package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cdpguard/internal/config"
	"cdpguard/internal/executor"
	"cdpguard/internal/fetcher"
	"cdpguard/internal/monitor"
	"cdpguard/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Tokens: config.TokensConfig{
			Debt:       config.TokenConfig{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
			Collateral: config.TokenConfig{Symbol: "ETH", Address: "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE", Decimals: 18},
		},
		Planner: config.PlannerConfig{
			DebtDivisor:    3,
			MaxSlippagePct: 0.1,
			AutoDeleverage: true,
		},
		Executor: config.ExecutorConfig{DryRun: true},
		Alerting: config.AlertingConfig{Cooldown: time.Hour, Timeout: time.Second},
		Watch: config.WatchEntry{
			PositionID:        "2096",
			AlertThresholdPct: 200,
			CriticalLowerPct:  150,
			CriticalUpperPct:  160,
		},
	}
}

func TestSimulationBuildsDryRunPlan(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	cfg, err := a.simulationConfig("")
	if err != nil {
		t.Fatalf("simulationConfig 返回错误: %v", err)
	}

	snap, err := hypotheticalSnapshot(cfg.PositionID, SimulateOptions{
		StatusRatio: decimal.RequireFromString("0.65"),
		Debt:        decimal.NewFromInt(300),
		PriceUSD:    decimal.NewFromInt(2000),
	})
	if err != nil {
		t.Fatalf("hypotheticalSnapshot 返回错误: %v", err)
	}

	watch, err := monitor.NewWatch(cfg, 0, monitor.Deps{
		Snapshots: &staticSnapshots{snap: snap},
		Planner:   a.newPlanner(&fixedQuoter{price: decimal.NewFromInt(2000)}),
		Executor:  mustExecutor(t, a),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatch 返回错误: %v", err)
	}

	report, err := watch.RunCycle(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("RunCycle 返回错误: %v", err)
	}
	if !report.Decision.Alert || !report.Decision.Intervene {
		t.Fatalf("0.65 应同时告警与干预: %+v", report.Decision)
	}
	if report.Result == nil || !report.Result.Success || !strings.HasPrefix(report.Result.TxRef, "dry-run:") {
		t.Fatalf("dry-run 结果错误: %+v", report.Result)
	}

	var buf bytes.Buffer
	if err := renderReport(&buf, cfg, report); err != nil {
		t.Fatalf("renderReport 返回错误: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"health ratio: 153.85% (critical)", "1. INSTAPOOL-A.flashBorrow", "5. INSTAPOOL-A.flashPayback", "success=true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, out)
		}
	}
}

func mustExecutor(t *testing.T, a *App) executor.Executor {
	t.Helper()
	exec, err := a.newExecutor()
	if err != nil {
		t.Fatalf("newExecutor 返回错误: %v", err)
	}
	return exec
}

func TestSimulationConfigUnknownPosition(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	if _, err := a.simulationConfig("1"); err == nil {
		t.Fatalf("未配置的 vault 应返回错误")
	}
}

func TestHypotheticalSnapshotRejectsZero(t *testing.T) {
	if _, err := hypotheticalSnapshot("1", SimulateOptions{StatusRatio: decimal.Zero}); err == nil {
		t.Fatalf("status=0 应返回错误")
	}
	snap, err := hypotheticalSnapshot("1", SimulateOptions{
		StatusRatio: decimal.RequireFromString("0.6"),
		Debt:        decimal.NewFromInt(300),
		PriceUSD:    decimal.NewFromInt(2000),
	})
	if err != nil {
		t.Fatalf("hypotheticalSnapshot 返回错误: %v", err)
	}
	if !snap.Collateral.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("抵押数量计算错误: %s", snap.Collateral)
	}
}

func TestRenderTables(t *testing.T) {
	var buf bytes.Buffer
	block := int64(19_000_000)
	msg := "rpc\ntimeout"
	if err := renderSamples(&buf, []storage.PositionSample{
		{PositionID: "2096", SampledAt: time.Unix(0, 0), HealthRatioPct: decimal.RequireFromString("161.29"), Band: "warning", BlockNumber: &block},
		{PositionID: "2096", SampledAt: time.Unix(3, 0), Error: &msg},
	}); err != nil {
		t.Fatalf("renderSamples 返回错误: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "161.29") || !strings.Contains(out, "19000000") || !strings.Contains(out, "rpc timeout") {
		t.Fatalf("样本表格错误:\n%s", out)
	}

	buf.Reset()
	if err := renderVaults(&buf, []fetcher.VaultSummary{{ID: "2096", CollateralType: "ETH-A", StatusRatio: decimal.RequireFromString("0.5")}}); err != nil {
		t.Fatalf("renderVaults 返回错误: %v", err)
	}
	if !strings.Contains(buf.String(), "200.00") {
		t.Fatalf("vault 表格错误:\n%s", buf.String())
	}

	buf.Reset()
	if err := renderInterventions(&buf, nil); err != nil {
		t.Fatalf("renderInterventions 返回错误: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "no interventions found" {
		t.Fatalf("空表格输出错误: %q", buf.String())
	}
}
