package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdpguard/internal/risk"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaultsAndWatches(t *testing.T) {
	path := writeConfig(t, `
watch:
  position_id: "2096"
  alert_threshold_pct: 200
  critical_lower_pct: 150
  critical_upper_pct: 160
watches:
  - position_id: "3100"
    alert_threshold_pct: 180
    critical_lower_pct: 140
    critical_upper_pct: 150
    cooldown: 10m
    debt_divisor: 4
    auto_deleverage: false
    channel_id: "-100200"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Scheduler.Interval != 3*time.Second {
		t.Fatalf("默认轮询间隔应为 3s, got %s", cfg.Scheduler.Interval)
	}
	if !cfg.Executor.DryRun {
		t.Fatalf("executor.dry_run 默认应为 true")
	}

	watches, err := cfg.WatchConfigs()
	if err != nil {
		t.Fatalf("WatchConfigs 返回错误: %v", err)
	}
	if len(watches) != 2 {
		t.Fatalf("期望 2 个 watch, got %d", len(watches))
	}

	first := watches[0]
	if first.PositionID != "2096" || first.Cooldown != time.Hour {
		t.Fatalf("第一个 watch 默认值错误: %+v", first)
	}
	if first.DebtDivisor.IntPart() != 3 || first.MaxSlippagePct.String() != "0.1" || !first.AutoDeleverage {
		t.Fatalf("第一个 watch 策略默认值错误: %+v", first)
	}

	second := watches[1]
	if second.Cooldown != 10*time.Minute || second.DebtDivisor.IntPart() != 4 {
		t.Fatalf("第二个 watch 覆盖值错误: %+v", second)
	}
	if second.AutoDeleverage {
		t.Fatalf("auto_deleverage=false 应生效")
	}
	if second.ChannelID != "-100200" {
		t.Fatalf("channel_id 覆盖错误: %q", second.ChannelID)
	}
}

func TestLoadRejectsBrokenBand(t *testing.T) {
	path := writeConfig(t, `
watch:
  position_id: "2096"
  alert_threshold_pct: 155
  critical_lower_pct: 150
  critical_upper_pct: 160
`)

	_, err := Load(path)
	if !errors.Is(err, risk.ErrInvalidConfig) {
		t.Fatalf("期望 ErrInvalidConfig, got %v", err)
	}
}

func TestLoadRejectsDuplicatePositions(t *testing.T) {
	path := writeConfig(t, `
watches:
  - position_id: "7"
    alert_threshold_pct: 200
    critical_lower_pct: 150
    critical_upper_pct: 160
  - position_id: "7"
    alert_threshold_pct: 190
    critical_lower_pct: 150
    critical_upper_pct: 160
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("重复的 position_id 应当报错")
	}
}

func TestLoadLiveExecutorNeedsCredentials(t *testing.T) {
	path := writeConfig(t, `
executor:
  dry_run: false
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("未配置 dsa_address/private_key 时应当报错")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CDPGUARD_SCHEDULER_INTERVAL", "7s")
	t.Setenv("CDPGUARD_WATCH_POSITION_ID", "42")
	t.Setenv("CDPGUARD_WATCH_ALERT_THRESHOLD_PCT", "200")
	t.Setenv("CDPGUARD_WATCH_CRITICAL_LOWER_PCT", "150")
	t.Setenv("CDPGUARD_WATCH_CRITICAL_UPPER_PCT", "160")

	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Scheduler.Interval != 7*time.Second {
		t.Fatalf("环境变量未覆盖 interval: %s", cfg.Scheduler.Interval)
	}
	entries := cfg.WatchEntries()
	if len(entries) != 1 || entries[0].PositionID != "42" {
		t.Fatalf("环境变量 watch 未生效: %+v", entries)
	}
}

func TestLoadRejectsBrokenSetupBand(t *testing.T) {
	path := writeConfig(t, `
alerting:
  telegram:
    bot_token: "123:abc"
setup:
  enabled: true
  critical_lower_pct: 170
  critical_upper_pct: 160
`)

	_, err := Load(path)
	if !errors.Is(err, risk.ErrInvalidConfig) {
		t.Fatalf("setup 区间倒置应返回 ErrInvalidConfig, got %v", err)
	}

	cfg, err := Load(writeConfig(t, `
alerting:
  telegram:
    bot_token: "123:abc"
setup:
  enabled: true
`))
	if err != nil {
		t.Fatalf("默认 setup 区间应通过校验: %v", err)
	}
	tpl, err := cfg.SetupTemplate()
	if err != nil {
		t.Fatalf("SetupTemplate 返回错误: %v", err)
	}
	if tpl.CriticalLowerPct.String() != "150" || tpl.CriticalUpperPct.String() != "160" {
		t.Fatalf("setup 默认区间错误: %s..%s", tpl.CriticalLowerPct, tpl.CriticalUpperPct)
	}
}

func TestWatchInheritsBandAndExplicitZeroSlippage(t *testing.T) {
	t.Setenv("CDPGUARD_WATCH_POSITION_ID", "42")
	t.Setenv("CDPGUARD_WATCH_ALERT_THRESHOLD_PCT", "200")

	cfg, err := Load(writeConfig(t, `
watches:
  - position_id: "3100"
    alert_threshold_pct: 180
    max_slippage_pct: 0
`))
	if err != nil {
		t.Fatalf("未配置区间的 watch 应继承默认区间: %v", err)
	}

	watches, err := cfg.WatchConfigs()
	if err != nil {
		t.Fatalf("WatchConfigs 返回错误: %v", err)
	}
	if len(watches) != 2 {
		t.Fatalf("期望 2 个 watch, got %d", len(watches))
	}
	for _, wc := range watches {
		if wc.CriticalLowerPct.String() != "150" || wc.CriticalUpperPct.String() != "160" {
			t.Fatalf("watch %s 未继承默认区间: %s..%s", wc.PositionID, wc.CriticalLowerPct, wc.CriticalUpperPct)
		}
	}
	if watches[0].MaxSlippagePct.String() != "0.1" {
		t.Fatalf("未设置 max_slippage_pct 应继承 0.1, got %s", watches[0].MaxSlippagePct)
	}
	if !watches[1].MaxSlippagePct.IsZero() {
		t.Fatalf("显式 max_slippage_pct: 0 应生效, got %s", watches[1].MaxSlippagePct)
	}
}
