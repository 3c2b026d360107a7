package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "debug"}, &buf)

	posLogger := Position(logger, "watch", "2096")
	posLogger.Debug().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("日志不是合法 JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "watch" || entry["position_id"] != "2096" {
		t.Fatalf("字段缺失: %v", entry)
	}
	if entry["level"] != "debug" {
		t.Fatalf("level 错误: %v", entry["level"])
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "WARN"}, &buf)

	compLogger := Component(logger, "x")
	compLogger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info 日志应被过滤: %s", buf.String())
	}
	compLogger.Warn().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn 日志应输出: %s", buf.String())
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "not-a-level"}, &buf)

	logger.Debug().Msg("dropped")
	logger.Info().Msg("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("默认级别应为 info: %s", buf.String())
	}
}
