package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func riskNote() Notification {
	return Notification{
		Kind:           KindRiskAlert,
		PositionID:     "2096",
		HealthRatioPct: decimal.RequireFromString("161.29"),
		ThresholdPct:   decimal.NewFromInt(200),
		Band:           "warning",
		At:             time.Now(),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), riskNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Vault No. 2096 is 161.29%") {
		t.Fatalf("text 不正确: %q", received["text"])
	}
}

func TestTelegramNotifierChatOverride(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	note := riskNote()
	note.ChatID = "operator-2"
	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}
	if received["chat_id"] != "operator-2" {
		t.Fatalf("应使用通知自带的 chat_id: %#v", received)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), riskNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierMissingChat(t *testing.T) {
	notifier := NewTelegramNotifier("token", "", "http://127.0.0.1:1", time.Second, testLogger())
	if err := notifier.Notify(context.Background(), riskNote()); err == nil {
		t.Fatal("缺少 chat_id 应报错")
	}
}

func TestRenderMessageFailure(t *testing.T) {
	text := RenderMessage(Notification{
		Kind:           KindInterventionFailure,
		PositionID:     "2096",
		HealthRatioPct: decimal.RequireFromString("153.846"),
		Error:          "execution reverted",
		PlanID:         "plan-1",
	})
	for _, want := range []string{"FAILED", "153.85%", "execution reverted", "Plan: plan-1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("失败通知应包含 %q: %q", want, text)
		}
	}
}

func TestRenderMessageListsSteps(t *testing.T) {
	text := RenderMessage(Notification{
		Kind:           KindInterventionSuccess,
		PositionID:     "2096",
		HealthRatioPct: decimal.RequireFromString("153.846"),
		TxRef:          "0xabc",
		Steps:          []string{"INSTAPOOL-A.flashBorrow(DAI, 100)", "INSTAPOOL-A.flashPayback(DAI, 100)"},
	})
	for _, want := range []string{"Deleverage executed", "Tx: 0xabc", "Steps:\n1. INSTAPOOL-A.flashBorrow(DAI, 100)\n2. INSTAPOOL-A.flashPayback"} {
		if !strings.Contains(text, want) {
			t.Fatalf("成功通知应包含 %q: %q", want, text)
		}
	}

	if strings.Contains(RenderMessage(Notification{PositionID: "2096"}), "Steps:") {
		t.Fatalf("无步骤时不应输出 Steps")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
