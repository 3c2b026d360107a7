package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind 区分通知类型。
type Kind string

const (
	KindRiskAlert           Kind = "risk_alert"
	KindInterventionSuccess Kind = "intervention_success"
	KindInterventionFailure Kind = "intervention_failure"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind           Kind
	ChatID         string
	PositionID     string
	HealthRatioPct decimal.Decimal
	ThresholdPct   decimal.Decimal
	Band           string
	PlanID         string
	TxRef          string
	Error          string
	At             time.Time
	Steps          []string // submitted operations, in order
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	chatID := note.ChatID
	if chatID == "" {
		chatID = n.chatID
	}
	if chatID == "" {
		return fmt.Errorf("telegram chat_id 未配置")
	}

	payload := map[string]string{
		"chat_id": chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("position_id", note.PositionID).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderMessage 生成通知文本。
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindInterventionSuccess:
		builder.WriteString("✅ Deleverage executed\n")
		builder.WriteString(fmt.Sprintf("Vault No. %s\n", note.PositionID))
		builder.WriteString(fmt.Sprintf("CDP Ratio before: %s%%\n", note.HealthRatioPct.StringFixed(2)))
		if note.TxRef != "" {
			builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxRef))
		}
	case KindInterventionFailure:
		builder.WriteString("❌ Deleverage FAILED, position unchanged\n")
		builder.WriteString(fmt.Sprintf("Vault No. %s\n", note.PositionID))
		builder.WriteString(fmt.Sprintf("CDP Ratio: %s%%\n", note.HealthRatioPct.StringFixed(2)))
		if note.Error != "" {
			builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
		}
		builder.WriteString("Act Now before it's too late!\n")
	default:
		builder.WriteString("🚨🚨🚨 CDP Ratio is in Danger Zone! 🚨🚨🚨\n")
		builder.WriteString("Act Now before it's too late!\n")
		builder.WriteString(fmt.Sprintf("CDP Ratio for Vault No. %s is %s%% (alert below %s%%).\n",
			note.PositionID, note.HealthRatioPct.StringFixed(2), note.ThresholdPct.StringFixed(2)))
		if note.Band != "" {
			builder.WriteString(fmt.Sprintf("Band: %s\n", note.Band))
		}
	}
	if note.PlanID != "" {
		builder.WriteString(fmt.Sprintf("Plan: %s\n", note.PlanID))
	}
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if len(note.Steps) > 0 {
		builder.WriteString("Steps:\n")
		for i, step := range note.Steps {
			builder.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
		}
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
