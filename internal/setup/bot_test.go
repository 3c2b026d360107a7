package setup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

type sentMessage struct {
	chatID string
	text   string
	markup string
}

type fakeTelegram struct {
	mu        sync.Mutex
	sent      []sentMessage
	callbacks int
}

func (f *fakeTelegram) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("解析表单失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"guard","username":"cdpguard_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			f.mu.Lock()
			f.sent = append(f.sent, sentMessage{
				chatID: r.Form.Get("chat_id"),
				text:   r.Form.Get("text"),
				markup: r.Form.Get("reply_markup"),
			})
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":5,"type":"private"}}}`))
		case strings.HasSuffix(r.URL.Path, "/answerCallbackQuery"):
			f.mu.Lock()
			f.callbacks++
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			t.Errorf("意外的请求路径: %s", r.URL.Path)
			_, _ = w.Write([]byte(`{"ok":false,"description":"unexpected"}`))
		}
	}
}

func newTestBot(t *testing.T, allowed []int64) (*Bot, *fakeTelegram) {
	t.Helper()
	fake := &fakeTelegram{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	wizard := newWizard(&fakeLister{}, &fakeRegistrar{})
	bot, err := NewBot(BotOptions{Token: "TOKEN", APIBase: srv.URL, AllowedChatIDs: allowed}, wizard, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBot 返回错误: %v", err)
	}
	return bot, fake
}

func TestBotRepliesToStartWithButton(t *testing.T) {
	bot, fake := newTestBot(t, nil)

	bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "/start",
		Chat: &tgbotapi.Chat{ID: 5},
		From: &tgbotapi.User{FirstName: "Ana"},
	}})

	if len(fake.sent) != 1 {
		t.Fatalf("期望发送 1 条消息, got %d", len(fake.sent))
	}
	msg := fake.sent[0]
	if msg.chatID != "5" || !strings.Contains(msg.text, "Ana, please Setup Alerts") {
		t.Fatalf("消息内容错误: %+v", msg)
	}
	if !strings.Contains(msg.markup, SetupAlertAction) {
		t.Fatalf("缺少 Setup Alert 按钮: %s", msg.markup)
	}
}

func TestBotCallbackEntersWizard(t *testing.T) {
	bot, fake := newTestBot(t, nil)

	bot.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		Data:    SetupAlertAction,
		From:    &tgbotapi.User{FirstName: "Ana"},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}},
	}})

	if fake.callbacks != 1 {
		t.Fatalf("回调应被应答一次, got %d", fake.callbacks)
	}
	if len(fake.sent) != 1 || !strings.Contains(fake.sent[0].text, "Enter your Main address") {
		t.Fatalf("回调应进入向导: %+v", fake.sent)
	}
	if bot.wizard.Step(5) != StepAwaitAddress {
		t.Fatalf("向导状态错误: %v", bot.wizard.Step(5))
	}
}

func TestBotIgnoresUnauthorisedChats(t *testing.T) {
	bot, fake := newTestBot(t, []int64{42})

	bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "/setupalert",
		Chat: &tgbotapi.Chat{ID: 5},
	}})

	if len(fake.sent) != 0 {
		t.Fatalf("未授权的 chat 不应收到回复: %+v", fake.sent)
	}
	if bot.wizard.Step(5) != StepIdle {
		t.Fatalf("未授权的 chat 不应进入向导")
	}
}

func TestNewBotRequiresToken(t *testing.T) {
	if _, err := NewBot(BotOptions{}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("缺少 token 时应返回错误")
	}
}
