package setup

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// BotOptions configure the Telegram long-poll adapter.
type BotOptions struct {
	Token   string
	APIBase string
	// AllowedChatIDs restricts who may configure watches; empty allows everyone.
	AllowedChatIDs []int64
	PollTimeout    int
}

// Bot relays Telegram updates to the Wizard and sends its replies back.
type Bot struct {
	api     *tgbotapi.BotAPI
	wizard  *Wizard
	allowed map[int64]struct{}
	timeout int
	logger  zerolog.Logger
}

// NewBot authorises against the Bot API (getMe) and wires the wizard.
func NewBot(opts BotOptions, wizard *Wizard, logger zerolog.Logger) (*Bot, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("setup: telegram bot token is required")
	}
	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(opts.Token, base+"/bot%s/%s")
	if err != nil {
		return nil, fmt.Errorf("authorise telegram bot: %w", err)
	}

	allowed := make(map[int64]struct{}, len(opts.AllowedChatIDs))
	for _, id := range opts.AllowedChatIDs {
		allowed[id] = struct{}{}
	}
	timeout := opts.PollTimeout
	if timeout <= 0 {
		timeout = 60
	}

	log := logger.With().Str("component", "setup_bot").Logger()
	log.Info().Str("username", api.Self.UserName).Msg("telegram bot authorised")

	return &Bot{api: api, wizard: wizard, allowed: allowed, timeout: timeout, logger: log}, nil
}

// Run long-polls updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.timeout
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes one update: a message or the "Setup Alert" button.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	var (
		chatID    int64
		firstName string
		text      string
	)

	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			b.logger.Warn().Err(err).Msg("answer callback failed")
		}
		if cb.Data != SetupAlertAction || cb.Message == nil {
			return
		}
		chatID = cb.Message.Chat.ID
		if cb.From != nil {
			firstName = cb.From.FirstName
		}
		text = CmdSetupAlert
	case update.Message != nil:
		chatID = update.Message.Chat.ID
		if update.Message.From != nil {
			firstName = update.Message.From.FirstName
		}
		text = update.Message.Text
	default:
		return
	}

	if !b.isAllowed(chatID) {
		b.logger.Warn().Int64("chat_id", chatID).Msg("ignoring message from unauthorised chat")
		return
	}

	for _, reply := range b.wizard.Handle(ctx, chatID, firstName, text) {
		msg := tgbotapi.NewMessage(chatID, reply.Text)
		if reply.SetupButton {
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(
					tgbotapi.NewInlineKeyboardButtonData("Setup Alert", SetupAlertAction),
				),
			)
		}
		if _, err := b.api.Send(msg); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("send reply failed")
		}
	}
}

func (b *Bot) isAllowed(chatID int64) bool {
	if len(b.allowed) == 0 {
		return true
	}
	_, ok := b.allowed[chatID]
	return ok
}
