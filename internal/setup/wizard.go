package setup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cdpguard/internal/fetcher"
	"cdpguard/internal/monitor"
	"cdpguard/internal/risk"
)

// Commands understood by the wizard.
const (
	CmdStart      = "/start"
	CmdSetupAlert = "/setupalert"
	CmdStatus     = "/status"
	CmdCancel     = "/cancel"
)

// SetupAlertAction is the callback data of the inline "Setup Alert" button.
const SetupAlertAction = "SETUP_ALERT"

// Step is the position of a chat inside the setup conversation.
type Step int

const (
	StepIdle Step = iota
	StepAwaitAddress
	StepAwaitVault
	StepAwaitThreshold
)

// Registrar applies a finished WatchConfig, starting or reconfiguring a watch.
type Registrar interface {
	Upsert(cfg risk.WatchConfig) (bool, error)
}

// StatusSource lists active watches for /status.
type StatusSource interface {
	Statuses() []monitor.Status
}

// Reply is one outgoing chat message.
type Reply struct {
	Text string
	// SetupButton attaches the inline "Setup Alert" button.
	SetupButton bool
}

// Options configure the wizard.
type Options struct {
	SessionTTL time.Duration
	// Template supplies the critical band and policy knobs of new watches.
	Template risk.WatchConfig
}

type session struct {
	step       Step
	owner      string
	vaults     []fetcher.VaultSummary
	positionID string
	touched    time.Time
}

// Wizard is the per-chat setup state machine:
// /setupalert -> owner address -> vault -> alert threshold -> WatchConfig.
type Wizard struct {
	opts      Options
	lister    fetcher.VaultLister
	registrar Registrar
	statuses  StatusSource
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
}

// NewWizard builds a wizard. statuses may be nil.
func NewWizard(opts Options, lister fetcher.VaultLister, registrar Registrar, statuses StatusSource, logger zerolog.Logger) *Wizard {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 5 * time.Minute
	}
	return &Wizard{
		opts:      opts,
		lister:    lister,
		registrar: registrar,
		statuses:  statuses,
		logger:    logger.With().Str("component", "setup_wizard").Logger(),
		now:       time.Now,
		sessions:  make(map[int64]*session),
	}
}

// Step reports where chatID currently is in the conversation.
func (w *Wizard) Step(chatID int64) Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[chatID]
	if !ok || w.expired(s) {
		return StepIdle
	}
	return s.step
}

// Handle advances the conversation of chatID with one inbound text. The
// session lock is never held across vault lookups or watch registration, so a
// slow chain read or a busy watch does not stall other chats.
func (w *Wizard) Handle(ctx context.Context, chatID int64, firstName, text string) []Reply {
	text = strings.TrimSpace(text)
	command := strings.ToLower(strings.SplitN(text, "@", 2)[0])

	switch command {
	case CmdStart:
		name := firstName
		if name == "" {
			name = "there"
		}
		return []Reply{{
			Text:        fmt.Sprintf("Welcome to CDPAlerter!\n%s, please Setup Alerts for your CDP Vault:\n%s", name, CmdSetupAlert),
			SetupButton: true,
		}}
	case CmdSetupAlert:
		w.mu.Lock()
		w.purge()
		w.sessions[chatID] = &session{step: StepAwaitAddress, touched: w.now()}
		w.mu.Unlock()
		return []Reply{{Text: "Let's Setup Alerts for your Vault!\nEnter your Main address."}}
	case CmdCancel:
		w.mu.Lock()
		delete(w.sessions, chatID)
		w.mu.Unlock()
		return []Reply{{Text: "Setup cancelled."}}
	case CmdStatus:
		return []Reply{{Text: w.renderStatus()}}
	}

	w.mu.Lock()
	w.purge()
	s, ok := w.sessions[chatID]
	if !ok {
		w.mu.Unlock()
		return []Reply{{Text: fmt.Sprintf("Send %s to configure an alert.", CmdSetupAlert), SetupButton: true}}
	}
	s.touched = w.now()
	step := s.step
	w.mu.Unlock()

	switch step {
	case StepAwaitAddress:
		return w.handleAddress(ctx, chatID, s, text)
	case StepAwaitVault:
		return w.handleVault(chatID, s, text)
	case StepAwaitThreshold:
		return w.handleThreshold(chatID, s, text)
	default:
		w.drop(chatID, s)
		return []Reply{{Text: fmt.Sprintf("Send %s to configure an alert.", CmdSetupAlert)}}
	}
}

func (w *Wizard) handleAddress(ctx context.Context, chatID int64, s *session, text string) []Reply {
	if !common.IsHexAddress(text) {
		return []Reply{{Text: "That is not a valid address. Enter your Main address (0x...)."}}
	}
	if w.lister == nil {
		w.drop(chatID, s)
		return []Reply{{Text: "Vault lookup is not available right now."}}
	}

	vaults, err := w.lister.ListVaults(ctx, text)
	if err != nil {
		w.logger.Error().Err(err).Int64("chat_id", chatID).Msg("list vaults failed")
		return []Reply{{Text: "Could not load vaults for that address, try again."}}
	}
	if len(vaults) == 0 {
		w.drop(chatID, s)
		return []Reply{{Text: "No vaults found for that address."}}
	}

	w.mu.Lock()
	if w.sessions[chatID] != s {
		// cancelled or restarted while the vaults were loading
		w.mu.Unlock()
		return nil
	}
	s.owner = common.HexToAddress(text).Hex()
	s.vaults = vaults
	s.step = StepAwaitVault
	w.mu.Unlock()

	var b strings.Builder
	b.WriteString("Choose from the following Vault IDs:\n")
	for i, v := range vaults {
		fmt.Fprintf(&b, "%d)  %s", i+1, v.ID)
		if v.CollateralType != "" {
			fmt.Fprintf(&b, " (%s)", v.CollateralType)
		}
		if v.StatusRatio.Sign() > 0 {
			fmt.Fprintf(&b, " CDP %s%%", decimal.NewFromInt(100).Div(v.StatusRatio).StringFixed(2))
		}
		b.WriteString("\n")
	}
	return []Reply{{Text: b.String()}}
}

func (w *Wizard) handleVault(chatID int64, s *session, text string) []Reply {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions[chatID] != s {
		return nil
	}

	chosen := ""
	for _, v := range s.vaults {
		if v.ID == text {
			chosen = v.ID
			break
		}
	}
	if chosen == "" {
		if idx, err := strconv.Atoi(text); err == nil && idx >= 1 && idx <= len(s.vaults) {
			chosen = s.vaults[idx-1].ID
		}
	}
	if chosen == "" {
		return []Reply{{Text: "Pick a Vault ID (or its list number) from the list above."}}
	}

	s.positionID = chosen
	s.step = StepAwaitThreshold
	return []Reply{{Text: "Got it, enter the CDP Ratio to receive Alert for.\n[Eg: 200 for 200% limit]"}}
}

func (w *Wizard) handleThreshold(chatID int64, s *session, text string) []Reply {
	threshold, err := decimal.NewFromString(strings.TrimSuffix(text, "%"))
	if err != nil || threshold.Sign() <= 0 {
		return []Reply{{Text: "Enter a number, e.g. 200 for a 200% limit."}}
	}

	w.mu.Lock()
	owner, positionID := s.owner, s.positionID
	w.mu.Unlock()

	cfg := w.opts.Template
	cfg.PositionID = positionID
	cfg.AlertThresholdPct = threshold
	cfg.ChannelID = strconv.FormatInt(chatID, 10)

	if threshold.LessThan(cfg.CriticalUpperPct) {
		return []Reply{{Text: fmt.Sprintf("The alert limit must be at least %s%% (top of the auto-deleverage band).",
			cfg.CriticalUpperPct.String())}}
	}

	if w.registrar == nil {
		w.drop(chatID, s)
		return []Reply{{Text: "Watching is not available right now."}}
	}
	created, err := w.registrar.Upsert(cfg)
	if err != nil {
		w.logger.Error().Err(err).Int64("chat_id", chatID).Str("position_id", cfg.PositionID).Msg("apply watch config failed")
		return []Reply{{Text: fmt.Sprintf("Could not apply that setting: %v", err)}}
	}
	w.drop(chatID, s)

	w.logger.Info().
		Int64("chat_id", chatID).
		Str("owner", owner).
		Str("position_id", cfg.PositionID).
		Str("threshold_pct", threshold.String()).
		Bool("created", created).
		Msg("watch configured from chat")

	return []Reply{{Text: fmt.Sprintf("Done! You would get an alert for your Vault No. %s when the CDP goes below %s%%.",
		cfg.PositionID, threshold.String())}}
}

// drop ends the session of chatID unless it was replaced in the meantime.
func (w *Wizard) drop(chatID int64, s *session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions[chatID] == s {
		delete(w.sessions, chatID)
	}
}

func (w *Wizard) renderStatus() string {
	if w.statuses == nil {
		return "No vaults are being watched."
	}
	statuses := w.statuses.Statuses()
	if len(statuses) == 0 {
		return "No vaults are being watched."
	}
	var b strings.Builder
	for _, st := range statuses {
		fmt.Fprintf(&b, "Vault No. %s: alert below %s%%", st.Config.PositionID, st.Config.AlertThresholdPct.String())
		switch {
		case st.LastError != "":
			b.WriteString(", last read failed")
		case !st.LastCycleAt.IsZero():
			fmt.Fprintf(&b, ", CDP %s%% (%s)", st.LastHealthPct.StringFixed(2), st.LastBand.String())
		default:
			b.WriteString(", waiting for first read")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (w *Wizard) expired(s *session) bool {
	return w.now().Sub(s.touched) > w.opts.SessionTTL
}

func (w *Wizard) purge() {
	for id, s := range w.sessions {
		if w.expired(s) {
			delete(w.sessions, id)
		}
	}
}
