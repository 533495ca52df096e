// Package notification delivers operator alerts for critical engine events.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyHalt       NotificationType = "halt"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	Profit    float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Config holds all provider settings
type Config struct {
	Telegram    TelegramConfig `json:"telegram"`
	Discord     DiscordConfig  `json:"discord"`
	TradeAlerts bool           `json:"trade_alerts"` // also alert on every open/close
	SendTimeout time.Duration  `json:"-"`
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		timeout: 10 * time.Second,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
}

// NewManagerFromConfig creates a manager with every configured provider
func NewManagerFromConfig(cfg Config, logger zerolog.Logger) *Manager {
	m := NewManager(logger)
	if cfg.SendTimeout > 0 {
		m.timeout = cfg.SendTimeout
	}
	m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Enabled reports whether any provider will deliver
func (m *Manager) Enabled() bool {
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// Send sends a notification to all enabled providers. Every provider is
// attempted; the last error is returned.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var lastErr error
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := p.Send(sctx, n)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Str("provider", p.Name()).Str("title", n.Title).Msg("Notification failed")
			lastErr = err
		}
	}
	return lastErr
}

// Subscribe forwards critical bus events to the providers. Trade events are
// forwarded only when tradeAlerts is set.
func (m *Manager) Subscribe(bus *events.EventBus, tradeAlerts bool) {
	if !m.Enabled() {
		return
	}
	handler := func(e events.Event) {
		if n := FromEvent(e); n != nil {
			_ = m.Send(context.Background(), n)
		}
	}
	bus.Subscribe(events.EventCircuitTripped, handler)
	bus.Subscribe(events.EventCircuitReset, handler)
	bus.Subscribe(events.EventComplianceChanged, handler)
	bus.Subscribe(events.EventEngineStopped, handler)
	bus.Subscribe(events.EventError, handler)
	if tradeAlerts {
		bus.Subscribe(events.EventTradeOpened, handler)
		bus.Subscribe(events.EventTradeClosed, handler)
	}
}

// FromEvent renders a bus event, or nil for events that never alert
func FromEvent(e events.Event) *Notification {
	str := func(k string) string {
		s, _ := e.Data[k].(string)
		return s
	}
	num := func(k string) float64 {
		f, _ := e.Data[k].(float64)
		return f
	}
	list := func(k string) string {
		l, _ := e.Data[k].([]string)
		return strings.Join(l, "; ")
	}

	switch e.Type {
	case events.EventCircuitTripped:
		msg := fmt.Sprintf("Trigger: %s\nReason: %s", str("trigger"), str("reason"))
		if until, ok := e.Data["halt_until"].(time.Time); ok && !until.IsZero() {
			msg += "\nHalted until: " + until.UTC().Format(time.RFC3339)
		}
		return &Notification{Type: NotifyHalt, Title: "Circuit breaker tripped", Message: msg, Timestamp: e.Timestamp}
	case events.EventCircuitReset:
		return &Notification{Type: NotifyInfo, Title: "Circuit breaker reset", Message: str("reason"), Timestamp: e.Timestamp}
	case events.EventComplianceChanged:
		return &Notification{
			Type:      NotifyHalt,
			Title:     fmt.Sprintf("Compliance %s", str("to")),
			Message:   fmt.Sprintf("From %s to %s\n%s", str("from"), str("to"), list("reasons")),
			Timestamp: e.Timestamp,
		}
	case events.EventEngineStopped:
		return &Notification{Type: NotifyInfo, Title: "Engine stopped", Message: str("reason"), Timestamp: e.Timestamp}
	case events.EventError:
		msg := str("message")
		if err := str("error"); err != "" {
			msg += "\n" + err
		}
		return &Notification{Type: NotifyError, Title: "Error in " + str("source"), Message: msg, Timestamp: e.Timestamp}
	case events.EventTradeOpened:
		return &Notification{
			Type:      NotifyTradeOpen,
			Title:     "Trade opened: " + str("symbol"),
			Message:   fmt.Sprintf("%s %s @ %.5f\nStop: %.5f | Risk: %.2f%%", str("direction"), str("symbol"), num("entry_price"), num("stop_price"), num("risk_pct")),
			Symbol:    str("symbol"),
			Price:     num("entry_price"),
			Timestamp: e.Timestamp,
		}
	case events.EventTradeClosed:
		return &Notification{
			Type:      NotifyTradeClose,
			Title:     "Trade closed: " + str("symbol"),
			Message:   fmt.Sprintf("Entry: %.5f -> Exit: %.5f\nProfit: %.2f\nReason: %s", num("entry_price"), num("exit_price"), num("profit"), str("reason")),
			Symbol:    str("symbol"),
			Price:     num("exit_price"),
			Profit:    num("profit"),
			Timestamp: e.Timestamp,
		}
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	APIBase  string `json:"api_base,omitempty"`
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	base := config.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiBase:  strings.TrimRight(base, "/"),
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	resp, err := postJSON(ctx, t.client, fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken), payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if n.Type == NotifyError || n.Type == NotifyHalt || (n.Type == NotifyTradeClose && n.Profit < 0) {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	if n.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if n.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.5f", n.Price), "inline": true,
			})
		}
		if n.Profit != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Profit", "value": fmt.Sprintf("%.2f", n.Profit), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	resp, err := postJSON(ctx, d.client, d.webhookURL, map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
