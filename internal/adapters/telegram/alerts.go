package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"switchyard/internal/domain/budget"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

var _ budget.AlertSink = (*AlertNotifier)(nil)

// targetPrefix marks an alert target as a Telegram chat id ("telegram:12345").
// Bare numeric targets are accepted too.
const targetPrefix = "telegram:"

// Sender is the part of *tgbotapi.BotAPI the notifier needs
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewBotAPI creates a bot client with a bounded HTTP timeout
func NewBotAPI(token string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "telegram bot token is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}
	return api, nil
}

// AlertNotifier delivers budget alerts to Telegram chats. Sends are paced
// by a token bucket so a burst of alerts does not trip Telegram's flood
// control.
type AlertNotifier struct {
	sender   Sender
	limiter  *rate.Limiter
	defaults []int64
	log      *logger.Logger
}

// NewAlertNotifier creates a notifier. defaults receive every alert on top
// of the alert's own targets.
func NewAlertNotifier(sender Sender, perSecond float64, defaults []int64, log *logger.Logger) *AlertNotifier {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &AlertNotifier{
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		defaults: defaults,
		log:      log.With("component", "telegram_alerts"),
	}
}

// Send implements budget.AlertSink. Non-Telegram targets are ignored.
func (n *AlertNotifier) Send(ctx context.Context, a budget.Alert) error {
	chats := n.recipients(a.Targets)
	if len(chats) == 0 {
		return nil
	}

	text := FormatAlert(a)
	var errs []error
	for _, chatID := range chats {
		if err := n.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "telegram pacing")
		}

		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.sender.Send(msg); err != nil {
			n.log.Warnw("Failed to send budget alert",
				"chat_id", chatID,
				"tool_id", a.ToolID,
				"kind", a.Kind,
				"error", err,
			)
			errs = append(errs, errors.Wrapf(err, "send to chat %d", chatID))
		}
	}
	return errors.Join(errs...)
}

func (n *AlertNotifier) recipients(targets []string) []int64 {
	seen := make(map[int64]bool, len(targets)+len(n.defaults))
	var out []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, id := range n.defaults {
		add(id)
	}
	for _, t := range targets {
		if id, ok := ParseTarget(t); ok {
			add(id)
		}
	}
	return out
}

// ParseTarget extracts a chat id from "telegram:<id>" or "<id>"
func ParseTarget(target string) (int64, bool) {
	raw := strings.TrimPrefix(strings.TrimSpace(target), targetPrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// FormatAlert renders the alert as a short plain-text message
func FormatAlert(a budget.Alert) string {
	icon := "⚠️"
	if a.Kind.Severity() == "critical" {
		icon = "🚨"
	}

	spent, _ := a.Spent.Float64()
	limit, _ := a.Limit.Float64()

	var b strings.Builder
	fmt.Fprintf(&b, "%s Budget %s: %s\n", icon, strings.ToUpper(a.Kind.Severity()), a.ToolID)
	fmt.Fprintf(&b, "%s\n", a.Message)
	fmt.Fprintf(&b, "Spent: $%s of $%s\n",
		humanize.FormatFloat("#,###.##", spent),
		humanize.FormatFloat("#,###.##", limit),
	)
	fmt.Fprintf(&b, "At: %s", a.CreatedAt.UTC().Format(time.RFC3339))
	return b.String()
}
