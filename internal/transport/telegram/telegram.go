// Package telegram delivers operator alerts and emergency fallbacks to
// Telegram chats. It is send-only: nothing is polled.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyrelay/internal/transport"
	logx "notifyrelay/pkg/logx"
)

const (
	textLimit  = 4000
	errorRunes = 300
)

type Config struct {
	Token       string
	ChatIDs     []int64
	ThreadID    int
	SendTimeout time.Duration
}

// sender is the part of *tele.Bot the notifier uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Notifier struct {
	cfg Config
	log logx.Logger
	bot sender
}

var _ transport.FallbackNotifier = (*Notifier)(nil)

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram: no chat ids")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.SendTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return newNotifier(cfg, b, log), nil
}

func newNotifier(cfg Config, bot sender, log logx.Logger) *Notifier {
	return &Notifier{
		cfg: cfg,
		log: log.With(logx.String("comp", "telegram")),
		bot: bot,
	}
}

// Fallback posts the alert to every configured chat. It succeeds when at
// least one chat received it.
func (n *Notifier) Fallback(ctx context.Context, a transport.Alert) error {
	return n.broadcast(ctx, formatAlert(a), tele.ModeHTML)
}

// SendAlert forwards a preformatted log line (logx alert sink).
func (n *Notifier) SendAlert(ctx context.Context, text string) error {
	return n.broadcast(ctx, pre(text), tele.ModeHTML)
}

func (n *Notifier) broadcast(ctx context.Context, text string, mode tele.ParseMode) error {
	var errs []error
	sent := 0
	for _, id := range n.cfg.ChatIDs {
		if err := n.send(ctx, id, text, mode); err != nil {
			n.log.Warn("telegram send failed", logx.Int64("chat_id", id), logx.Err(err))
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
			continue
		}
		sent++
	}
	if sent > 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (n *Notifier) send(ctx context.Context, chatID int64, text string, mode tele.ParseMode) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit, string(mode)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             mode,
			DisableWebPagePreview: true,
			ThreadID:              n.cfg.ThreadID,
		}
		if _, err := n.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

func formatAlert(a transport.Alert) string {
	var b strings.Builder
	icon := "ℹ️"
	switch strings.ToLower(a.Level) {
	case "critical", "error":
		icon = "🚨"
	case "high", "warning", "warn":
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s %s", icon, bold(a.Title))
	if a.Text != "" {
		b.WriteString("\n")
		b.WriteString(esc(a.Text))
	}
	if len(a.Users) > 0 {
		fmt.Fprintf(&b, "\n%s", italic(fmt.Sprintf("affected users: %d", len(a.Users))))
	}
	if !a.At.IsZero() {
		fmt.Fprintf(&b, "\n%s", code(a.At.UTC().Format(time.RFC3339)))
	}
	return b.String()
}

// splitText splits long messages on newline boundaries where possible and
// avoids cutting inside an HTML tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
