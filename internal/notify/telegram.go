// Package notify delivers best-effort operator and task-thread messages
// through Telegram.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/persistence"
)

type Config struct {
	Token string `yaml:"-"`
	// AlertChats receive job failure alerts.
	AlertChats []int64 `yaml:"alert_chats"`
	// APIEndpoint overrides the Bot API URL format (tests).
	APIEndpoint string `yaml:"-"`
}

// Telegram sends messages to chats identified by numeric chat id. A task's
// thread reference is its chat id.
type Telegram struct {
	bot        *tgbotapi.BotAPI
	alertChats []int64
	logger     *slog.Logger
	sub        *bus.Subscription
	eventBus   *bus.Bus
	done       chan struct{}
}

func NewTelegram(cfg Config, client *http.Client, logger *slog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger = logger.With("component", "notify")
	logger.Info("telegram notifier ready", "user", bot.Self.UserName)
	return &Telegram{bot: bot, alertChats: cfg.AlertChats, logger: logger}, nil
}

// Notify sends msg to the chat in threadRef.
func (t *Telegram) Notify(ctx context.Context, threadRef, msg string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(threadRef), 10, 64)
	if err != nil {
		return fmt.Errorf("thread ref %q is not a chat id", threadRef)
	}
	return t.send(ctx, chatID, msg)
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Alert sends msg to every alert chat. Failures are logged.
func (t *Telegram) Alert(ctx context.Context, msg string) {
	for _, chatID := range t.alertChats {
		if err := t.send(ctx, chatID, msg); err != nil {
			t.logger.Warn("alert delivery failed", "chat_id", chatID, "error", err)
		}
	}
}

// SubscribeToEvents forwards failed job runs to the alert chats until Close.
func (t *Telegram) SubscribeToEvents(b *bus.Bus) {
	if b == nil || len(t.alertChats) == 0 {
		return
	}
	t.eventBus = b
	t.sub = b.Subscribe(bus.TopicJobFinished)
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		for ev := range t.sub.Ch() {
			t.handleEvent(ev)
		}
	}()
}

func (t *Telegram) handleEvent(ev bus.Event) {
	jf, ok := ev.Payload.(bus.JobFinished)
	if !ok {
		t.logger.Warn("invalid JobFinished payload", "type", fmt.Sprintf("%T", ev.Payload))
		return
	}
	if msg := jobAlert(jf); msg != "" {
		t.Alert(context.Background(), msg)
	}
}

func jobAlert(jf bus.JobFinished) string {
	if jf.Status == persistence.JobSuccess {
		return ""
	}
	return fmt.Sprintf("[lobwife] Job %s finished with status %s after %.1fs", jf.Name, jf.Status, jf.Duration)
}

func (t *Telegram) Close() {
	if t.sub == nil {
		return
	}
	t.eventBus.Unsubscribe(t.sub)
	<-t.done
	t.sub = nil
}
