package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

type TelegramConfig struct {
	Token string
	// DefaultChatID receives messages for users without their own chat.
	DefaultChatID int64
}

// Telegram delivers notifications over a Telegram bot. Send-only: the bot
// never polls for updates.
type Telegram struct {
	bot *tele.Bot
	cfg TelegramConfig
	log logx.Logger

	mu    sync.Mutex
	chats map[string]int64 // userID -> chat
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrNoToken
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, cfg: cfg, log: log, chats: map[string]int64{}}, nil
}

// SetChat binds a user to a chat. Safe to call on config reload.
func (t *Telegram) SetChat(userID string, chatID int64) {
	t.mu.Lock()
	if chatID == 0 {
		delete(t.chats, userID)
	} else {
		t.chats[userID] = chatID
	}
	t.mu.Unlock()
}

func (t *Telegram) chatFor(userID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.chats[userID]; ok {
		return id
	}
	return t.cfg.DefaultChatID
}

func (t *Telegram) Send(ctx context.Context, userID string, msg Message) (Result, error) {
	chatID := t.chatFor(userID)
	if chatID == 0 {
		return Result{Skipped: "no telegram chat configured"}, nil
	}

	text := msg.Body
	if msg.Title != "" {
		text = "*" + msg.Title + "*\n" + msg.Body
	}
	if msg.Critical {
		text = "⚠️ " + text
	}

	// Bound the send; a hung transport must not hang a coordination cycle.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), text, tele.ModeMarkdown)
		done <- err
	}()

	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timeout.C:
		return Result{}, ErrSendTimeout
	case err := <-done:
		if err != nil {
			return Result{}, err
		}
		return Result{Sent: true}, nil
	}
}
