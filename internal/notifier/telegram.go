package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "instabot/pkg/logx"
)

// TelegramConfig configures the Telegram sender.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration // default 10s
}

// Telegram sends alerts to one chat and optionally long-polls for owner
// commands.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	polling bool
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// Send implements Sender. telebot has no per-call context; the bot's HTTP
// client timeout bounds the call and ctx is checked before sending.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// Serve registers the owner commands and long-polls until ctx ends.
func (t *Telegram) Serve(ctx context.Context, cmds *Commands) error {
	t.mu.Lock()
	if t.polling {
		t.mu.Unlock()
		return nil
	}
	t.polling = true
	t.mu.Unlock()
	done := make(chan struct{})

	handler := func(c tele.Context) error {
		u := c.Sender()
		if u == nil {
			return nil
		}
		reply, ok := cmds.Handle(u.ID, c.Text())
		if !ok {
			t.log.Debug("ignored command from non-owner", logx.Int64("user_id", u.ID))
			return nil
		}
		return c.Send(reply)
	}
	for _, name := range []string{"/status", "/pause", "/resume"} {
		t.bot.Handle(name, handler)
	}

	go func() {
		defer close(done)
		t.log.Info("polling started")
		t.bot.Start() // blocks until Stop
	}()

	<-ctx.Done()
	// telebot Stop is expected to be fast; run it async just in case.
	go t.bot.Stop()

	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case <-done:
		t.log.Info("polling stopped")
	case <-grace.C:
		t.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}

	t.mu.Lock()
	t.polling = false
	t.mu.Unlock()
	return ctx.Err()
}
