package publisher

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postpilot/internal/automation"
	logx "postpilot/pkg/logx"
)

// TelegramConfig configures the Telegram publisher.
type TelegramConfig struct {
	Token      string
	RatePerSec int // messages per second across all destinations (default 1)
}

// Telegram publishes posts through the Telegram Bot API.
//
// Destinations are either numeric chat ids ("-1001234567890") or public
// usernames ("@mychannel"). Username lookups are cached for the lifetime of
// the publisher.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	chatMu sync.Mutex
	chats  map[string]*tele.Chat

	probeMu  sync.Mutex
	probeAt  time.Time
	probeOK  bool
	probeTTL time.Duration
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	// No poller: this bot only sends. NewBot still performs a getMe probe, so
	// a bad token fails fast here instead of on the first run.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}

	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}

	return &Telegram{
		cfg:      cfg,
		log:      log,
		bot:      b,
		limiter:  rate.NewLimiter(rate.Limit(perSec), 1),
		chats:    map[string]*tele.Chat{},
		probeTTL: 30 * time.Second,
	}, nil
}

func (t *Telegram) IsLoggedIn() bool {
	return t != nil && t.bot != nil && t.bot.Me != nil
}

// IsSessionValid probes getMe, caching the result briefly so back-to-back
// runs do not hammer the API.
func (t *Telegram) IsSessionValid(ctx context.Context) bool {
	if !t.IsLoggedIn() {
		return false
	}

	t.probeMu.Lock()
	defer t.probeMu.Unlock()
	if time.Since(t.probeAt) < t.probeTTL {
		return t.probeOK
	}

	_, err := t.bot.Raw("getMe", nil)
	t.probeAt = time.Now()
	t.probeOK = err == nil
	if err != nil {
		t.log.Warn("telegram session probe failed", logx.Err(err))
	}
	return t.probeOK
}

func (t *Telegram) Publish(ctx context.Context, destination string, tpl automation.Template) error {
	if !t.IsLoggedIn() {
		return errors.New("telegram publisher is not logged in")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	to, err := t.resolve(destination)
	if err != nil {
		return err
	}

	if len(tpl.Images) > 0 {
		// First image carries the caption; extras follow bare.
		photo := &tele.Photo{File: fileFrom(tpl.Images[0]), Caption: tpl.Content}
		if _, err := t.bot.Send(to, photo); err != nil {
			return err
		}
		for _, img := range tpl.Images[1:] {
			if err := t.limiter.Wait(ctx); err != nil {
				return err
			}
			if _, err := t.bot.Send(to, &tele.Photo{File: fileFrom(img)}); err != nil {
				return err
			}
		}
		return nil
	}

	_, err = t.bot.Send(to, tpl.Content)
	return err
}

func (t *Telegram) resolve(destination string) (tele.Recipient, error) {
	dest := strings.TrimSpace(destination)
	if dest == "" {
		return nil, errors.New("empty destination")
	}
	if id, err := strconv.ParseInt(dest, 10, 64); err == nil {
		return tele.ChatID(id), nil
	}

	if !strings.HasPrefix(dest, "@") {
		dest = "@" + dest
	}

	t.chatMu.Lock()
	chat, ok := t.chats[dest]
	t.chatMu.Unlock()
	if ok {
		return chat, nil
	}

	chat, err := t.bot.ChatByUsername(dest)
	if err != nil {
		return nil, err
	}
	t.chatMu.Lock()
	t.chats[dest] = chat
	t.chatMu.Unlock()
	return chat, nil
}

func fileFrom(ref string) tele.File {
	if strings.Contains(ref, "://") {
		return tele.FromURL(ref)
	}
	return tele.FromDisk(ref)
}
