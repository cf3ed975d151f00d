// Package telegram implements the message-delivery capability for Telegram
// chats and channels via telebot.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/ienone/VaultStream-sub003/internal/capability"
)

// Platform is the target_platform value this adapter serves.
const Platform = "telegram"

// Config for the adapter.
type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendsPerSec smooths this process's sends below Telegram's global
	// bot limit. Zero disables local smoothing.
	SendsPerSec float64
}

// Adapter sends rendered payloads to Telegram chats.
type Adapter struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New builds the adapter and verifies the token against the API.
func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
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
	var limiter *rate.Limiter
	if cfg.SendsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSec), 1)
	}
	return &Adapter{
		bot:     b,
		limiter: limiter,
		log:     log.With().Str("component", "telegram").Logger(),
	}, nil
}

// Deliver implements capability.Deliverer. The target id is the numeric chat
// or channel id. Exactly one API send happens per call.
func (a *Adapter) Deliver(ctx context.Context, p capability.Payload, t capability.Target) (string, error) {
	chatID, err := strconv.ParseInt(t.ID, 10, 64)
	if err != nil {
		return "", capability.Permanentf("invalid telegram chat id %q", t.ID)
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", capability.WrapRetryable("send smoothing interrupted", err)
		}
	}

	recipient := tele.ChatID(chatID)
	var msg *tele.Message
	if len(p.MediaURLs) > 0 {
		photo := &tele.Photo{File: tele.FromURL(p.MediaURLs[0]), Caption: p.Text}
		msg, err = a.bot.Send(recipient, photo)
	} else {
		msg, err = a.bot.Send(recipient, p.Text, tele.NoPreview)
	}
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(msg.ID), nil
}

// classify maps telebot errors onto the pipeline's failure taxonomy: flood
// control and transport problems retry, bad chats and revoked access do not.
func classify(err error) error {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return capability.WrapRetryable("telegram flood control", err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 {
			return capability.WrapPermanent("telegram rejected message", err)
		}
		return capability.WrapRetryable("telegram api error", err)
	}
	return capability.WrapRetryable("telegram send failed", err)
}

var _ capability.Deliverer = (*Adapter)(nil)
