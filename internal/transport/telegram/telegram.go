// Package telegram is the outbound chat adapter: reports and follow-ups go
// out through it. It does not poll for updates; the conversation side of the
// product lives in a separate service that shares the same database.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"sellerbot/internal/transport"
	logx "sellerbot/pkg/logx"
)

type Config struct {
	Token string
	// RatePerSec caps outgoing messages; Telegram throttles around 30/s
	// globally and far lower per chat.
	RatePerSec float64
}

type Adapter struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Adapter{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		log:     log,
	}, nil
}

const textLimit = 4000

// SendText delivers text to the target chat, splitting messages that exceed
// the Telegram limit on newline boundaries.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit)

	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if _, err := a.bot.Send(chat, chunk, sendOpt); err != nil {
			return err
		}
	}
	return nil
}

var _ transport.Messenger = (*Adapter)(nil)

// splitText chunks s at the limit, preferring newline boundaries so lists
// stay readable.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

