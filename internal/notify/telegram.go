// Package notify pushes campaign completion reports to an operator chat on
// Telegram. Entirely optional; without a token the rest of the service runs
// unchanged.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	logx "wablast/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
}

// sender is the slice of the Telegram client the notifier uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Notifier struct {
	bot    sender
	chatID int64
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Notifier{bot: b, chatID: cfg.ChatID, log: log}, nil
}

// Run consumes campaign completion signals until the context is cancelled.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(8)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, open := <-events:
			if !open {
				return nil
			}
			if e.Type != eventbus.SignalCampaignFinished {
				continue
			}
			sum, ok := e.Data.(dispatch.Summary)
			if !ok {
				continue
			}
			n.report(sum)
		}
	}
}

func (n *Notifier) report(sum dispatch.Summary) {
	if _, err := n.bot.Send(&tele.Chat{ID: n.chatID}, formatSummary(sum)); err != nil {
		n.log.Warn("completion report failed",
			logx.String("campaign", sum.CampaignID),
			logx.Err(err))
		return
	}
	n.log.Debug("completion report sent", logx.String("campaign", sum.CampaignID))
}

func formatSummary(sum dispatch.Summary) string {
	var b strings.Builder
	if sum.Cancelled {
		fmt.Fprintf(&b, "Campaign %s cancelled.\n", sum.CampaignID)
	} else {
		fmt.Fprintf(&b, "Campaign %s completed.\n", sum.CampaignID)
	}
	fmt.Fprintf(&b, "Sent: %d\nFailed: %d", len(sum.Successes), len(sum.Failures))
	if len(sum.Failures) > 0 {
		const maxShown = 20
		shown := sum.Failures
		if len(shown) > maxShown {
			shown = shown[:maxShown]
		}
		fmt.Fprintf(&b, "\nFailed recipients:\n%s", strings.Join(shown, "\n"))
		if rest := len(sum.Failures) - maxShown; rest > 0 {
			fmt.Fprintf(&b, "\n(and %d more)", rest)
		}
	}
	return b.String()
}
