package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	logx "wablast/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.texts = append(f.texts, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func TestRunReportsCompletions(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	fs := &fakeSender{}
	n := &Notifier{bot: fs, chatID: 42, log: logx.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx, bus)
	}()

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: "session.ready"}) // unrelated, ignored
	bus.Publish(eventbus.Event{
		Type: eventbus.SignalCampaignFinished,
		Data: dispatch.Summary{CampaignID: "L1", Successes: []string{"a", "b"}, Failures: []string{"c"}},
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	texts := fs.sent()
	if len(texts) != 1 {
		t.Fatalf("reports = %v", texts)
	}
	if !strings.Contains(texts[0], "L1") || !strings.Contains(texts[0], "Sent: 2") {
		t.Fatalf("report = %q", texts[0])
	}
}

func TestFormatSummary(t *testing.T) {
	t.Parallel()

	t.Run("completed with failures", func(t *testing.T) {
		t.Parallel()
		got := formatSummary(dispatch.Summary{
			CampaignID: "L5",
			Successes:  []string{"1", "2", "3"},
			Failures:   []string{"bad"},
		})
		for _, want := range []string{"Campaign L5 completed.", "Sent: 3", "Failed: 1", "bad"} {
			if !strings.Contains(got, want) {
				t.Fatalf("missing %q in %q", want, got)
			}
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		got := formatSummary(dispatch.Summary{CampaignID: "L6", Cancelled: true})
		if !strings.HasPrefix(got, "Campaign L6 cancelled.") {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("long failure list is truncated", func(t *testing.T) {
		t.Parallel()
		failures := make([]string, 25)
		for i := range failures {
			failures[i] = "x"
		}
		got := formatSummary(dispatch.Summary{CampaignID: "L7", Failures: failures})
		if !strings.Contains(got, "(and 5 more)") {
			t.Fatalf("got %q", got)
		}
	})
}
