package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/ledger"
	"wablast/internal/phone"
	"wablast/internal/progress"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

type memStore struct {
	mu       sync.Mutex
	attempts []ledger.Attempt
	failErr  error
}

func (m *memStore) Append(_ context.Context, a ledger.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) rows(campaign string) []ledger.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Attempt
	for _, a := range m.attempts {
		if a.CampaignID == campaign {
			out = append(out, a)
		}
	}
	return out
}

type memReleaser struct {
	mu      sync.Mutex
	removed []string
}

func (m *memReleaser) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	return nil
}

type fixture struct {
	svc      *Service
	sess     *fakeSession
	store    *memStore
	releaser *memReleaser
	bus      eventbus.Bus
	hub      *progress.Hub
	sup      *supervisor.Supervisor
}

func newFixture(t *testing.T, pacing Pacing) *fixture {
	t.Helper()
	f := &fixture{
		sess:     newFakeSession(session.StateConnected),
		store:    &memStore{},
		releaser: &memReleaser{},
		bus:      eventbus.New(),
		hub:      progress.NewHub(),
		sup:      supervisor.New(context.Background()),
	}
	t.Cleanup(func() { _ = f.sup.Stop(5 * time.Second) })
	f.svc = NewService(Deps{
		Session: f.sess,
		Ledger:  f.store,
		Hub:     f.hub,
		Bus:     f.bus,
		Norm:    phone.NewNormalizer(nil),
		Media:   f.releaser,
		Sup:     f.sup,
		Log:     logx.Nop(),
	}, pacing)
	return f
}

// fastPacing keeps waits tiny but non-zero so the wait paths are exercised.
func fastPacing() Pacing {
	return Pacing{
		BatchSize:     DefaultBatchSize,
		SendDelayMin:  time.Millisecond,
		SendDelayMax:  2 * time.Millisecond,
		BatchCooldown: time.Millisecond,
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("campaign did not finish in time")
	}
}

func TestPartition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		n    int
		size int
		want []int // batch lengths
	}{
		{name: "empty", n: 0, size: 35, want: nil},
		{name: "single partial batch", n: 10, size: 35, want: []int{10}},
		{name: "exact multiple", n: 70, size: 35, want: []int{35, 35}},
		{name: "remainder batch", n: 71, size: 35, want: []int{35, 35, 1}},
		{name: "size one", n: 3, size: 1, want: []int{1, 1, 1}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := make([]string, tt.n)
			for i := range in {
				in[i] = string(rune('a' + i%26))
			}
			got := partition(in, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("batches = %d, want %d", len(got), len(tt.want))
			}
			flat := 0
			for i, b := range got {
				if len(b) != tt.want[i] {
					t.Fatalf("batch %d len = %d, want %d", i, len(b), tt.want[i])
				}
				for _, r := range b {
					if r != in[flat] {
						t.Fatalf("order broken at %d", flat)
					}
					flat++
				}
			}
		})
	}
}

func TestRunMixedOutcomes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPacing())
	f.sess.contacts["51999999999"] = "51999999999@c.us"

	finished, unsub := f.bus.Subscribe(4)
	defer unsub()

	h, err := f.svc.Start([]string{"999999999", "abc", "51999999999"}, "hola", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h)

	tally, ok := f.svc.Tally(h.ID)
	if !ok {
		t.Fatal("tally missing")
	}
	if tally.Status != StatusCompleted {
		t.Fatalf("Status = %s", tally.Status)
	}
	if tally.Succeeded != 2 || tally.Failed != 1 || tally.Done != 3 {
		t.Fatalf("tally = %+v", tally)
	}
	if len(tally.Failures) != 1 || tally.Failures[0] != "abc" {
		t.Fatalf("Failures = %v", tally.Failures)
	}

	rows := f.store.rows(h.ID)
	if len(rows) != 3 {
		t.Fatalf("ledger rows = %d, want 3", len(rows))
	}
	wantOutcomes := []ledger.Outcome{
		ledger.OutcomeSuccess,
		ledger.OutcomeInvalidFormat,
		ledger.OutcomeSuccess,
	}
	for i, want := range wantOutcomes {
		if rows[i].Outcome != want {
			t.Fatalf("row %d outcome = %s, want %s", i, rows[i].Outcome, want)
		}
	}
	// Both sends hit the same resolved contact (one bare, one prefixed input).
	if got := f.sess.sentCount(); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}

	select {
	case e := <-finished:
		sum, ok := e.Data.(Summary)
		if !ok || e.Type != eventbus.SignalCampaignFinished {
			t.Fatalf("unexpected bus event %+v", e)
		}
		if len(sum.Successes) != 2 || len(sum.Failures) != 1 || sum.Cancelled {
			t.Fatalf("summary = %+v", sum)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion signal on the bus")
	}
}

func TestSendFailuresAreRecordedAndDoNotHaltTheRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPacing())
	f.sess.contacts["51111111111"] = "a@c.us"
	f.sess.contacts["51222222222"] = "b@c.us"
	f.sess.contacts["51333333333"] = "c@c.us"
	f.sess.sendErr["a@c.us"] = &session.SendError{Kind: session.ErrKindChatEval, Msg: "flaky"}
	f.sess.sendErr["b@c.us"] = errors.New("socket hang up")

	h, err := f.svc.Start([]string{"51111111111", "51222222222", "51333333333"}, "hi", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h)

	rows := f.store.rows(h.ID)
	if len(rows) != 3 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Outcome != ledger.OutcomeEvalGetChat {
		t.Fatalf("row 0 = %s", rows[0].Outcome)
	}
	if rows[1].Outcome != ledger.OutcomeGenericFailure {
		t.Fatalf("row 1 = %s", rows[1].Outcome)
	}
	if rows[2].Outcome != ledger.OutcomeSuccess {
		t.Fatalf("row 2 = %s", rows[2].Outcome)
	}

	tally, _ := f.svc.Tally(h.ID)
	if tally.Failed != 2 || tally.Succeeded != 1 {
		t.Fatalf("tally = %+v", tally)
	}
}

func TestStartRejections(t *testing.T) {
	t.Parallel()

	t.Run("not connected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPacing())
		f.sess.state = session.StateNotConnected
		if _, err := f.svc.Start([]string{"999999999"}, "hi", ""); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v", err)
		}
		if len(f.store.attempts) != 0 {
			t.Fatal("setup rejection must not produce ledger rows")
		}
	})

	t.Run("no recipients", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPacing())
		if _, err := f.svc.Start([]string{"", "  ", "\t"}, "hi", ""); !errors.Is(err, ErrNoRecipients) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("campaign already active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPacing())
		f.sess.contacts["51999999999"] = "x@c.us"
		f.sess.block = make(chan struct{})

		h, err := f.svc.Start([]string{"999999999"}, "hi", "")
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if _, err := f.svc.Start([]string{"999999999"}, "hi", ""); !errors.Is(err, ErrCampaignActive) {
			t.Fatalf("second Start err = %v", err)
		}
		close(f.sess.block)
		waitDone(t, h)

		// Once the run terminates, a new campaign is accepted again.
		h2, err := f.svc.Start([]string{"999999999"}, "hi", "")
		if err != nil {
			t.Fatalf("Start after completion: %v", err)
		}
		waitDone(t, h2)
	})
}

func TestCancelStopsBetweenRecipients(t *testing.T) {
	t.Parallel()
	p := fastPacing()
	p.SendDelayMin = 30 * time.Second // cancel lands in the inter-send wait
	p.SendDelayMax = 30 * time.Second
	f := newFixture(t, p)
	f.sess.contacts["51111111111"] = "a@c.us"
	f.sess.contacts["51222222222"] = "b@c.us"

	h, err := f.svc.Start([]string{"51111111111", "51222222222"}, "hi", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the first attempt to land, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for f.sess.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !f.svc.Cancel(h.ID) {
		t.Fatal("Cancel returned false for a running campaign")
	}
	waitDone(t, h)

	if got := f.sess.sentCount(); got != 1 {
		t.Fatalf("sends after cancel = %d, want 1", got)
	}
	tally, _ := f.svc.Tally(h.ID)
	if tally.Status != StatusCancelled {
		t.Fatalf("Status = %s", tally.Status)
	}
	if f.svc.Cancel(h.ID) {
		t.Fatal("Cancel should report false once the run is gone")
	}
}

func TestLedgerFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPacing())
	f.store.failErr = errors.New("disk full")
	f.sess.contacts["51999999999"] = "x@c.us"

	h, err := f.svc.Start([]string{"999999999", "999999999"}, "hi", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h)

	tally, _ := f.svc.Tally(h.ID)
	if tally.Status != StatusCompleted || tally.Done != 2 {
		t.Fatalf("tally = %+v", tally)
	}
}

func TestStagedMediaReleasedExactlyOnce(t *testing.T) {
	t.Parallel()

	t.Run("after successful run", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPacing())
		f.sess.contacts["51999999999"] = "x@c.us"

		path := filepath.Join(t.TempDir(), "img.jpg")
		if err := os.WriteFile(path, []byte("jpeg-ish"), 0o644); err != nil {
			t.Fatal(err)
		}

		h, err := f.svc.Start([]string{"999999999"}, "caption", path)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitDone(t, h)

		if len(f.releaser.removed) != 1 || f.releaser.removed[0] != path {
			t.Fatalf("removed = %v", f.releaser.removed)
		}
		if len(f.sess.media) != 1 || !f.sess.media[0] {
			t.Fatal("send should have carried the image")
		}
	})

	t.Run("after image load failure run degrades to text", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPacing())
		f.sess.contacts["51999999999"] = "x@c.us"

		missing := filepath.Join(t.TempDir(), "gone.jpg")
		h, err := f.svc.Start([]string{"999999999"}, "caption", missing)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitDone(t, h)

		if len(f.releaser.removed) != 1 {
			t.Fatalf("removed = %v, want the staged path released anyway", f.releaser.removed)
		}
		if len(f.sess.media) != 1 || f.sess.media[0] {
			t.Fatal("send should have fallen back to text-only")
		}
		tally, _ := f.svc.Tally(h.ID)
		if tally.Status != StatusCompleted {
			t.Fatalf("Status = %s", tally.Status)
		}
	})
}

func TestNoCooldownAfterFinalBatch(t *testing.T) {
	t.Parallel()
	p := Pacing{
		BatchSize:     2,
		SendDelayMin:  time.Millisecond,
		SendDelayMax:  time.Millisecond,
		BatchCooldown: time.Minute, // would dominate if it fired after the last batch
	}
	f := newFixture(t, p)
	f.sess.contacts["51999999999"] = "x@c.us"

	start := time.Now()
	h, err := f.svc.Start([]string{"999999999", "999999999"}, "hi", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h)

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("single-batch campaign took %s; cooldown must not fire after the last batch", elapsed)
	}
}
