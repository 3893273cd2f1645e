package dispatch

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/ledger"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

// run drives one campaign to its terminal state. Strictly serial: recipients
// are processed in submission order, within and across batches. A failure for
// one recipient never halts the run.
func (s *Service) run(ctx context.Context, c *Campaign) {
	hub := s.deps.Hub
	log := s.deps.Log.With(logx.String("campaign", c.ID))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	batches := partition(c.Recipients, c.Pacing.BatchSize)
	s.tallyUpdate(c.ID, func(t *Tally) {
		t.Status = StatusRunning
		t.StartedAt = time.Now()
	})

	hub.Logf("===== campaign %s started =====", c.ID)
	hub.Logf("%d recipients, %d batches of up to %d", len(c.Recipients), len(batches), c.Pacing.BatchSize)
	log.Info("campaign started",
		logx.Int("recipients", len(c.Recipients)),
		logx.Int("batches", len(batches)))

	// The staged image is loaded once up front. If that fails the whole run
	// degrades to text-only rather than aborting; the staged file is still
	// released exactly once when the run terminates.
	var media *session.Media
	if c.MediaPath != "" {
		m, err := session.LoadMedia(c.MediaPath)
		if err != nil {
			hub.Logf("image could not be loaded (%v); sending text only", err)
			log.Warn("image load failed", logx.Err(err))
		} else {
			media = m
			hub.Logf("image loaded (%s, %d bytes)", m.Filename, len(m.Data))
		}
		defer s.releaseMedia(c.ID, c.MediaPath)
	}

	var successes, failures []string
	cancelled := false

runLoop:
	for bi, batch := range batches {
		hub.Logf("--- batch %d of %d (%d recipients) ---", bi+1, len(batches), len(batch))

		for ri, raw := range batch {
			if ctx.Err() != nil {
				cancelled = true
				break runLoop
			}

			rec := Recipient{Raw: raw, Normalized: s.deps.Norm.Normalize(raw)}
			outcome := s.exec.Deliver(ctx, rec, c.Message, media)
			s.record(ctx, c.ID, raw, outcome)

			if outcome.Failed() {
				failures = append(failures, raw)
			} else {
				successes = append(successes, raw)
			}
			s.tallyUpdate(c.ID, func(t *Tally) {
				t.Done++
				if outcome.Failed() {
					t.Failed++
					t.Failures = append(t.Failures, raw)
				} else {
					t.Succeeded++
				}
			})
			s.announce(bi+1, ri+1, len(batch), raw, outcome)

			// Pace sends inside the batch; the last recipient of a batch
			// doesn't wait.
			if ri < len(batch)-1 {
				d := jitterDelay(rng, c.Pacing.SendDelayMin, c.Pacing.SendDelayMax)
				hub.Logf("waiting %.1fs before next send", d.Seconds())
				if !wait(ctx, d) {
					cancelled = true
					break runLoop
				}
			}
		}

		// Cooldown between batches; none after the last.
		if bi < len(batches)-1 {
			hub.Logf("batch %d done; cooling down for %s", bi+1, c.Pacing.BatchCooldown)
			if !wait(ctx, c.Pacing.BatchCooldown) {
				cancelled = true
				break runLoop
			}
		}
	}

	if cancelled {
		s.tallyUpdate(c.ID, func(t *Tally) {
			t.Status = StatusCancelled
			t.DoneAt = time.Now()
		})
		hub.Logf("campaign %s cancelled after %d of %d recipients", c.ID, len(successes)+len(failures), len(c.Recipients))
	} else {
		s.tallyUpdate(c.ID, func(t *Tally) {
			t.Status = StatusCompleted
			t.DoneAt = time.Now()
		})
		hub.Logf("===== campaign %s completed =====", c.ID)
		hub.Logf("sent: %d", len(successes))
		hub.Logf("failed: %d", len(failures))
		if len(failures) > 0 {
			hub.Logf("failed recipients:\n%s", strings.Join(failures, "\n"))
		}
	}

	summary := Summary{
		CampaignID: c.ID,
		Successes:  successes,
		Failures:   failures,
		Cancelled:  cancelled,
	}
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.SignalCampaignFinished, Data: summary})
	hub.Finished(c.ID)
	log.Info("campaign finished",
		logx.Bool("cancelled", cancelled),
		logx.Int("sent", len(successes)),
		logx.Int("failed", len(failures)))
}

// record appends to the ledger best-effort: a lost audit row is preferable to
// an aborted delivery loop.
func (s *Service) record(ctx context.Context, campaignID, raw string, outcome ledger.Outcome) {
	a := ledger.Attempt{
		Recipient:  raw,
		At:         time.Now(),
		CampaignID: campaignID,
		Outcome:    outcome,
	}
	if err := s.deps.Ledger.Append(ctx, a); err != nil {
		s.deps.Log.Warn("ledger append failed",
			logx.String("campaign", campaignID),
			logx.String("recipient", raw),
			logx.Err(err))
	}
}

func (s *Service) announce(batch, idx, batchLen int, raw string, outcome ledger.Outcome) {
	hub := s.deps.Hub
	switch outcome {
	case ledger.OutcomeSuccess:
		hub.Logf("[batch %d | %d/%d] sent to %s", batch, idx, batchLen, raw)
	case ledger.OutcomeInvalidFormat:
		hub.Logf("[batch %d | %d/%d] invalid format: %s", batch, idx, batchLen, raw)
	case ledger.OutcomeNotRegistered:
		hub.Logf("[batch %d | %d/%d] %s is not registered", batch, idx, batchLen, raw)
	default:
		hub.Logf("[batch %d | %d/%d] send to %s failed (%s)", batch, idx, batchLen, raw, outcome)
	}
}

func (s *Service) releaseMedia(campaignID, path string) {
	if s.deps.Media == nil {
		return
	}
	if err := s.deps.Media.Remove(path); err != nil {
		s.deps.Log.Warn("staged image release failed",
			logx.String("campaign", campaignID),
			logx.String("path", path),
			logx.Err(err))
		return
	}
	s.deps.Hub.Logf("staged image removed")
}

// jitterDelay draws uniformly from [min, max].
func jitterDelay(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

// wait sleeps cooperatively; false means the context was cancelled.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
