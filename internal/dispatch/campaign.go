// Package dispatch is the batch dispatch engine: it partitions a recipient
// list into rate-limited batches, sequences sends with jittered pacing,
// classifies per-recipient outcomes, records them in the ledger and streams
// progress to observers.
package dispatch

import (
	"fmt"
	"time"
)

// Status is a campaign's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Pacing defaults match the provider-safety constants the service has always
// shipped with: batches of 35, 7-12s between sends, 15min between batches.
const (
	DefaultBatchSize     = 35
	DefaultSendDelayMin  = 7 * time.Second
	DefaultSendDelayMax  = 12 * time.Second
	DefaultBatchCooldown = 15 * time.Minute
)

// Pacing controls how a campaign is throttled. Zero fields fall back to the
// defaults above.
type Pacing struct {
	BatchSize     int
	SendDelayMin  time.Duration
	SendDelayMax  time.Duration
	BatchCooldown time.Duration
}

func (p Pacing) withDefaults() Pacing {
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.SendDelayMin <= 0 {
		p.SendDelayMin = DefaultSendDelayMin
	}
	if p.SendDelayMax <= 0 {
		p.SendDelayMax = DefaultSendDelayMax
	}
	if p.SendDelayMax < p.SendDelayMin {
		p.SendDelayMax = p.SendDelayMin
	}
	if p.BatchCooldown <= 0 {
		p.BatchCooldown = DefaultBatchCooldown
	}
	return p
}

// Campaign is one dispatch run. Immutable once started; it exists only for
// the run's duration, the ledger is its durable trace.
type Campaign struct {
	ID         string
	Recipients []string // raw, submission order
	Message    string
	MediaPath  string // staged image, "" for text-only
	Pacing     Pacing
	CreatedAt  time.Time
}

// NewCampaign snapshots the pacing and derives a time-based identifier.
func NewCampaign(recipients []string, message, mediaPath string, p Pacing) *Campaign {
	now := time.Now()
	return &Campaign{
		ID:         fmt.Sprintf("L%d", now.UnixMilli()),
		Recipients: append([]string(nil), recipients...),
		Message:    message,
		MediaPath:  mediaPath,
		Pacing:     p.withDefaults(),
		CreatedAt:  now,
	}
}

// Recipient pairs one raw input string with its normalized form.
type Recipient struct {
	Raw        string
	Normalized string
}

// Summary is the terminal report of a campaign.
type Summary struct {
	CampaignID string
	Successes  []string // raw recipients
	Failures   []string // raw recipients
	Cancelled  bool
}

// Tally is the live progress snapshot exposed to the HTTP boundary.
type Tally struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Total     int       `json:"total"`
	Batches   int       `json:"batches"`
	Done      int       `json:"done"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Failures  []string  `json:"failures,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	DoneAt    time.Time `json:"done_at,omitempty"`
}

// partition splits recipients into contiguous batches of at most size,
// preserving submission order.
func partition(recipients []string, size int) [][]string {
	if len(recipients) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(recipients)
	}
	batches := make([][]string, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, recipients[start:end])
	}
	return batches
}
