// Package ledger is the append-only record of delivery attempts.
//
// Rows are never mutated or deleted. A write failure is the caller's problem
// only to the extent of logging it: losing an audit row must never abort a
// running campaign.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wablast/pkg/logx"
)

// Outcome classifies one delivery attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "SUCCESS"
	OutcomeInvalidFormat  Outcome = "INVALID_FORMAT"
	OutcomeNotRegistered  Outcome = "NOT_REGISTERED"
	OutcomeEvalGetChat    Outcome = "EVAL_GETCHAT"
	OutcomeGenericFailure Outcome = "GENERIC_FAILURE"
)

// Failed reports whether the outcome counts toward a campaign's failure list.
func (o Outcome) Failed() bool { return o != OutcomeSuccess }

// TimeLayout is the fixed sortable timestamp format used in the ledger,
// wall clock truncated to seconds.
const TimeLayout = "2006-01-02 15:04:05"

// Attempt is one outcome for one recipient in one campaign.
type Attempt struct {
	Recipient  string // raw, as submitted
	At         time.Time
	CampaignID string
	Outcome    Outcome
}

// Store is the minimal persistence API used by the dispatcher.
type Store interface {
	Append(ctx context.Context, a Attempt) error
	Close() error
}

// Config configures the ledger store.
//
// Driver values:
//   - "csv": flat append-only file with a fixed header (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "csv":
		return openCSV(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}
