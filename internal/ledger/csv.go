package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "wablast/pkg/logx"
)

// csvHeader is the fixed schema of the flat store. Insertion order is the
// only order.
var csvHeader = []string{"recipient", "timestamp", "campaignId", "outcome"}

type csvStore struct {
	log logx.Logger

	mu   sync.Mutex
	file *os.File
}

func openCSV(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./attempts.csv"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	// Initialize the header schema on first use only.
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return &csvStore{log: log, file: f}, nil
}

func (s *csvStore) Append(ctx context.Context, a Attempt) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("ledger closed")
	}
	w := csv.NewWriter(s.file)
	err := w.Write([]string{a.Recipient, a.At.Format(TimeLayout), a.CampaignID, string(a.Outcome)})
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	return err
}

func (s *csvStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
