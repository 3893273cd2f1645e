// Package uploads stages the single per-campaign image on disk and cleans up
// leftovers that never got released (e.g. after a crash mid-campaign).
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "wablast/pkg/logx"
)

const defaultJanitorSpec = "0 * * * *" // hourly

type Store struct {
	dir    string
	maxAge time.Duration
	log    logx.Logger
	cron   *cron.Cron
}

func NewStore(dir string, maxAge time.Duration, log logx.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "./uploads"
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dir: dir, maxAge: maxAge, log: log}, nil
}

// Stage writes the uploaded image under a unique name and returns its path.
func (s *Store) Stage(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".jpg"
	}
	name := fmt.Sprintf("img-%d%s", time.Now().UnixNano(), ext)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// Remove releases a staged image. Removing an already-released path is not an
// error; paths outside the store directory are refused.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if filepath.Dir(absPath) != absDir {
		return errors.New("refusing to remove file outside uploads dir")
	}
	if err := os.Remove(absPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// StartJanitor schedules periodic removal of stale staged files.
func (s *Store) StartJanitor(spec string) error {
	if strings.TrimSpace(spec) == "" {
		spec = defaultJanitorSpec
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, s.pruneStale); err != nil {
		return fmt.Errorf("uploads janitor spec: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Store) StopJanitor() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}

func (s *Store) pruneStale() {
	cutoff := time.Now().Add(-s.maxAge)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("uploads prune scan failed", logx.Err(err))
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.log.Info("stale uploads removed", logx.Int("count", removed))
	}
}
