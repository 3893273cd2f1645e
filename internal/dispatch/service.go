package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"

	"wablast/internal/eventbus"
	"wablast/internal/ledger"
	"wablast/internal/phone"
	"wablast/internal/progress"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

// Setup rejections, reported synchronously to the submitter. None of them
// produce ledger rows.
var (
	ErrNotConnected   = errors.New("session not connected")
	ErrNoRecipients   = errors.New("no recipients")
	ErrCampaignActive = errors.New("another campaign is already running")
)

// MediaReleaser releases a staged image after a campaign terminates.
type MediaReleaser interface {
	Remove(path string) error
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Session session.Session
	Ledger  ledger.Store
	Hub     *progress.Hub
	Bus     eventbus.Bus
	Norm    *phone.Normalizer
	Media   MediaReleaser
	Sup     *supervisor.Supervisor
	Log     logx.Logger
}

// Service accepts campaign submissions and runs them detached, one at a
// time. Two campaigns sharing one provider session would defeat the pacing,
// so submissions while one is active are rejected at the boundary.
type Service struct {
	deps Deps
	exec *Executor

	mu     sync.Mutex
	pacing Pacing

	statusMu sync.RWMutex
	status   map[string]*Tally
	handles  map[string]*Handle
	activeID string
}

func NewService(deps Deps, pacing Pacing) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Service{
		deps:    deps,
		exec:    NewExecutor(deps.Session),
		pacing:  pacing.withDefaults(),
		status:  map[string]*Tally{},
		handles: map[string]*Handle{},
	}
}

// Apply adopts new pacing for future campaigns. A running campaign keeps the
// snapshot it started with.
func (s *Service) Apply(p Pacing) {
	s.mu.Lock()
	s.pacing = p.withDefaults()
	s.mu.Unlock()
}

// Handle is returned to the submitter immediately; the campaign itself runs
// detached. Cancel is best-effort and takes effect between recipients.
type Handle struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Cancel()               { h.cancel() }
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start validates the submission and launches the campaign.
//
// Blank recipients are dropped; order is otherwise preserved. The returned
// error is one of the setup rejections above, or nil with an immediately
// usable handle.
func (s *Service) Start(recipients []string, message, mediaPath string) (*Handle, error) {
	cleaned := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if t := strings.TrimSpace(r); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoRecipients
	}
	if s.deps.Session.State() != session.StateConnected {
		return nil, ErrNotConnected
	}

	s.mu.Lock()
	if s.activeID != "" {
		s.mu.Unlock()
		return nil, ErrCampaignActive
	}
	c := NewCampaign(cleaned, message, mediaPath, s.pacing)
	s.activeID = c.ID
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(s.deps.Sup.Context())
	h := &Handle{ID: c.ID, cancel: cancel, done: make(chan struct{})}

	s.statusMu.Lock()
	s.status[c.ID] = &Tally{
		ID:      c.ID,
		Status:  StatusPending,
		Total:   len(c.Recipients),
		Batches: len(partition(c.Recipients, c.Pacing.BatchSize)),
	}
	s.handles[c.ID] = h
	s.statusMu.Unlock()

	s.deps.Sup.Go("campaign:"+c.ID, func(context.Context) error {
		defer close(h.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			s.activeID = ""
			s.mu.Unlock()
			s.statusMu.Lock()
			delete(s.handles, c.ID)
			s.statusMu.Unlock()
		}()
		s.run(runCtx, c)
		return nil
	})

	return h, nil
}

// Cancel requests a best-effort stop of a running campaign.
func (s *Service) Cancel(id string) bool {
	s.statusMu.RLock()
	h := s.handles[id]
	s.statusMu.RUnlock()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// Tally returns a copy of a campaign's progress snapshot.
func (s *Service) Tally(id string) (Tally, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	t := s.status[id]
	if t == nil {
		return Tally{}, false
	}
	cp := *t
	cp.Failures = append([]string(nil), t.Failures...)
	return cp, true
}

// Active returns the running campaign's ID, or "".
func (s *Service) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Service) tallyUpdate(id string, fn func(t *Tally)) {
	s.statusMu.Lock()
	if t := s.status[id]; t != nil {
		fn(t)
	}
	s.statusMu.Unlock()
}
