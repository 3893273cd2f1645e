// Package progress streams human-readable campaign progress to any number of
// subscribed observers.
package progress

import (
	"fmt"
	"sync"
	"time"

	"wablast/internal/session"
)

// Kind discriminates hub events. The set mirrors what web observers consume.
type Kind string

const (
	KindLog      Kind = "log"
	KindStatus   Kind = "status"
	KindQR       Kind = "qr"
	KindFinished Kind = "finished"
)

// Event is one observer-facing progress message.
type Event struct {
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	Text       string    `json:"text,omitempty"`        // log
	State      string    `json:"state,omitempty"`       // status
	QR         string    `json:"qr,omitempty"`          // PNG data URL
	CampaignID string    `json:"campaign_id,omitempty"` // finished
}

// Hub is a fanout of progress events with replay-on-subscribe: a late joiner
// immediately receives the current connection state and, while a scan is
// pending, the QR challenge. Publishing never blocks; slow observers drop.
type Hub struct {
	mu    sync.RWMutex
	subs  map[uint64]chan Event
	seq   uint64
	state session.State
	qr    string // pending QR data URL, only while WAITING_FOR_QR
}

func NewHub() *Hub {
	return &Hub{
		subs:  map[uint64]chan Event{},
		state: session.StateNotConnected,
	}
}

// Logf publishes a free-text progress line.
func (h *Hub) Logf(format string, args ...any) {
	h.broadcast(Event{Kind: KindLog, Text: fmt.Sprintf(format, args...)})
}

// Status publishes a connection-state change. Any pending QR is invalidated
// unless the new state is still waiting for a scan.
func (h *Hub) Status(st session.State) {
	h.mu.Lock()
	h.state = st
	if st != session.StateWaitingForQR {
		h.qr = ""
	}
	h.mu.Unlock()
	h.broadcast(Event{Kind: KindStatus, State: string(st)})
}

// QR publishes a pending QR challenge (rendered as a PNG data URL).
func (h *Hub) QR(dataURL string) {
	h.mu.Lock()
	h.state = session.StateWaitingForQR
	h.qr = dataURL
	h.mu.Unlock()
	h.broadcast(Event{Kind: KindStatus, State: string(session.StateWaitingForQR)})
	h.broadcast(Event{Kind: KindQR, QR: dataURL})
}

// Finished signals that a campaign reached its terminal state.
func (h *Hub) Finished(campaignID string) {
	h.broadcast(Event{Kind: KindFinished, CampaignID: campaignID})
}

// State returns the last known connection state.
func (h *Hub) State() session.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Subscribe attaches an observer. The returned channel first carries the
// replay (current status, pending QR if any), then live events. Call the
// returned func to detach; detaching is silent.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 2 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	// Replay before registration so the sync snapshot is ordered ahead of
	// any concurrent publish.
	ch <- Event{Kind: KindStatus, Time: time.Now(), State: string(h.state)}
	if h.state == session.StateWaitingForQR && h.qr != "" {
		ch <- Event{Kind: KindQR, Time: time.Now(), QR: h.qr}
	}
	h.seq++
	id := h.seq
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (h *Hub) broadcast(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.RLock()
	chs := make([]chan Event, 0, len(h.subs))
	for _, ch := range h.subs {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking; recover in case an observer unsubscribed concurrently
		// and its channel is already closed.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}
