package progress

import (
	"context"
	"strings"
	"testing"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	t.Parallel()
	h := NewHub()

	ch, unsub := h.Subscribe(8)
	defer unsub()
	e := recv(t, ch)
	if e.Kind != KindStatus || e.State != string(session.StateNotConnected) {
		t.Fatalf("replay = %+v, want NOT_CONNECTED status", e)
	}
}

func TestSubscribeReplaysPendingQR(t *testing.T) {
	t.Parallel()
	h := NewHub()
	h.QR("data:image/png;base64,xyz")

	ch, unsub := h.Subscribe(8)
	defer unsub()

	e := recv(t, ch)
	if e.Kind != KindStatus || e.State != string(session.StateWaitingForQR) {
		t.Fatalf("first replay = %+v", e)
	}
	e = recv(t, ch)
	if e.Kind != KindQR || e.QR != "data:image/png;base64,xyz" {
		t.Fatalf("second replay = %+v", e)
	}

	// Connecting clears the pending QR; a later joiner only gets the status.
	h.Status(session.StateConnected)
	ch2, unsub2 := h.Subscribe(8)
	defer unsub2()
	e = recv(t, ch2)
	if e.Kind != KindStatus || e.State != string(session.StateConnected) {
		t.Fatalf("replay after connect = %+v", e)
	}
	select {
	case e := <-ch2:
		t.Fatalf("unexpected extra replay %+v", e)
	default:
	}
}

func TestLogAndFinishedReachSubscribers(t *testing.T) {
	t.Parallel()
	h := NewHub()
	ch, unsub := h.Subscribe(8)
	defer unsub()
	recv(t, ch) // replay

	h.Logf("batch %d of %d", 1, 3)
	e := recv(t, ch)
	if e.Kind != KindLog || e.Text != "batch 1 of 3" {
		t.Fatalf("log event = %+v", e)
	}

	h.Finished("L123")
	e = recv(t, ch)
	if e.Kind != KindFinished || e.CampaignID != "L123" {
		t.Fatalf("finished event = %+v", e)
	}
}

func TestUnsubscribeIsSilent(t *testing.T) {
	t.Parallel()
	h := NewHub()
	ch, unsub := h.Subscribe(8)
	unsub()
	unsub() // idempotent
	h.Logf("after detach")
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestForwardTranslatesSignals(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	h := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Forward(ctx, bus, h, logx.Nop()) }()

	ch, unsub := h.Subscribe(16)
	defer unsub()
	recv(t, ch) // replay

	// Give the forwarder a moment to attach to the bus before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.SignalQR, Data: "qr-raw-payload"})
	e := recv(t, ch)
	if e.Kind != KindStatus || e.State != string(session.StateWaitingForQR) {
		t.Fatalf("status event = %+v", e)
	}
	e = recv(t, ch)
	if e.Kind != KindQR || !strings.HasPrefix(e.QR, "data:image/png;base64,") {
		t.Fatalf("qr event = %+v", e)
	}

	bus.Publish(eventbus.Event{Type: eventbus.SignalReady})
	e = recv(t, ch)
	if e.Kind != KindStatus || e.State != string(session.StateConnected) {
		t.Fatalf("ready -> %+v", e)
	}

	bus.Publish(eventbus.Event{Type: eventbus.SignalDisconnected})
	e = recv(t, ch)
	if e.Kind != KindStatus || e.State != string(session.StateNotConnected) {
		t.Fatalf("disconnected -> %+v", e)
	}
}
