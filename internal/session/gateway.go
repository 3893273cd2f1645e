package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"wablast/internal/eventbus"
	logx "wablast/pkg/logx"
)

// GatewayConfig points at a whatsapp-web bridge exposing a small REST surface:
//
//	GET  /session        -> {"state": "...", "qr": "...", "auth_failed": bool}
//	GET  /contacts/{id}  -> {"id": "<serialized chat id>"} or 404
//	POST /messages       -> 204, or {"error": "...", "kind": "..."} on failure
type GatewayConfig struct {
	BaseURL      string
	Token        string
	RatePerSec   int           // ceiling on provider calls; default 5
	PollInterval time.Duration // session state poll; default 2s
}

// Gateway adapts the bridge to the Session interface and watches its
// lifecycle, republishing {qr, ready, auth_failed, disconnected} signals on
// the event bus verbatim.
type Gateway struct {
	cfg     GatewayConfig
	client  *http.Client
	limiter *rate.Limiter
	bus     eventbus.Bus
	log     logx.Logger

	state atomic.Value // State
}

func NewGateway(cfg GatewayConfig, bus eventbus.Bus, log logx.Logger) *Gateway {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		bus:     bus,
		log:     log,
	}
	g.state.Store(StateNotConnected)
	return g
}

func (g *Gateway) State() State {
	s, _ := g.state.Load().(State)
	if s == "" {
		return StateNotConnected
	}
	return s
}

type sessionStatus struct {
	State      string `json:"state"`
	QR         string `json:"qr,omitempty"`
	AuthFailed bool   `json:"auth_failed,omitempty"`
}

// Watch polls the bridge session endpoint until ctx is cancelled, diffing the
// reported state and publishing lifecycle signals on transitions. Run it
// under the supervisor.
func (g *Gateway) Watch(ctx context.Context) error {
	var (
		prev   = g.State()
		prevQR string
	)
	t := time.NewTicker(g.cfg.PollInterval)
	defer t.Stop()

	for {
		st, err := g.fetchStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed poll says nothing about the session itself. Keep the
			// last known state so a transient blip doesn't flip observers or
			// reject submissions; the bridge reports real disconnects on the
			// next successful poll.
			g.log.Warn("session status poll failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			continue
		}

		next := parseState(st.State)
		g.state.Store(next)

		if next == StateWaitingForQR && st.QR != "" && st.QR != prevQR {
			prevQR = st.QR
			g.bus.Publish(eventbus.Event{Type: eventbus.SignalQR, Data: st.QR})
		}
		if next != prev {
			switch next {
			case StateConnected:
				prevQR = ""
				g.bus.Publish(eventbus.Event{Type: eventbus.SignalReady})
			case StateNotConnected:
				prevQR = ""
				if st.AuthFailed {
					g.bus.Publish(eventbus.Event{Type: eventbus.SignalAuthFailed})
				} else {
					g.bus.Publish(eventbus.Event{Type: eventbus.SignalDisconnected})
				}
			}
			g.log.Info("session state changed",
				logx.String("from", string(prev)), logx.String("to", string(next)))
			prev = next
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (g *Gateway) fetchStatus(ctx context.Context) (sessionStatus, error) {
	var st sessionStatus
	if err := g.limiter.Wait(ctx); err != nil {
		return st, err
	}
	req, err := g.newRequest(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return st, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("session status: unexpected HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("session status: %w", err)
	}
	return st, nil
}

func (g *Gateway) ResolveContact(ctx context.Context, normalized string) (Contact, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Contact{}, err
	}
	req, err := g.newRequest(ctx, http.MethodGet, "/contacts/"+url.PathEscape(normalized), nil)
	if err != nil {
		return Contact{}, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return Contact{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var c Contact
		if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
			return Contact{}, fmt.Errorf("resolve %s: %w", normalized, err)
		}
		return c, nil
	case http.StatusNotFound:
		// Not an error: the identifier simply isn't registered.
		return Contact{}, nil
	default:
		return Contact{}, fmt.Errorf("resolve %s: unexpected HTTP %d", normalized, resp.StatusCode)
	}
}

type outboundMessage struct {
	To      string         `json:"to"`
	Text    string         `json:"text,omitempty"`
	Caption string         `json:"caption,omitempty"`
	Media   *outboundMedia `json:"media,omitempty"`
}

type outboundMedia struct {
	Data     string `json:"data"` // base64
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

func (g *Gateway) SendText(ctx context.Context, to Contact, text string) error {
	return g.postMessage(ctx, outboundMessage{To: to.ID, Text: text})
}

func (g *Gateway) SendMedia(ctx context.Context, to Contact, m *Media, caption string) error {
	if m == nil {
		return g.SendText(ctx, to, caption)
	}
	return g.postMessage(ctx, outboundMessage{
		To:      to.ID,
		Caption: caption,
		Media: &outboundMedia{
			Data:     base64.StdEncoding.EncodeToString(m.Data),
			Filename: m.Filename,
			MimeType: m.MimeType,
		},
	})
}

func (g *Gateway) postMessage(ctx context.Context, msg outboundMessage) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := g.newRequest(ctx, http.MethodPost, "/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return decodeSendError(resp)
}

// decodeSendError turns a bridge failure response into a classified SendError.
// Bridges that don't report a kind get ErrKindGeneric; the dispatcher's
// substring fallback still catches the chat-eval symptom in the message text.
func decodeSendError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
		if payload.Error == "" {
			payload.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
	}
	kind := ErrKindGeneric
	if payload.Kind == string(ErrKindChatEval) {
		kind = ErrKindChatEval
	}
	return &SendError{Kind: kind, Msg: payload.Error}
}

func (g *Gateway) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if g.cfg.BaseURL == "" {
		return nil, errors.New("gateway base url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	return req, nil
}

func parseState(s string) State {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case StateConnected:
		return StateConnected
	case StateWaitingForQR:
		return StateWaitingForQR
	default:
		return StateNotConnected
	}
}
