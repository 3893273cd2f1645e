// Package session defines the messaging-provider session the dispatcher
// depends on but does not implement, plus an HTTP adapter for a
// whatsapp-web bridge gateway.
package session

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// State is the provider session's readiness.
type State string

const (
	StateNotConnected State = "NOT_CONNECTED"
	StateWaitingForQR State = "WAITING_FOR_QR"
	StateConnected    State = "CONNECTED"
)

// Contact is a resolved, addressable chat handle. A zero Contact means the
// identifier is not registered with the provider.
type Contact struct {
	ID string // provider-serialized chat id
}

func (c Contact) IsZero() bool { return c.ID == "" }

// Media is an image payload staged for a campaign, loaded once per run.
type Media struct {
	Data     []byte
	Filename string
	MimeType string
}

// LoadMedia reads a staged file and sniffs its content type.
func LoadMedia(path string) (*Media, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Media{
		Data:     b,
		Filename: filepath.Base(path),
		MimeType: http.DetectContentType(b),
	}, nil
}

// ErrorKind is the structured classification of a send failure. The provider
// boundary surfaces kinds instead of free text so callers don't have to
// string-match; a substring fallback still exists in the dispatcher for
// errors that cross the boundary unclassified.
type ErrorKind string

const (
	// ErrKindChatEval marks the provider's transient chat-evaluation/retrieval
	// symptom. Distinguished in the ledger for later analysis; no retry
	// treatment is attached to it.
	ErrKindChatEval ErrorKind = "chat_eval"
	ErrKindGeneric  ErrorKind = "generic"
)

// SendError is a classified failure from the provider.
type SendError struct {
	Kind ErrorKind
	Msg  string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %s", e.Kind, e.Msg)
}

// Session is the capability the dispatcher requires of the external provider.
// All sends require State() == StateConnected; the dispatcher checks before
// starting a campaign, not per send.
type Session interface {
	State() State
	ResolveContact(ctx context.Context, normalized string) (Contact, error)
	SendText(ctx context.Context, to Contact, text string) error
	SendMedia(ctx context.Context, to Contact, m *Media, caption string) error
}
