package dispatch

import (
	"context"
	"errors"
	"strings"

	"wablast/internal/ledger"
	"wablast/internal/phone"
	"wablast/internal/session"
)

// Executor delivers to a single recipient and classifies the result. It never
// retries and has no side effects beyond the send itself; recording and
// progress emission belong to the caller.
type Executor struct {
	sess session.Session
}

func NewExecutor(sess session.Session) *Executor {
	return &Executor{sess: sess}
}

// Deliver resolves the recipient and sends the payload.
//
// Outcome taxonomy:
//   - normalized form too short            -> INVALID_FORMAT (no network)
//   - resolution error or no result       -> NOT_REGISTERED
//   - send ok                             -> SUCCESS
//   - chat-evaluation/retrieval symptom   -> EVAL_GETCHAT
//   - anything else                       -> GENERIC_FAILURE
func (e *Executor) Deliver(ctx context.Context, rec Recipient, message string, media *session.Media) ledger.Outcome {
	if !phone.Valid(rec.Normalized) {
		return ledger.OutcomeInvalidFormat
	}

	contact, err := e.sess.ResolveContact(ctx, rec.Normalized)
	if err != nil {
		// A cancelled lookup says nothing about the recipient's registration.
		if ctx.Err() != nil {
			return ledger.OutcomeGenericFailure
		}
		return ledger.OutcomeNotRegistered
	}
	if contact.IsZero() {
		return ledger.OutcomeNotRegistered
	}

	if media != nil {
		err = e.sess.SendMedia(ctx, contact, media, message)
	} else {
		err = e.sess.SendText(ctx, contact, message)
	}
	if err == nil {
		return ledger.OutcomeSuccess
	}
	return classifySendError(err)
}

// classifySendError prefers the provider's structured error kind; free-text
// errors that cross the boundary unclassified fall back to matching the
// provider's known transient symptom.
func classifySendError(err error) ledger.Outcome {
	var se *session.SendError
	if errors.As(err, &se) && se.Kind == session.ErrKindChatEval {
		return ledger.OutcomeEvalGetChat
	}
	msg := err.Error()
	if strings.Contains(msg, "Evaluation failed") || strings.Contains(msg, "getChat") {
		return ledger.OutcomeEvalGetChat
	}
	return ledger.OutcomeGenericFailure
}
