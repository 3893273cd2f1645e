package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"wablast/internal/dispatch"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

// The image upload is capped well above anything a chat provider accepts.
const maxUploadBytes = 32 << 20

type submitResponse struct {
	CampaignID string `json:"campaign_id"`
	Total      int    `json:"total"`
	Batches    int    `json:"batches"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSubmit accepts a multipart form with "message", "recipients" and an
// optional "image" part, and launches the campaign detached. The response is
// an immediate acknowledgement; progress flows over /events.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	message := r.FormValue("message")
	recipients := splitRecipients(r.FormValue("recipients"))
	if len(recipients) == 0 {
		writeError(w, http.StatusBadRequest, "no recipients")
		return
	}

	var mediaPath string
	if file, header, err := r.FormFile("image"); err == nil {
		defer file.Close()
		mediaPath, err = s.uploads.Stage(header.Filename, file)
		if err != nil {
			s.log.Error("image staging failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "could not stage image")
			return
		}
	}

	h, err := s.dispatcher.Start(recipients, message, mediaPath)
	if err != nil {
		// A staged image belongs to exactly one accepted campaign.
		if mediaPath != "" {
			if rmErr := s.uploads.Remove(mediaPath); rmErr != nil {
				s.log.Warn("staged image cleanup failed", logx.Err(rmErr))
			}
		}
		switch {
		case errors.Is(err, dispatch.ErrNotConnected):
			writeError(w, http.StatusServiceUnavailable, "session not connected")
		case errors.Is(err, dispatch.ErrNoRecipients):
			writeError(w, http.StatusBadRequest, "no recipients")
		case errors.Is(err, dispatch.ErrCampaignActive):
			writeError(w, http.StatusConflict, "another campaign is already running")
		default:
			s.log.Error("campaign submission failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}

	tally, _ := s.dispatcher.Tally(h.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{
		CampaignID: h.ID,
		Total:      tally.Total,
		Batches:    tally.Batches,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tally, ok := s.dispatcher.Tally(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown campaign")
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.dispatcher.Cancel(id) {
		writeError(w, http.StatusNotFound, "no running campaign with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "cancelling": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := session.StateNotConnected
	if s.sess != nil {
		state = s.sess.State()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"session":         state,
		"active_campaign": s.dispatcher.Active(),
	})
}

// splitRecipients accepts newline, comma or semicolon separated lists.
// Blank entries are dropped here; all other validation is per recipient
// during the run.
func splitRecipients(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := strings.TrimSpace(f); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
