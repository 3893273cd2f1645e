// Package httpapi is the HTTP boundary: campaign submission and control,
// health, and the live progress stream.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wablast/internal/dispatch"
	"wablast/internal/progress"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

// Dispatcher is the slice of the campaign service the handlers need.
type Dispatcher interface {
	Start(recipients []string, message, mediaPath string) (*dispatch.Handle, error)
	Cancel(id string) bool
	Tally(id string) (dispatch.Tally, bool)
	Active() string
}

// Stager stages uploaded images and releases them if submission is rejected.
type Stager interface {
	Stage(filename string, r io.Reader) (string, error)
	Remove(path string) error
}

// StateReporter exposes the provider session's connection state.
type StateReporter interface {
	State() session.State
}

type Server struct {
	dispatcher Dispatcher
	uploads    Stager
	hub        *progress.Hub
	sess       StateReporter
	log        logx.Logger

	http *http.Server
}

func NewServer(addr string, d Dispatcher, up Stager, hub *progress.Hub, sess StateReporter, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		dispatcher: d,
		uploads:    up,
		hub:        hub,
		sess:       sess,
		log:        log,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/events", s.handleEvents)
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleStatus)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", logx.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
