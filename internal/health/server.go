// Package health serves liveness, channel status, a small control API and
// Prometheus metrics.
package health

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/emotes"
	"github.com/john/chatmux/internal/hub"
	"github.com/john/chatmux/internal/message"
)

// Hub is the part of *hub.Hub the server drives
type Hub interface {
	Statuses() []hub.ChannelStatus
	History(platform message.Platform, name string) ([]message.ChatMessage, error)
	Chunks(msg message.ChatMessage) iter.Seq[emotes.Chunk]
	Open(ctx context.Context, platform message.Platform, name string) error
	Close(platform message.Platform, name string) error
	Send(ctx context.Context, platform message.Platform, name, text string) error
	Reply(ctx context.Context, platform message.Platform, name, parentID, text string) error
	Delete(ctx context.Context, platform message.Platform, name, messageID string) error
}

type Options struct {
	Addr    string
	Hub     Hub
	Metrics http.Handler

	// Extra is merged into the /status document, e.g. recorder stats
	Extra func() map[string]any

	// RequestTimeout bounds control calls
	RequestTimeout time.Duration
	Log            logrus.FieldLogger
}

// Server provides the HTTP endpoints
type Server struct {
	server *http.Server
	opts   Options
	log    logrus.FieldLogger
}

// New creates a new server
func New(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{opts: opts, log: log}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	if s.opts.Hub != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
		mux.HandleFunc("PUT /channels/{platform}/{channel}", s.handleOpen)
		mux.HandleFunc("DELETE /channels/{platform}/{channel}", s.handleClose)
		mux.HandleFunc("GET /channels/{platform}/{channel}/messages", s.handleHistory)
		mux.HandleFunc("POST /channels/{platform}/{channel}/messages", s.handleSend)
		mux.HandleFunc("DELETE /channels/{platform}/{channel}/messages/{id}", s.handleDelete)
	}
	return mux
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.log.Infof("Health server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Infof("Shutting down health server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{"channels": s.opts.Hub.Statuses()}
	if s.opts.Extra != nil {
		for k, v := range s.opts.Extra() {
			doc[k] = v
		}
	}
	writeJSON(w, http.StatusOK, doc)
}

func target(r *http.Request) (message.Platform, string, error) {
	p := message.Platform(r.PathValue("platform"))
	if !p.Valid() {
		return "", "", errUnknownPlatform
	}
	return p, r.PathValue("channel"), nil
}

var errUnknownPlatform = errors.New("unknown platform")

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	p, ch, err := target(r)
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()
		err = s.opts.Hub.Open(ctx, p, ch)
	}
	s.reply(w, err, http.StatusNoContent)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	p, ch, err := target(r)
	if err == nil {
		err = s.opts.Hub.Close(p, ch)
	}
	s.reply(w, err, http.StatusNoContent)
}

// renderedMessage is a history entry with its emote chunks
type renderedMessage struct {
	message.ChatMessage
	Chunks []emotes.Chunk `json:"chunks"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, ch, err := target(r)
	if err != nil {
		s.reply(w, err, 0)
		return
	}
	msgs, err := s.opts.Hub.History(p, ch)
	if err != nil {
		s.reply(w, err, 0)
		return
	}
	out := make([]renderedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = renderedMessage{ChatMessage: m, Chunks: slices.Collect(s.opts.Hub.Chunks(m))}
	}
	writeJSON(w, http.StatusOK, out)
}

type sendRequest struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	p, ch, err := target(r)
	if err != nil {
		s.reply(w, err, 0)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil {
		s.reply(w, err, 0)
		return
	}
	var req sendRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	if req.ReplyTo != "" {
		err = s.opts.Hub.Reply(ctx, p, ch, req.ReplyTo, req.Text)
	} else {
		err = s.opts.Hub.Send(ctx, p, ch, req.Text)
	}
	s.reply(w, err, http.StatusAccepted)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, ch, err := target(r)
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()
		err = s.opts.Hub.Delete(ctx, p, ch, r.PathValue("id"))
	}
	s.reply(w, err, http.StatusNoContent)
}

// reply writes ok on success or the status errStatus maps err to
func (s *Server) reply(w http.ResponseWriter, err error, ok int) {
	if err == nil {
		w.WriteHeader(ok)
		return
	}
	code := errStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Warnf("control request failed: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, errUnknownPlatform), errors.Is(err, adapter.ErrMessageTooLong), errors.Is(err, adapter.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrNotOpen):
		return http.StatusNotFound
	case errors.Is(err, adapter.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, adapter.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, adapter.ErrNotReady):
		return http.StatusServiceUnavailable
	case adapter.IsConfigError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
