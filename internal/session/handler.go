package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"playback-coordinator/internal/sequencer"
)

// Handler exposes session HTTP endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes registers the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.DeleteSession)
		r.Get("/requests", h.DrainRequests)
		r.Post("/streams", h.AddStream)
		r.Post("/seek", h.Seek)
		r.Post("/play", h.Play)
		r.Post("/pause", h.Pause)
		r.Post("/source", h.ReplaceSource)
	})
}

// CreateSession handles POST /sessions.
// Body (optional): { "codec": "video/webm; codecs=\"vorbis,vp8\"", "duration": 2400 }.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.decodeOptions(w, r)
	if !ok {
		return
	}

	sess, err := h.svc.Create(opts)
	if err != nil {
		h.fail(w, "create session failed", "", err)
		return
	}

	h.log.Info("session created", slog.String("session_id", string(sess.ID)))
	writeJSON(w, http.StatusCreated, map[string]ID{"id": sess.ID})
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "session_id"))
	st, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.fail(w, "get session failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DeleteSession handles DELETE /sessions/{session_id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "session_id"))
	if err := h.svc.Close(id); err != nil {
		h.fail(w, "delete session failed", id, err)
		return
	}
	h.log.Info("session deleted", slog.String("session_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

// DrainRequests handles GET /sessions/{session_id}/requests.
func (h *Handler) DrainRequests(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "session_id"))
	reqs, err := h.svc.DrainRequests(r.Context(), id)
	if err != nil {
		h.fail(w, "drain requests failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// AddStream handles POST /sessions/{session_id}/streams?offset=120.
// The request body is the stream; the response is written once it ended.
func (h *Handler) AddStream(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "session_id"))
	offset, err := strconv.ParseFloat(r.URL.Query().Get("offset"), 64)
	if err != nil || math.IsNaN(offset) || math.IsInf(offset, 0) || offset < 0 {
		h.log.Debug("invalid stream offset", slog.String("offset", r.URL.Query().Get("offset")))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body := requestBody{Reader: r.Body, rc: http.NewResponseController(w)}
	res, err := h.svc.AddStream(r.Context(), id, offset, body)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound || res.State == "" {
			h.fail(w, "add stream failed", id, err)
			return
		}
		h.log.Info("stream did not complete",
			slog.String("session_id", string(id)),
			slog.Int("index", res.Index),
			slog.Float64("offset", res.Offset),
			slog.String("error", err.Error()))
		writeJSON(w, status, res)
		return
	}

	h.log.Debug("stream complete",
		slog.String("session_id", string(id)),
		slog.Int("index", res.Index),
		slog.Int64("bytes", res.Bytes))
	writeJSON(w, http.StatusOK, res)
}

// requestBody lets a stream body blocked in Read be released when its stream
// is discarded, before the handler returns.
type requestBody struct {
	io.Reader
	rc *http.ResponseController
}

func (b requestBody) Abort() error {
	return b.rc.SetReadDeadline(time.Now())
}

// Seek handles POST /sessions/{session_id}/seek.
// Body: { "time": 47.5 } or { "fraction": 500 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "session_id"))
	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid seek body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	st, err := h.svc.Seek(r.Context(), id, req)
	if err != nil {
		h.fail(w, "seek failed", id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// Play handles POST /sessions/{session_id}/play.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "session_id"))
	if err := h.svc.Play(r.Context(), id); err != nil {
		h.fail(w, "play failed", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pause handles POST /sessions/{session_id}/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "session_id"))
	if err := h.svc.Pause(r.Context(), id); err != nil {
		h.fail(w, "pause failed", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReplaceSource handles POST /sessions/{session_id}/source.
// Body (optional): same as CreateSession.
func (h *Handler) ReplaceSource(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "session_id"))
	opts, ok := h.decodeOptions(w, r)
	if !ok {
		return
	}

	gen, err := h.svc.ReplaceSource(r.Context(), id, opts)
	if err != nil {
		h.fail(w, "replace source failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"source": gen})
}

// decodeOptions reads optional session options. An empty body selects the
// defaults.
func (h *Handler) decodeOptions(w http.ResponseWriter, r *http.Request) (Options, bool) {
	var opts Options
	if r.Body == nil || r.ContentLength == 0 {
		return opts, true
	}
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		h.log.Debug("invalid session options", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return opts, false
	}
	if math.IsNaN(opts.Duration) || opts.Duration < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return opts, false
	}
	return opts, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, id ID, err error) {
	status := statusFor(err)
	attrs := []any{slog.String("error", err.Error())}
	if id != "" {
		attrs = append(attrs, slog.String("session_id", string(id)))
	}
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, attrs...)
	} else {
		h.log.Debug(msg, attrs...)
	}
	w.WriteHeader(status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrClosed):
		return http.StatusGone
	case errors.Is(err, ErrInvalidSeek):
		return http.StatusBadRequest
	case errors.Is(err, sequencer.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, sequencer.ErrChainBroken), errors.Is(err, sequencer.ErrDiscarded):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
