// CLAUDE:SUMMARY Reference stream store HTTP API — chi router over SQLite, CID assignment, signature and controller checks, fork refusal.
// Package streamstore is a small append-only stream store speaking the
// HTTP API the stream client consumes.
//
// Streams are identified by the CID of their genesis commit. Every
// commit is addressed by the CIDv1 of its envelope. Appends must name the
// current tip as prev; anything else is refused with 409 so a chain can
// never fork.
//
//	POST   /streams        {"genesis": envelope}             → {"streamId", "cid"}
//	POST   /commits        {"streamId", "commit": envelope}  → {"streamId", "cid"}
//	GET    /streams/{id}   → {"streamId", "controllers", "tip", "log", "pinned"}
//	GET    /commits/{id}   → {"streamId", "commits": [{"cid", "previous_cid", "value"}]}
//	POST   /pins/{id}      DELETE /pins/{id}
//
// Usage:
//
//	srv, err := streamstore.New(cfg, logger)
//	defer srv.Close()
//	http.ListenAndServe(cfg.Listen, srv.Handler())
package streamstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/streamreg/horosafe"
	"github.com/hazyhaar/streamreg/kit"
	"github.com/hazyhaar/streamreg/shield"
	"github.com/hazyhaar/streamreg/signer"
	"github.com/hazyhaar/streamreg/stream"
	"github.com/hazyhaar/streamreg/streamstore/internal/store"
)

// Server serves the stream store API.
type Server struct {
	store   *store.Store
	logger  *slog.Logger
	config  *Config
	limiter *shield.RateLimiter
	docs    documentCache
	done    chan struct{}
}

// New opens the SQLite database named by cfg and returns a server over it.
func New(cfg *Config, logger *slog.Logger) (*Server, error) {
	cfg.defaults()
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return newServer(s, cfg, logger), nil
}

func newServer(s *store.Store, cfg *Config, logger *slog.Logger) *Server {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{store: s, logger: logger, config: cfg, done: make(chan struct{})}
	if len(cfg.RateLimits) > 0 {
		srv.limiter = shield.NewRateLimiter(cfg.RateLimits).WithLogger(logger)
		srv.limiter.StartGC(srv.done, 5*time.Minute)
	}
	return srv
}

// Close stops background work and closes the database.
func (s *Server) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.store.Close()
}

// Handler returns the HTTP handler of the store API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", s.handleStats)

	r.Post("/streams", s.handleCreate)
	r.Get("/streams/{id}", s.handleState)
	r.Post("/commits", s.handleAppend)
	r.Get("/commits/{id}", s.handleCommits)
	r.Post("/pins/{id}", s.handlePin)
	r.Delete("/pins/{id}", s.handleUnpin)
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID != "" {
			r = r.WithContext(kit.WithRequestID(r.Context(), reqID))
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("streamstore: request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"request_id", reqID, "duration_ms", time.Since(start).Milliseconds())
	})
}

type createRequest struct {
	Genesis *stream.Envelope `json:"genesis"`
}

type appendRequest struct {
	StreamID string           `json:"streamId"`
	Commit   *stream.Envelope `json:"commit"`
}

type genesisBody struct {
	Header struct {
		Controllers []string `json:"controllers"`
	} `json:"header"`
	Data json.RawMessage `json:"data"`
}

type updateBody struct {
	ID   string          `json:"id"`
	Prev string          `json:"prev"`
	Data json.RawMessage `json:"data"`
}

type commitEntry struct {
	CID         string           `json:"cid"`
	PreviousCID string           `json:"previous_cid,omitempty"`
	Value       *stream.Envelope `json:"value"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Genesis == nil || len(req.Genesis.Payload) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("genesis envelope required"))
		return
	}

	var body genesisBody
	if err := json.Unmarshal(req.Genesis.Payload, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("genesis payload: %w", err))
		return
	}
	var data map[string]any
	if err := json.Unmarshal(body.Data, &data); err != nil || data == nil {
		writeError(w, http.StatusBadRequest, errors.New("genesis data must be a JSON object"))
		return
	}

	controllers := body.Header.Controllers
	if !s.config.SkipVerify {
		signers, err := signer.Verify(req.Genesis)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if len(controllers) == 0 {
			controllers = signers
		}
		if !anyIn(signers, controllers) {
			writeError(w, http.StatusForbidden, errors.New("genesis not signed by a controller"))
			return
		}
	}

	cid, raw, err := CommitCID(req.Genesis)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	err = s.store.CreateStream(r.Context(), cid, cid, controllers, raw)
	if errors.Is(err, store.ErrExists) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		s.logger.Error("streamstore: create stream", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.docs.put(cid, cid, body.Data)
	s.logger.Info("streamstore: stream created", "stream_id", cid, "controllers", len(controllers))
	writeJSON(w, http.StatusOK, map[string]string{"streamId": cid, "cid": cid})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := horosafe.ValidateIdentifier(req.StreamID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Commit == nil || len(req.Commit.Payload) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("commit envelope required"))
		return
	}

	var body updateBody
	if err := json.Unmarshal(req.Commit.Payload, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("commit payload: %w", err))
		return
	}
	var ops []json.RawMessage
	if err := json.Unmarshal(body.Data, &ops); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("commit data must be a JSON Patch array"))
		return
	}
	if !validCID(body.Prev) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("prev %q is not a CID", body.Prev))
		return
	}

	meta, err := s.store.GetStream(r.Context(), req.StreamID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if body.ID != meta.GenesisCID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("commit id %q does not name stream genesis", body.ID))
		return
	}

	if !s.config.SkipVerify {
		signers, err := signer.Verify(req.Commit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !anyIn(signers, meta.Controllers) {
			writeError(w, http.StatusForbidden, errors.New("commit not signed by a controller"))
			return
		}
	}

	// A commit on a stale prev is refused by the store below; only a
	// commit on the current tip is checked against the document.
	var next []byte
	if body.Prev == meta.TipCID {
		doc, err := s.documentAt(r.Context(), req.StreamID, meta.TipCID)
		if err != nil {
			s.logger.Error("streamstore: fold stream", "stream_id", req.StreamID, "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if next, err = applyCommit(doc, body.Data); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	cid, raw, err := CommitCID(req.Commit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	err = s.store.AppendCommit(r.Context(), req.StreamID, body.Prev, cid, raw)
	var stale *store.ErrStaleTip
	switch {
	case errors.As(err, &stale):
		s.logger.Warn("streamstore: fork refused",
			"stream_id", req.StreamID, "prev", stale.Prev, "tip", stale.Tip)
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.logger.Error("streamstore: append commit", "stream_id", req.StreamID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if next != nil {
		s.docs.put(req.StreamID, cid, next)
	}
	s.logger.Info("streamstore: commit appended", "stream_id", req.StreamID, "cid", cid, "ops", len(ops))
	writeJSON(w, http.StatusOK, map[string]string{"streamId": req.StreamID, "cid": cid})
}

func (s *Server) handleCommits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := horosafe.ValidateIdentifier(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	commits, err := s.store.Commits(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]commitEntry, 0, len(commits))
	for _, c := range commits {
		var env stream.Envelope
		if err := json.Unmarshal(c.Envelope, &env); err != nil {
			s.logger.Error("streamstore: corrupt envelope", "stream_id", id, "cid", c.CID, "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, commitEntry{CID: c.CID, PreviousCID: c.PrevCID, Value: &env})
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamId": id, "commits": out})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := horosafe.ValidateIdentifier(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.store.GetStream(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stream.StreamState{
		StreamID:    st.ID,
		Controllers: st.Controllers,
		Tip:         st.TipCID,
		Log:         st.Log,
		Pinned:      st.Pinned,
	})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	s.pin(w, r, true)
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	s.pin(w, r, false)
}

func (s *Server) pin(w http.ResponseWriter, r *http.Request, pinned bool) {
	id := chi.URLParam(r, "id")
	if err := horosafe.ValidateIdentifier(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	if pinned {
		err = s.store.Pin(r.Context(), id)
	} else {
		err = s.store.Unpin(r.Context(), id)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamId": id, "pinned": pinned})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func anyIn(candidates, set []string) bool {
	for _, c := range candidates {
		if slices.Contains(set, c) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
