// Package server is the HTTP front-end: it authenticates callers with
// bearer tokens and translates requests into resolver calls. It owns
// everything about the wire - routing, status codes, JSON shapes - and
// nothing about evaluation.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/driftlab/driftd"
)

// Server serves a resolver over HTTP.
type Server struct {
	resolver *driftd.Resolver
	auth     *authenticator
	logger   *slog.Logger
}

// New creates a server. An empty token list disables authentication.
func New(resolver *driftd.Resolver, tokens []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		resolver: resolver,
		auth:     newAuthenticator(tokens),
		logger:   logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.Handle("GET /v1/features", s.auth.require(http.HandlerFunc(s.handleListFeatures)))
	mux.Handle("GET /v1/features/{id}", s.auth.require(http.HandlerFunc(s.handlePeekRecord)))
	mux.Handle("POST /v1/features/{id}/resolve", s.auth.require(http.HandlerFunc(s.handleResolve)))
	mux.Handle("POST /v1/features/{id}/expire", s.auth.require(http.HandlerFunc(s.handleExpire)))
	mux.Handle("GET /v1/records/recent", s.auth.require(http.HandlerFunc(s.handleRecent)))
	return mux
}

// ListenAndServe runs the server until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.logger.Info("listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "features": s.resolver.Graph().Len()})
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	graph := s.resolver.Graph()
	features := make([]map[string]any, 0, graph.Len())
	for _, id := range graph.IDs() {
		f, _ := graph.Feature(id)
		entry := map[string]any{
			"id":      f.ID(),
			"parents": f.Parents(),
		}
		hooks := f.Hooks()
		if hooks.Pre != "" || hooks.Expiration != "" || hooks.Post != "" {
			entry["hooks"] = map[string]string{
				"pre":        hooks.Pre,
				"expiration": hooks.Expiration,
				"post":       hooks.Post,
			}
		}
		if rec, ok, err := s.resolver.Store().Get(r.Context(), id); err == nil && ok {
			entry["computed_at"] = rec.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		features = append(features, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": features})
}

func (s *Server) handlePeekRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.resolver.Graph().Feature(id); !ok {
		writeError(w, http.StatusNotFound, "unknown_feature", "no feature named "+id)
		return
	}
	rec, ok, err := s.resolver.Store().Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "record_absent", "feature "+id+" has never been computed")
		return
	}
	writeJSON(w, http.StatusOK, recordJSON(rec))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.resolver.Resolve(r.Context(), id)
	if err != nil {
		s.writeResolveError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, recordJSON(rec))
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.resolver.Expire(id); err != nil {
		s.writeResolveError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "expired": true})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.resolver.Store().Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

// writeResolveError maps resolver error kinds onto status codes.
func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, id string, err error) {
	var re *driftd.ResolveError
	if !errors.As(err, &re) {
		s.logger.Error("resolve failed", "feature", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.logger.Warn("resolve failed", "feature", id, "kind", string(re.Kind), "error", err)
	switch re.Kind {
	case driftd.ResolveUnknownFeature:
		writeError(w, http.StatusNotFound, string(re.Kind), err.Error())
	case driftd.ResolveComputeFailure:
		writeError(w, http.StatusBadGateway, string(re.Kind), err.Error())
	case driftd.ResolveHookAbort:
		writeError(w, http.StatusConflict, string(re.Kind), err.Error())
	default:
		writeError(w, http.StatusInternalServerError, string(re.Kind), err.Error())
	}
}

func recordJSON(rec *driftd.Record) map[string]any {
	out := map[string]any{
		"id":        rec.ID,
		"payload":   rec.Payload,
		"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"seq":       rec.Seq,
	}
	if len(rec.Meta) > 0 {
		out["meta"] = rec.Meta
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(oj.JSON(v, &oj.Options{Sort: true})))
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]any{"error": kind, "detail": detail})
}
