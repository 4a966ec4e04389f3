package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/chainlog/internal/engine"
	"github.com/roach88/chainlog/internal/ir"
	"github.com/roach88/chainlog/internal/store"
	"github.com/roach88/chainlog/internal/stream"
)

// DefaultMaxBodySize bounds a submit request body.
const DefaultMaxBodySize = 8 << 20

// DefaultMaxRange caps the entries returned by one /transactions call.
const DefaultMaxRange = 1000

// Committer commits serialized mutations. Implemented by *engine.Engine.
type Committer interface {
	Commit(ctx context.Context, raw []byte, metadata []byte) (*engine.CommitResult, error)
}

// Reader is the read side of the store. Implemented by *store.Store.
type Reader interface {
	GetRecord(ctx context.Context, key []byte) (ir.Record, error)
	ListRecords(ctx context.Context, prefix []byte, limit int) ([]ir.Record, error)
	ReadTransaction(ctx context.Context, seq int64) (ir.CommittedTransaction, error)
	ReadTransactionByHash(ctx context.Context, hash ir.Hash) (ir.CommittedTransaction, error)
	ReadRange(ctx context.Context, from, to int64) ([]ir.CommittedTransaction, error)
	Head(ctx context.Context) (int64, ir.Hash, error)
}

// Server is the HTTP adapter. It implements http.Handler.
type Server struct {
	committer   Committer
	reader      Reader
	hub         *stream.Hub
	maxBodySize int64
	maxRange    int64
	upgrader    websocket.Upgrader
	router      chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithStream mounts /stream backed by hub.
func WithStream(hub *stream.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithMaxRange caps the number of entries one range read returns.
func WithMaxRange(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRange = n
		}
	}
}

// New builds the router.
func New(c Committer, r Reader, opts ...Option) *Server {
	s := &Server{
		committer:   c,
		reader:      r,
		maxBodySize: DefaultMaxBodySize,
		maxRange:    DefaultMaxRange,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	router := chi.NewRouter()
	router.Use(requestID, middleware.Recoverer, allowAnyOrigin)

	router.Get("/health", s.health)
	router.Post("/submit", s.submit)
	router.Get("/record", s.getRecord)
	router.Get("/records", s.listRecords)
	router.Route("/transactions", func(r chi.Router) {
		r.Get("/", s.readRange)
		r.Get("/{seq}", s.readTransaction)
		r.Get("/hash/{hash}", s.readTransactionByHash)
	})
	if s.hub != nil {
		router.Get("/stream", s.stream)
	}

	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	head, chain, err := s.reader.Head(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, headJSON{Status: "ok", Head: head, ChainHash: chain.Hex()})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(engine.ErrCodeMalformed), fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Mutation) == 0 {
		writeError(w, http.StatusBadRequest, string(engine.ErrCodeMalformed), "mutation is required")
		return
	}

	res, err := s.committer.Commit(r.Context(), req.Mutation, req.Metadata)
	if err != nil {
		writeCommitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		TransactionHash: res.Entry.Hash.Hex(),
		MutationHash:    res.Entry.MutationHash.Hex(),
		Seq:             res.Entry.Seq,
	})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	key, ok := queryBytes(w, r, "key", true)
	if !ok {
		return
	}
	rec, err := s.reader.GetRecord(r.Context(), key)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(rec))
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	prefix, ok := queryBytes(w, r, "prefix", false)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	recs, err := s.reader.ListRecords(r.Context(), prefix, int(limit))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	out := make([]recordJSON, len(recs))
	for i, rec := range recs {
		out[i] = toRecordJSON(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// readRange serves [from, to). A missing to reads through the head,
// subject to the range cap.
func (s *Server) readRange(w http.ResponseWriter, r *http.Request) {
	from, ok := queryInt(w, r, "from", 0)
	if !ok {
		return
	}
	to, ok := queryInt(w, r, "to", -1)
	if !ok {
		return
	}
	if from < 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "from must not be negative")
		return
	}
	if to < 0 || to-from > s.maxRange {
		to = from + s.maxRange
	}

	entries, err := s.reader.ReadRange(r.Context(), from, to)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	out := make([]transactionJSON, len(entries))
	for i, e := range entries {
		out[i] = toTransactionJSON(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) readTransaction(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq < 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "seq must be a non-negative integer")
		return
	}
	entry, err := s.reader.ReadTransaction(r.Context(), seq)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionJSON(entry))
}

func (s *Server) readTransactionByHash(w http.ResponseWriter, r *http.Request) {
	hash, err := ir.ParseHash(chi.URLParam(r, "hash"))
	if err != nil || hash.IsSentinel() {
		writeError(w, http.StatusBadRequest, codeBadRequest, "hash must be 64 hex characters")
		return
	}
	entry, err := s.reader.ReadTransactionByHash(r.Context(), hash)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionJSON(entry))
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	slog.Error("store read failed",
		"request_id", requestIDFrom(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	writeError(w, http.StatusServiceUnavailable, string(engine.ErrCodeStoreUnavailable), err.Error())
}

func queryBytes(w http.ResponseWriter, r *http.Request, name string, required bool) ([]byte, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" && required {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("%s is required", name))
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("%s must be base64: %v", name, err))
		return nil, false
	}
	return b, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("%s must be an integer", name))
		return 0, false
	}
	return n, true
}

type ctxKey struct{}

// requestID tags each request with a UUIDv7, echoed in X-Request-Id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.Must(uuid.NewV7()).String()
		w.Header().Set("X-Request-Id", id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		slog.Debug("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
