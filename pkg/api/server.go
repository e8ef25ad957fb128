package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/ubl/pkg/atoms"
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/merkle"
	"github.com/Mindburn-Labs/ubl/pkg/notify"
	"github.com/Mindburn-Labs/ubl/pkg/orchestrator"
	"github.com/Mindburn-Labs/ubl/pkg/store/ledger"
)

const (
	maxCommitBytes = 64 << 10
	maxAtomBytes   = 1 << 20
	maxPageSize    = 1000
)

// Server exposes commit admission and ledger reads.
type Server struct {
	orch    *orchestrator.Orchestrator
	ledger  ledger.Store
	atoms   atoms.Store
	tail    *notify.TailBus
	decoder *CommitDecoder
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewServer wires a server. atomStore and tail may be nil, which disables
// the atom and tail endpoints.
func NewServer(orch *orchestrator.Orchestrator, store ledger.Store, atomStore atoms.Store, tail *notify.TailBus) (*Server, error) {
	dec, err := NewCommitDecoder()
	if err != nil {
		return nil, err
	}
	return &Server{
		orch:    orch,
		ledger:  store,
		atoms:   atomStore,
		tail:    tail,
		decoder: dec,
		logger:  slog.Default().With("component", "api"),
	}, nil
}

// SetRateLimiter enables per-IP rate limiting on every route.
func (s *Server) SetRateLimiter(rl *RateLimiter) { s.limiter = rl }

// Handler returns the API routes wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/commits", s.handleSubmit)
	mux.HandleFunc("POST /v1/commits/validate", s.handleValidate)
	mux.HandleFunc("GET /v1/containers", s.handleContainers)
	mux.HandleFunc("GET /v1/containers/{id}/head", s.handleHead)
	mux.HandleFunc("GET /v1/containers/{id}/entries", s.handleEntries)
	mux.HandleFunc("GET /v1/containers/{id}/entries/{seq}", s.handleEntry)
	mux.HandleFunc("GET /v1/containers/{id}/proof/{seq}", s.handleProof)
	mux.HandleFunc("GET /v1/containers/{id}/tail", s.handleTail)
	mux.HandleFunc("PUT /v1/atoms", s.handlePutAtom)
	mux.HandleFunc("GET /v1/atoms/{hash}", s.handleGetAtom)
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	h = VersionNegotiation(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = Logging(s.logger)(h)
	return RequestID(h)
}

// HealthHandler serves liveness and readiness for the health port.
func (s *Server) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	return mux
}

func requestErr(format string, args ...any) error {
	return &orchestrator.RequestError{Msg: fmt.Sprintf(format, args...)}
}

func (s *Server) readCommit(w http.ResponseWriter, r *http.Request) (*contracts.Commit, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommitBytes))
	if err != nil {
		WriteBadRequest(w, r, "read body: %v", err)
		return nil, false
	}
	c, err := s.decoder.Decode(body)
	if err != nil {
		WriteErr(w, r, err)
		return nil, false
	}
	return c, true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	c, ok := s.readCommit(w, r)
	if !ok {
		return
	}
	receipt, err := s.orch.Submit(r.Context(), c)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.readCommit(w, r)
	if !ok {
		return
	}
	if err := s.orch.Validate(r.Context(), c); err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func containerParam(w http.ResponseWriter, r *http.Request) (contracts.ContainerID, bool) {
	cid, err := contracts.ParseContainerID(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, r, "container id: %v", err)
		return cid, false
	}
	return cid, true
}

func sequenceParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil || seq == 0 {
		WriteBadRequest(w, r, "sequence must be a positive integer")
		return 0, false
	}
	return seq, true
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ledger.Containers(r.Context())
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": ids})
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	cid, ok := containerParam(w, r)
	if !ok {
		return
	}
	head, err := s.orch.Head(r.Context(), cid)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	cid, ok := containerParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, r, "after must be a non-negative integer")
			return
		}
		after = n
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			WriteBadRequest(w, r, "limit must be between 1 and %d", maxPageSize)
			return
		}
		limit = n
	}

	entries, err := s.ledger.Entries(r.Context(), cid, after, limit)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	resp := map[string]any{"entries": entries}
	if len(entries) == limit {
		resp["next_after"] = entries[len(entries)-1].Sequence
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	cid, ok := containerParam(w, r)
	if !ok {
		return
	}
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}
	e, err := s.ledger.Entry(r.Context(), cid, seq)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ProofResponse is an entry's inclusion proof under the container's current
// merkle root.
type ProofResponse struct {
	ContainerID contracts.ContainerID `json:"container_id"`
	Sequence    uint64                `json:"sequence"`
	merkle.InclusionProof
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	cid, ok := containerParam(w, r)
	if !ok {
		return
	}
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}
	entries, err := s.ledger.Entries(r.Context(), cid, 0, 0)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	if seq > uint64(len(entries)) {
		WriteNotFound(w, r, fmt.Sprintf("no entry %d in container", seq))
		return
	}
	leaves := make([]contracts.Hash, len(entries))
	for i, e := range entries {
		leaves[i] = e.EntryHash
	}
	proof, err := merkle.Build(leaves).Prove(int(seq - 1)) //nolint:gosec // bounded by len(entries)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProofResponse{ContainerID: cid, Sequence: seq, InclusionProof: proof})
}

// AtomResponse is returned after storing an atom.
type AtomResponse struct {
	AtomHash contracts.Hash `json:"atom_hash"`
	Size     int            `json:"size"`
}

func (s *Server) handlePutAtom(w http.ResponseWriter, r *http.Request) {
	if s.atoms == nil {
		WriteNotFound(w, r, "atom store not configured")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAtomBytes))
	if err != nil {
		WriteBadRequest(w, r, "read body: %v", err)
		return
	}
	var claimed contracts.Hash
	if v := r.Header.Get("X-Atom-Hash"); v != "" {
		if claimed, err = contracts.ParseHash(v); err != nil {
			WriteBadRequest(w, r, "X-Atom-Hash: %v", err)
			return
		}
	}
	h, canonical, err := atoms.Ingest(r.Context(), s.atoms, raw, claimed)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AtomResponse{AtomHash: h, Size: len(canonical)})
}

func (s *Server) handleGetAtom(w http.ResponseWriter, r *http.Request) {
	if s.atoms == nil {
		WriteNotFound(w, r, "atom store not configured")
		return
	}
	h, err := contracts.ParseHash(r.PathValue("hash"))
	if err != nil {
		WriteBadRequest(w, r, "atom hash: %v", err)
		return
	}
	data, err := atoms.Fetch(r.Context(), s.atoms, h)
	if errors.Is(err, atoms.ErrHashMismatch) {
		WriteErr(w, r, fmt.Errorf("stored atom corrupt: %v", err))
		return
	}
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", `"`+h.String()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := s.ledger.Containers(ctx); err != nil {
		s.logger.WarnContext(ctx, "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
