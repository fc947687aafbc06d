// Package api exposes the consensus engine over HTTP: job submission,
// status, vote intake, operator overrides, metrics and a live event
// stream.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"VeriMesh/internal/admin"
	"VeriMesh/internal/audit"
	"VeriMesh/internal/job"
	"VeriMesh/internal/jobstore"
	"VeriMesh/internal/logger"
	"VeriMesh/internal/report"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB
)

// VoteAcceptor merges externally submitted votes into jobs.
type VoteAcceptor interface {
	SubmitVote(jobID string, vote job.Vote) (*job.Job, error)
}

// Overrider performs operator overrides.
type Overrider interface {
	Cancel(jobID, actor, reason string) (*job.Job, error)
	ForceFinalize(jobID, actor string) (*job.Job, error)
}

// SolicitStarter launches vote solicitation for a job.
type SolicitStarter interface {
	Solicit(ctx context.Context, j *job.Job)
}

// MetricsProvider exposes engine metrics for monitoring.
type MetricsProvider interface {
	Metrics() (*report.Metrics, error)
}

// Server is the HTTP API server.
type Server struct {
	addr      string          // addr is the HTTP listen address
	store     *jobstore.Store // store holds the durable job records
	votes     VoteAcceptor    // votes merges submitted votes
	overrides Overrider       // overrides performs operator actions
	solicitor SolicitStarter  // solicitor starts vote collection for new jobs
	metrics   MetricsProvider // metrics provides engine state for monitoring
	feed      *report.Feed    // feed backs the live event stream
	sink      audit.Sink      // sink receives job creation audit events
	server    *http.Server    // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, store *jobstore.Store, votes VoteAcceptor, overrides Overrider,
	solicitor SolicitStarter, metrics MetricsProvider, feed *report.Feed, sink audit.Sink) *Server {
	return &Server{
		addr:      addr,
		store:     store,
		votes:     votes,
		overrides: overrides,
		solicitor: solicitor,
		metrics:   metrics,
		feed:      feed,
		sink:      sink,
	}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/votes", s.handleSubmitVote)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /jobs/{id}/finalize", s.handleForceFinalize)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams indefinitely.
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// createJobRequest is the POST /jobs body.
type createJobRequest struct {
	BundleRef    string   `json:"bundle_ref"`
	QuorumK      int      `json:"quorum_k"`
	QuorumN      int      `json:"quorum_n"`
	Participants []string `json:"participants"`
}

// handleCreateJob handles POST /jobs requests.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.BundleRef == "" {
		writeError(w, http.StatusBadRequest, "missing bundle_ref")
		return
	}

	jobID := uuid.NewString()

	j, err := s.store.Create(jobID, req.BundleRef, req.QuorumK, req.QuorumN, req.Participants)
	if err != nil {
		writeError(w, createErrorStatus(err), fmt.Sprintf("create job: %v", err))
		return
	}

	if err := s.sink.Append(jobID, audit.EventCreated, map[string]any{
		"bundle_ref": req.BundleRef,
		"quorum_k":   req.QuorumK,
		"quorum_n":   req.QuorumN,
	}); err != nil {
		logger.Error("audit job creation", "job", jobID, "error", err)
	}

	s.feed.Publish(j)

	if s.solicitor != nil {
		s.solicitor.Solicit(context.Background(), j)
	}

	logger.Info("job created", "job", jobID, "bundle", req.BundleRef, "quorum_k", req.QuorumK)

	writeJSON(w, http.StatusCreated, j)
}

// handleListJobs handles GET /jobs requests.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

// handleGetJob handles GET /jobs/{id} requests.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.Load(r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// voteRequest is the POST /jobs/{id}/votes body.
type voteRequest struct {
	ParticipantID string `json:"participant_id"`
	Affirmative   bool   `json:"affirmative"`
	Signature     string `json:"signature,omitempty"` // hex-encoded BLS signature
}

// handleSubmitVote handles POST /jobs/{id}/votes requests.
// Votes can arrive here spontaneously, outside any solicitation cycle.
func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "missing participant_id")
		return
	}

	var sig []byte
	if req.Signature != "" {
		var err error
		sig, err = hex.DecodeString(req.Signature)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed signature hex")
			return
		}
	}

	j, err := s.votes.SubmitVote(r.PathValue("id"), job.Vote{
		ParticipantID: req.ParticipantID,
		Affirmative:   req.Affirmative,
		Signature:     sig,
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// overrideRequest is the body of the operator override endpoints.
type overrideRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// handleCancel handles POST /jobs/{id}/cancel requests.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "missing actor")
		return
	}

	j, err := s.overrides.Cancel(r.PathValue("id"), req.Actor, req.Reason)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// handleForceFinalize handles POST /jobs/{id}/finalize requests.
func (s *Server) handleForceFinalize(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "missing actor")
		return
	}

	j, err := s.overrides.ForceFinalize(r.PathValue("id"), req.Actor)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// handleMetrics handles GET /metrics requests.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not available")
		return
	}

	m, err := s.metrics.Metrics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// handleEvents handles GET /events requests: a server-sent-events stream
// of job-state snapshots, one per transition.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.feed.Subscribe()
	defer s.feed.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case snap, open := <-sub:
			if !open {
				return
			}

			data, err := json.Marshal(snap)
			if err != nil {
				logger.Error("marshal event snapshot", "error", err)
				continue
			}

			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// decodeBody parses a size-limited JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read body")
	}

	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed json: %v", err)
	}

	return nil
}

// createErrorStatus maps job creation failures: an ID collision is a
// conflict, a failed durable write is server-side, anything else is a
// validation error in the request.
func createErrorStatus(err error) int {
	var dErr *job.DurabilityError

	switch {
	case errors.Is(err, job.ErrDuplicateJob):
		return http.StatusConflict
	case errors.As(err, &dErr):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrJobNotRunning),
		errors.Is(err, job.ErrQuorumNotMet),
		errors.Is(err, job.ErrDuplicateParticipant),
		errors.Is(err, job.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, job.ErrUnknownParticipant),
		errors.Is(err, job.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, admin.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
