package mesh

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"VeriMesh/internal/job"
	"VeriMesh/internal/jobstore"
	"VeriMesh/internal/logger"
)

// VoteSink accepts votes obtained by solicitation.
// The vote aggregator is the production implementation.
type VoteSink interface {
	SubmitVote(jobID string, vote job.Vote) (*job.Job, error)
}

// SolicitorConfig tunes the per-participant retry policy.
type SolicitorConfig struct {
	BaseDelay      time.Duration // BaseDelay is the delay after the first failed attempt
	Multiplier     float64       // Multiplier grows the delay per attempt
	JitterMax      time.Duration // JitterMax bounds the uniform random jitter added to each delay
	MaxAttempts    int           // MaxAttempts is the attempt budget per participant
	RequestTimeout time.Duration // RequestTimeout bounds one solicitation round-trip
}

// DefaultSolicitorConfig returns the production retry policy:
// 500 ms base, 1.6x per attempt, up to 200 ms jitter, 6 attempts.
func DefaultSolicitorConfig() SolicitorConfig {
	return SolicitorConfig{
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     1.6,
		JitterMax:      200 * time.Millisecond,
		MaxAttempts:    6,
		RequestTimeout: 10 * time.Second,
	}
}

// Solicitor drives participants toward submitting a vote. Each
// participant is solicited independently with its own backoff schedule;
// retry progress is persisted so a restart resumes counters instead of
// re-zeroing them. Exhaustion stops proactive solicitation but the
// participant stays eligible to vote spontaneously, and the job stays
// RUNNING until quorum or an operator decides.
type Solicitor struct {
	store     *jobstore.Store
	sink      VoteSink
	transport Transport
	cfg       SolicitorConfig

	mu     sync.Mutex
	active map[string]context.CancelFunc // active tracks in-flight (job, participant) loops
	closed bool

	wg sync.WaitGroup
}

// NewSolicitor creates a Solicitor.
func NewSolicitor(store *jobstore.Store, sink VoteSink, transport Transport, cfg SolicitorConfig) *Solicitor {
	return &Solicitor{
		store:     store,
		sink:      sink,
		transport: transport,
		cfg:       cfg,
		active:    make(map[string]context.CancelFunc),
	}
}

// Solicit starts solicitation loops for every participant of the job
// that has not voted yet. Participants with exhausted retry state are
// skipped. Starting an already-active loop is a no-op, so calling
// Solicit again (e.g. after a resume) never duplicates work.
func (s *Solicitor) Solicit(ctx context.Context, j *job.Job) {
	if j.Status != job.StatusRunning {
		return
	}

	for _, participant := range j.Participants {
		if _, voted := j.Votes[participant]; voted {
			continue
		}

		if rs, ok := j.Retry[participant]; ok && rs.Exhausted {
			continue
		}

		s.startLoop(ctx, j.ID, participant)
	}
}

// Wait blocks until all solicitation loops have finished.
func (s *Solicitor) Wait() {
	s.wg.Wait()
}

// Close cancels every in-flight solicitation loop and waits for them to
// drain. Pending backoff sleeps and request timeouts are interrupted;
// persisted retry state keeps whatever progress was recorded, so the
// next start resumes mid-schedule. Solicit is a no-op after Close.
func (s *Solicitor) Close() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// startLoop launches the per-participant loop if not already running.
// The loop's context is canceled by either the caller's context or Close.
func (s *Solicitor) startLoop(ctx context.Context, jobID, participant string) {
	key := jobID + "/" + participant

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[key]; ok {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.active[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, key)
			s.mu.Unlock()
			cancel()
		}()

		s.solicitParticipant(loopCtx, jobID, participant)
	}()
}

// solicitParticipant runs the retry loop for one participant.
// Every iteration reloads the job: a vote that arrived spontaneously, a
// terminal transition or exhaustion recorded elsewhere all end the loop.
func (s *Solicitor) solicitParticipant(ctx context.Context, jobID, participant string) {
	for {
		j, err := s.store.Load(jobID)
		if err != nil {
			logger.Warn("solicitation load failed", "job", jobID, "error", err)
			return
		}

		if j.Status != job.StatusRunning {
			return
		}

		if _, voted := j.Votes[participant]; voted {
			return
		}

		rs := j.Retry[participant]
		if rs != nil && rs.Exhausted {
			return
		}

		if rs != nil && rs.Attempts >= s.cfg.MaxAttempts {
			// Resumed job persisted right at the budget boundary.
			s.markExhausted(jobID, participant)
			return
		}

		// Honor the persisted schedule: a resumed job continues its
		// backoff where it left off instead of hammering immediately.
		if rs != nil && !s.sleepUntil(ctx, rs.NextRetryAt) {
			return
		}

		done := s.attempt(ctx, jobID, j.BundleRef, participant)
		if done {
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// attempt performs one solicitation round-trip. It returns true when the
// loop should stop: a vote was delivered, the job went terminal, or the
// attempt budget is exhausted.
func (s *Solicitor) attempt(ctx context.Context, jobID, bundleRef, participant string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req := &SolicitRequest{JobID: jobID, BundleRef: bundleRef}

	resp, err := s.transport.Solicit(reqCtx, participant, req)
	if err != nil {
		return s.recordFailure(jobID, participant, err)
	}

	vote, failReason := parseSolicitResponse(resp, participant)
	if vote == nil {
		return s.recordFailure(jobID, participant, errors.New(failReason))
	}

	if _, err := s.sink.SubmitVote(jobID, *vote); err != nil {
		// A terminal job rejects the vote; the result is discarded and
		// the loop ends. Anything else counts as a failed attempt.
		if j, loadErr := s.store.Load(jobID); loadErr == nil && j.Status != job.StatusRunning {
			return true
		}

		return s.recordFailure(jobID, participant, err)
	}

	logger.Debug("solicited vote recorded", "job", jobID, "participant", participant)

	return true
}

// parseSolicitResponse turns a raw response into a vote, or a failure
// reason when the participant declined or the frame is malformed.
func parseSolicitResponse(data []byte, participant string) (*job.Vote, string) {
	msgType, err := MessageType(data)
	if err != nil {
		return nil, "empty response"
	}

	switch msgType {
	case msgTypeVote:
		resp, err := DecodeVoteResponse(data)
		if err != nil {
			return nil, err.Error()
		}

		return &job.Vote{
			ParticipantID: participant,
			Affirmative:   resp.Affirmative,
			Signature:     resp.Signature,
			ReceivedAt:    time.Now().UTC(),
		}, ""

	case msgTypeDecline:
		resp, err := DecodeDeclineResponse(data)
		if err != nil {
			return nil, err.Error()
		}

		return nil, declineReasonString(resp.Reason)

	default:
		return nil, "unexpected response type"
	}
}

// declineReasonString maps decline codes to recorded error strings.
func declineReasonString(reason byte) string {
	switch reason {
	case ReasonNotReady:
		return "participant not ready"
	case ReasonUnknownBundle:
		return "participant does not know bundle"
	default:
		return "participant declined"
	}
}

// recordFailure persists the failed attempt: the counter advances, the
// error is recorded and the next-eligible-retry time is scheduled. When
// the budget is spent the participant is marked exhausted. Failures
// never change the job's status. Returns true when the loop should stop.
func (s *Solicitor) recordFailure(jobID, participant string, cause error) bool {
	exhausted := false
	attempts := 0

	_, err := s.store.Update(jobID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return job.ErrJobNotRunning
		}

		rs := j.RetryFor(participant)
		rs.Attempts++
		rs.LastError = cause.Error()
		attempts = rs.Attempts

		if rs.Attempts >= s.cfg.MaxAttempts {
			rs.Exhausted = true
			rs.NextRetryAt = time.Time{}
			exhausted = true
		} else {
			rs.NextRetryAt = time.Now().UTC().Add(s.backoffDelay(rs.Attempts))
		}

		return nil
	})
	if err != nil {
		// Terminal job or a persistence failure: either way the loop
		// cannot make further progress.
		logger.Debug("stopping solicitation loop", "job", jobID, "participant", participant, "error", err)
		return true
	}

	sErr := &job.SolicitationError{ParticipantID: participant, Attempt: attempts, Err: cause}

	if exhausted {
		logger.Info("solicitation exhausted", "job", jobID, "error", sErr)
	} else {
		logger.Debug("solicitation attempt failed", "job", jobID, "error", sErr)
	}

	return exhausted
}

// markExhausted flags a participant whose persisted attempts already
// reached the budget without the exhausted flag (crash between the
// increment and the flag cannot happen in one Update, but resumed
// records from older layouts may lack it).
func (s *Solicitor) markExhausted(jobID, participant string) {
	_, err := s.store.Update(jobID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return job.ErrJobNotRunning
		}

		rs := j.RetryFor(participant)
		rs.Exhausted = true
		rs.NextRetryAt = time.Time{}

		return nil
	})
	if err != nil {
		logger.Debug("mark exhausted failed", "job", jobID, "participant", participant, "error", err)
	}
}

// backoffDelay computes the delay scheduled after the given failed
// attempt count: BaseDelay * Multiplier^(attempts-1), plus uniform
// jitter in [0, JitterMax).
func (s *Solicitor) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := time.Duration(float64(s.cfg.BaseDelay) * math.Pow(s.cfg.Multiplier, float64(attempts-1)))

	if s.cfg.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(s.cfg.JitterMax)))
	}

	return delay
}

// sleepUntil blocks until the deadline (no-op when zero or past).
// Returns false if the context was canceled first.
func (s *Solicitor) sleepUntil(ctx context.Context, deadline time.Time) bool {
	if deadline.IsZero() {
		return true
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
