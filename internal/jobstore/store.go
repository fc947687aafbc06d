// Package jobstore is the single source of truth for job records.
// One durable record per job, keyed by job ID, with a per-job lock
// registry that serializes every mutation (single-writer-per-job).
package jobstore

import (
	"sync"
	"time"

	"VeriMesh/internal/job"
	"VeriMesh/internal/logger"
	"VeriMesh/internal/storage"
)

// jobKeyPrefix is the storage key prefix for job records.
var jobKeyPrefix = []byte("j:")

// Store persists job records to durable storage.
type Store struct {
	db *storage.Storage // db is the underlying Pebble storage

	mu    sync.Mutex             // mu protects locks
	locks map[string]*sync.Mutex // locks holds the per-job serialization points
}

// New creates a Store over the given storage.
func New(db *storage.Storage) *Store {
	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the serialization mutex for a job, creating it if absent.
// Lock entries are kept for the process lifetime; the job population is
// bounded by what the node coordinates.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}

	return l
}

// makeKey builds the storage key for a job ID.
func makeKey(id string) []byte {
	return append(append([]byte(nil), jobKeyPrefix...), id...)
}

// Create persists a new RUNNING job record.
// Returns job.ErrDuplicateJob if the ID already exists.
func (s *Store) Create(id, bundleRef string, quorumK, quorumN int, participants []string) (*job.Job, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	existing, err := s.db.Get(makeKey(id))
	if err != nil {
		return nil, &job.DurabilityError{JobID: id, Err: err}
	}
	if existing != nil {
		return nil, job.ErrDuplicateJob
	}

	j, err := job.New(id, bundleRef, quorumK, quorumN, participants)
	if err != nil {
		return nil, err
	}

	if err := s.save(j); err != nil {
		return nil, err
	}

	return j.Clone(), nil
}

// Load reads a job record.
// Returns job.ErrNotFound if the ID is unknown.
func (s *Store) Load(id string) (*job.Job, error) {
	data, err := s.db.Get(makeKey(id))
	if err != nil {
		return nil, &job.DurabilityError{JobID: id, Err: err}
	}
	if data == nil {
		return nil, job.ErrNotFound
	}

	return job.Decode(data)
}

// Update applies fn to the job record under its serialization lock and
// durably persists the result. The job passed to fn is the freshly
// loaded record; fn mutates it in place. If fn returns an error the
// record is left untouched. The updated record is returned as a copy.
func (s *Store) Update(id string, fn func(*job.Job) error) (*job.Job, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	j, err := s.Load(id)
	if err != nil {
		return nil, err
	}

	if err := fn(j); err != nil {
		return nil, err
	}

	if err := s.save(j); err != nil {
		return nil, err
	}

	return j.Clone(), nil
}

// save writes the full record with a durability barrier and stamps
// LastUpdate. A crash immediately after save returns never loses the write.
func (s *Store) save(j *job.Job) error {
	j.LastUpdate = time.Now().UTC()

	data, err := job.Encode(j)
	if err != nil {
		return &job.DurabilityError{JobID: j.ID, Err: err}
	}

	if err := s.db.SetSync(makeKey(j.ID), data); err != nil {
		return &job.DurabilityError{JobID: j.ID, Err: err}
	}

	return nil
}

// ListRunning returns all jobs left in the RUNNING state.
// Used exclusively by the recovery coordinator at startup.
func (s *Store) ListRunning() ([]*job.Job, error) {
	return s.list(func(j *job.Job) bool {
		return j.Status == job.StatusRunning
	})
}

// ListAll returns every persisted job record.
func (s *Store) ListAll() ([]*job.Job, error) {
	return s.list(func(*job.Job) bool { return true })
}

// list scans all job records and returns those matching keep.
func (s *Store) list(keep func(*job.Job) bool) ([]*job.Job, error) {
	var jobs []*job.Job

	err := s.db.IteratePrefix(jobKeyPrefix, func(key, value []byte) error {
		j, err := job.Decode(value)
		if err != nil {
			// A corrupt record must not hide the rest; log and skip.
			logger.Error("skipping corrupt job record", "key", string(key), "error", err)
			return nil
		}

		if keep(j) {
			jobs = append(jobs, j)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// PruneCanceled deletes CANCELED jobs whose terminal transition is older
// than the grace period. RUNNING jobs are never pruned: a job that never
// reaches quorum waits for an operator indefinitely. FINALIZED jobs are
// retained (the archive holds them as well).
func (s *Store) PruneCanceled(grace time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)

	canceled, err := s.list(func(j *job.Job) bool {
		return j.Status == job.StatusCanceled && !j.CanceledAt.IsZero() && j.CanceledAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}

	pruned := 0

	for _, j := range canceled {
		l := s.lockFor(j.ID)
		l.Lock()

		if err := s.db.DeleteSync(makeKey(j.ID)); err != nil {
			l.Unlock()
			return pruned, &job.DurabilityError{JobID: j.ID, Err: err}
		}

		l.Unlock()
		pruned++

		logger.Debug("pruned canceled job", "job", j.ID, "canceled_at", j.CanceledAt)
	}

	return pruned, nil
}
