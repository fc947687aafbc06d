// Package archive is the append-only consensus archive: finalized jobs
// are retained here indefinitely, zstd-compressed, keyed by job ID.
package archive

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"VeriMesh/internal/job"
	"VeriMesh/internal/storage"
)

// archiveKeyPrefix is the storage key prefix for archived records.
var archiveKeyPrefix = []byte("a:")

// Archive stores compressed finalized job records.
type Archive struct {
	db *storage.Storage // db is the underlying Pebble storage
}

// New creates an Archive over the given storage.
func New(db *storage.Storage) *Archive {
	return &Archive{db: db}
}

// makeKey builds the storage key for an archived job ID.
func makeKey(id string) []byte {
	return append(append([]byte(nil), archiveKeyPrefix...), id...)
}

// Store archives a finalized job. Archiving a non-finalized job is a
// programming error and is rejected. Re-archiving the same job is a
// no-op: the first record wins, the archive is append-only.
func (a *Archive) Store(j *job.Job) error {
	if j.Status != job.StatusFinalized {
		return fmt.Errorf("refusing to archive %s job %s", j.Status, j.ID)
	}

	key := makeKey(j.ID)

	existing, err := a.db.Get(key)
	if err != nil {
		return fmt.Errorf("check archive for %s:\n%w", j.ID, err)
	}
	if existing != nil {
		return nil
	}

	data, err := job.Encode(j)
	if err != nil {
		return err
	}

	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("compress archive record %s:\n%w", j.ID, err)
	}

	if err := a.db.SetSync(key, compressed); err != nil {
		return &job.DurabilityError{JobID: j.ID, Err: err}
	}

	return nil
}

// Load reads an archived job.
// Returns job.ErrNotFound if the ID was never archived.
func (a *Archive) Load(id string) (*job.Job, error) {
	data, err := a.db.Get(makeKey(id))
	if err != nil {
		return nil, fmt.Errorf("read archive record %s:\n%w", id, err)
	}
	if data == nil {
		return nil, job.ErrNotFound
	}

	raw, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress archive record %s:\n%w", id, err)
	}

	return job.Decode(raw)
}

// Count returns the number of archived jobs.
func (a *Archive) Count() (int, error) {
	count := 0

	err := a.db.IteratePrefix(archiveKeyPrefix, func(key, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// compress compresses data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
