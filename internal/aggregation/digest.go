package aggregation

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"VeriMesh/internal/job"
)

// Domain tags keep vote and verdict digests from ever colliding.
var (
	voteDigestTag    = []byte("verimesh-vote-v1")
	verdictDigestTag = []byte("verimesh-verdict-v1")
)

// VoteDigest computes the message a participant signs when voting.
// Digest = BLAKE3(tag || jobID || bundleRef || participantID || verdict).
func VoteDigest(jobID, bundleRef, participantID string, affirmative bool) [32]byte {
	h := blake3.New()
	h.Write(voteDigestTag)
	writeField(h, []byte(jobID))
	writeField(h, []byte(bundleRef))
	writeField(h, []byte(participantID))

	if affirmative {
		h.Write([]byte{0x01})
	} else {
		h.Write([]byte{0x00})
	}

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}

// VerdictDigest computes the message signed into a finalized job's
// verdict. The affirmative voter set enters in sorted order, so the
// digest depends only on which participants voted, never on arrival
// order.
func VerdictDigest(j *job.Job) [32]byte {
	h := blake3.New()
	h.Write(verdictDigestTag)
	writeField(h, []byte(j.ID))
	writeField(h, []byte(j.BundleRef))

	for _, id := range j.AffirmativeParticipants() {
		writeField(h, []byte(id))
	}

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}

// writeField writes a length-prefixed field into the hash, so adjacent
// variable-length fields cannot be confused.
func writeField(h *blake3.Hasher, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	h.Write(lenBuf[:])
	h.Write(data)
}
