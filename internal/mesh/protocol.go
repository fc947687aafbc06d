package mesh

import (
	"encoding/binary"
	"fmt"
)

// Message types for the solicitation protocol.
const (
	msgTypeSolicit = 0x01 // Solicit asks a participant for its vote
	msgTypeVote    = 0x02 // Vote carries the participant's signed verdict
	msgTypeDecline = 0x03 // Decline means the participant will not vote yet
)

// Decline reasons.
const (
	// ReasonNotReady means the participant has not finished examining
	// the bundle.
	ReasonNotReady = 0x01

	// ReasonUnknownBundle means the participant does not know the bundle.
	ReasonUnknownBundle = 0x02
)

// voteSignatureSize is the size of the BLS signature carried in a vote
// response (matches aggregation.BLSSignatureSize).
const voteSignatureSize = 96

// SolicitRequest asks one participant to submit its vote for a job.
type SolicitRequest struct {
	JobID     string // JobID identifies the consensus job
	BundleRef string // BundleRef references the bundle being judged
}

// EncodeSolicitRequest encodes a solicitation request to bytes.
// Format: [1B type] [2B jobID len] [jobID] [2B ref len] [ref]
func EncodeSolicitRequest(req *SolicitRequest) []byte {
	buf := make([]byte, 0, 1+2+len(req.JobID)+2+len(req.BundleRef))

	buf = append(buf, msgTypeSolicit)
	buf = appendField(buf, req.JobID)
	buf = appendField(buf, req.BundleRef)

	return buf
}

// DecodeSolicitRequest decodes a solicitation request from bytes.
func DecodeSolicitRequest(data []byte) (*SolicitRequest, error) {
	if len(data) < 1 || data[0] != msgTypeSolicit {
		return nil, fmt.Errorf("invalid solicit request")
	}

	rest := data[1:]

	jobID, rest, err := readField(rest)
	if err != nil {
		return nil, fmt.Errorf("read job id: %w", err)
	}

	bundleRef, _, err := readField(rest)
	if err != nil {
		return nil, fmt.Errorf("read bundle ref: %w", err)
	}

	return &SolicitRequest{JobID: jobID, BundleRef: bundleRef}, nil
}

// VoteResponse is a participant's vote returned for a solicitation.
type VoteResponse struct {
	Affirmative bool   // Affirmative is the participant's verdict
	Signature   []byte // Signature is the BLS signature over the vote digest (96 bytes)
}

// EncodeVoteResponse encodes a vote response to bytes.
// Format: [1B type] [1B verdict] [96B sig]
func EncodeVoteResponse(resp *VoteResponse) []byte {
	buf := make([]byte, 2+voteSignatureSize)

	buf[0] = msgTypeVote
	if resp.Affirmative {
		buf[1] = 0x01
	}
	copy(buf[2:], resp.Signature)

	return buf
}

// DecodeVoteResponse decodes a vote response from bytes.
func DecodeVoteResponse(data []byte) (*VoteResponse, error) {
	if len(data) < 2+voteSignatureSize {
		return nil, fmt.Errorf("vote response too short: %d < %d", len(data), 2+voteSignatureSize)
	}

	if data[0] != msgTypeVote {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	resp := &VoteResponse{
		Affirmative: data[1] == 0x01,
		Signature:   make([]byte, voteSignatureSize),
	}
	copy(resp.Signature, data[2:2+voteSignatureSize])

	return resp, nil
}

// DeclineResponse means the participant will not vote on this solicitation.
type DeclineResponse struct {
	Reason byte // Reason is the decline code
}

// EncodeDeclineResponse encodes a decline response to bytes.
// Format: [1B type] [1B reason]
func EncodeDeclineResponse(resp *DeclineResponse) []byte {
	return []byte{msgTypeDecline, resp.Reason}
}

// DecodeDeclineResponse decodes a decline response from bytes.
func DecodeDeclineResponse(data []byte) (*DeclineResponse, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("decline response too short: %d < 2", len(data))
	}

	if data[0] != msgTypeDecline {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	return &DeclineResponse{Reason: data[1]}, nil
}

// MessageType returns the type byte of an encoded message.
func MessageType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty message")
	}

	return data[0], nil
}

// appendField appends a length-prefixed string field.
func appendField(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))

	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)

	return buf
}

// readField reads a length-prefixed string field, returning the rest.
func readField(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("field truncated")
	}

	length := int(binary.BigEndian.Uint16(data[:2]))

	if len(data) < 2+length {
		return "", nil, fmt.Errorf("field truncated: need %d, have %d", 2+length, len(data))
	}

	return string(data[2 : 2+length]), data[2+length:], nil
}
