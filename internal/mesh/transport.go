package mesh

import (
	"context"
	"fmt"
	"sync"
)

// Transport solicits a vote from one participant. Implementations may
// fail or time out; the solicitor absorbs such failures into retry
// state. The default implementation is the QUIC mesh; tests inject
// in-memory fakes.
type Transport interface {
	// Solicit delivers one vote request to the participant and returns
	// the raw response bytes (a vote or a decline frame).
	Solicit(ctx context.Context, participantID string, req *SolicitRequest) ([]byte, error)
}

// QUICTransport resolves participant IDs to mesh addresses and delivers
// solicitations over the node's QUIC connections.
type QUICTransport struct {
	node *Node

	mu    sync.RWMutex
	addrs map[string]string // addrs maps participant ID to mesh address
}

// NewQUICTransport creates a transport over the given node.
func NewQUICTransport(node *Node) *QUICTransport {
	return &QUICTransport{
		node:  node,
		addrs: make(map[string]string),
	}
}

// RegisterParticipant records the mesh address for a participant ID.
func (t *QUICTransport) RegisterParticipant(participantID, addr string) {
	t.mu.Lock()
	t.addrs[participantID] = addr
	t.mu.Unlock()
}

// Solicit implements Transport.
func (t *QUICTransport) Solicit(ctx context.Context, participantID string, req *SolicitRequest) ([]byte, error) {
	t.mu.RLock()
	addr, ok := t.addrs[participantID]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no mesh address for participant %s", participantID)
	}

	return t.node.Request(ctx, addr, EncodeSolicitRequest(req))
}
