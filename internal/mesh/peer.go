package mesh

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// Peer is a cached outbound connection to one participant endpoint.
type Peer struct {
	address        string        // address is the remote address
	conn           *quic.Conn    // conn is the underlying QUIC connection
	requestTimeout time.Duration // requestTimeout bounds Request when the context has no deadline
	closed         atomic.Bool   // closed indicates the peer is no longer usable
}

// newPeer wraps an established QUIC connection.
func newPeer(conn *quic.Conn, addr string, requestTimeout time.Duration) *Peer {
	return &Peer{
		address:        addr,
		conn:           conn,
		requestTimeout: requestTimeout,
	}
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Closed reports whether the peer has been closed.
func (p *Peer) Closed() bool {
	return p.closed.Load()
}

// Request sends data and waits for the response on a fresh bidirectional
// stream. The context bounds the round-trip; without a deadline the
// peer's request timeout applies.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.requestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // already closed
	}

	return p.conn.CloseWithError(0, "closed")
}
