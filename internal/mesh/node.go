// Package mesh reaches verifier participants over QUIC and drives them
// toward submitting a vote, with bounded jittered retry per participant.
package mesh

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"VeriMesh/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "verimesh/1"

	// defaultRequestTimeout bounds one solicitation round-trip.
	defaultRequestTimeout = 10 * time.Second
)

// SolicitHandler answers an incoming solicitation. It returns an encoded
// vote or decline response.
type SolicitHandler func(req *SolicitRequest) ([]byte, error)

// NodeConfig holds the configuration for a mesh Node.
type NodeConfig struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 identity key
	ListenAddr     string             // ListenAddr is the QUIC listen address (e.g., ":9000")
	RequestTimeout time.Duration      // RequestTimeout bounds a solicitation round-trip
}

// Node is a mesh endpoint: it serves incoming solicitations and dials
// participants to deliver outgoing ones. Connections are cached per
// address and re-dialed on demand after failures.
type Node struct {
	privateKey     ed25519.PrivateKey
	listenAddr     string
	tlsConfig      *tls.Config
	quicConfig     *quic.Config
	requestTimeout time.Duration

	listener *quic.Listener

	peers   map[string]*Peer // peers maps remote address to cached peer
	peersMu sync.Mutex

	onSolicit  SolicitHandler
	handlersMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a mesh node.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is the ed25519 key, not a CA chain
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		requestTimeout: requestTimeout,
		peers:          make(map[string]*Peer),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("mesh listening", "addr", listener.Addr().String())

	return nil
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// OnSolicit sets the handler answering incoming solicitations. A node
// that never registers one declines every request (it coordinates but
// does not vote).
func (n *Node) OnSolicit(fn SolicitHandler) {
	n.handlersMu.Lock()
	n.onSolicit = fn
	n.handlersMu.Unlock()
}

// Request delivers one encoded request to the participant at addr and
// returns the raw response. A cached connection is reused when healthy;
// a failed connection is dropped so the next attempt re-dials.
func (n *Node) Request(ctx context.Context, addr string, data []byte) ([]byte, error) {
	peer, err := n.peerFor(ctx, addr)
	if err != nil {
		return nil, err
	}

	resp, err := peer.Request(ctx, data)
	if err != nil {
		n.dropPeer(addr)
		return nil, err
	}

	return resp, nil
}

// peerFor returns the cached peer for addr, dialing if necessary.
func (n *Node) peerFor(ctx context.Context, addr string) (*Peer, error) {
	n.peersMu.Lock()
	if p, ok := n.peers[addr]; ok && !p.Closed() {
		n.peersMu.Unlock()
		return p, nil
	}
	n.peersMu.Unlock()

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer := newPeer(conn, addr, n.requestTimeout)

	n.peersMu.Lock()
	n.peers[addr] = peer
	n.peersMu.Unlock()

	return peer, nil
}

// dropPeer evicts a cached peer after a failure.
func (n *Node) dropPeer(addr string) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if p, ok := n.peers[addr]; ok {
		p.Close()
		delete(n.peers, addr)
	}
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // listener closed
		}

		n.wg.Add(1)
		go n.serveConn(conn)
	}
}

// serveConn answers request/response streams on an incoming connection.
func (n *Node) serveConn(conn *quic.Conn) {
	defer n.wg.Done()

	for {
		stream, err := conn.AcceptStream(n.ctx)
		if err != nil {
			return
		}

		go n.serveStream(stream)
	}
}

// serveStream handles one solicitation stream.
func (n *Node) serveStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("mesh stream read error", "error", err)
		return
	}

	resp, err := n.handleSolicit(data)
	if err != nil {
		logger.Debug("mesh solicit handler error", "error", err)
		return
	}

	if err := writeMessage(stream, resp); err != nil {
		logger.Debug("mesh stream write error", "error", err)
	}
}

// handleSolicit decodes an incoming solicitation and dispatches it.
func (n *Node) handleSolicit(data []byte) ([]byte, error) {
	req, err := DecodeSolicitRequest(data)
	if err != nil {
		return nil, err
	}

	n.handlersMu.RLock()
	handler := n.onSolicit
	n.handlersMu.RUnlock()

	if handler == nil {
		return EncodeDeclineResponse(&DeclineResponse{Reason: ReasonNotReady}), nil
	}

	return handler(req)
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}
