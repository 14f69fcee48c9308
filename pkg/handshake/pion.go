package handshake

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/packetio"
)

// PionConfig configures the pion/dtls-backed endpoint.
type PionConfig struct {
	// Certificate is the local certificate. A self-signed one is
	// generated when nil.
	Certificate *tls.Certificate

	// RemoteFingerprint pins the peer certificate (SHA-256, colon
	// separated, as negotiated in SDP). Empty skips verification.
	RemoteFingerprint string

	// HandshakeTimeout bounds the whole handshake including the engine's
	// internal flight retransmissions. Defaults to 30s.
	HandshakeTimeout time.Duration

	// LoggerFactory provides loggers for this endpoint and the underlying
	// engine.
	LoggerFactory logging.LoggerFactory
}

// PionEndpoint runs a pion/dtls/v3 connection over in-memory queues. The
// blocking engine lives on internal goroutines; the Endpoint surface stays
// non-blocking.
type PionEndpoint struct {
	cfg PionConfig
	log logging.LeveledLogger

	mu       sync.Mutex
	state    State
	err      error
	conn     *dtls.Conn
	outbound [][]byte
	appData  [][]byte

	inbound *packetio.Buffer
	cancel  context.CancelFunc
}

// NewPionEndpoint creates an endpoint. Start must be called once the DTLS
// role is negotiated.
func NewPionEndpoint(cfg PionConfig) (*PionEndpoint, error) {
	if cfg.Certificate == nil {
		cert, err := selfsign.GenerateSelfSigned()
		if err != nil {
			return nil, fmt.Errorf("handshake: generate certificate: %w", err)
		}
		cfg.Certificate = &cert
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &PionEndpoint{
		cfg:     cfg,
		log:     cfg.LoggerFactory.NewLogger("handshake"),
		state:   StateIdle,
		inbound: packetio.NewBuffer(),
	}, nil
}

// LocalFingerprint returns the fingerprint of the local certificate for
// inclusion in the local description.
func (e *PionEndpoint) LocalFingerprint() (string, error) {
	return CertificateFingerprint(*e.cfg.Certificate)
}

// Start launches the engine in the negotiated role.
func (e *PionEndpoint) Start(role Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateIdle:
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("handshake: already started (state %s)", e.state)
	}
	e.state = StateHandshaking

	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{*e.cfg.Certificate},
		InsecureSkipVerify:   true, // verified by fingerprint below
		ClientAuth:           dtls.RequireAnyClientCert,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		LoggerFactory: e.cfg.LoggerFactory,
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandshakeTimeout)
	e.cancel = cancel

	pc := &endpointPacketConn{endpoint: e}
	go e.run(ctx, role, pc, cfg)
	return nil
}

// run executes the blocking handshake and then pumps decrypted application
// data. It is the only goroutine touching conn.Read.
func (e *PionEndpoint) run(ctx context.Context, role Role, pc net.PacketConn, cfg *dtls.Config) {
	defer e.cancel()

	var (
		conn *dtls.Conn
		err  error
	)
	if role == RoleClient {
		conn, err = dtls.Client(pc, endpointAddr{}, cfg)
	} else {
		conn, err = dtls.Server(pc, endpointAddr{}, cfg)
	}
	if err == nil {
		err = conn.HandshakeContext(ctx)
	}
	if err == nil {
		err = e.verifyPeer(conn)
	}

	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		e.state = StateFailed
		e.err = err
		e.mu.Unlock()
		e.log.Errorf("handshake failed: %v", err)
		return
	}
	e.conn = conn
	e.state = StateComplete
	e.mu.Unlock()
	e.log.Infof("handshake complete as %s", role)

	buf := make([]byte, 64*1024)
	for {
		n, readErr := conn.Read(buf)
		if readErr != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.mu.Lock()
		e.appData = append(e.appData, data)
		e.mu.Unlock()
	}
}

func (e *PionEndpoint) verifyPeer(conn *dtls.Conn) error {
	state, ok := conn.ConnectionState()
	if !ok {
		return ErrNotComplete
	}
	return verifyFingerprint(state.PeerCertificates, e.cfg.RemoteFingerprint)
}

// HandleInbound queues one received ciphertext datagram for the engine.
func (e *PionEndpoint) HandleInbound(datagram []byte) error {
	e.mu.Lock()
	closed := e.state == StateClosed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := e.inbound.Write(datagram)
	return err
}

// PollTransmit returns the next ciphertext datagram to send, or nil.
func (e *PionEndpoint) PollTransmit() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outbound) == 0 {
		return nil
	}
	d := e.outbound[0]
	e.outbound = e.outbound[1:]
	return d
}

// PollApplicationData returns the next decrypted application datagram, or
// nil.
func (e *PionEndpoint) PollApplicationData() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.appData) == 0 {
		return nil
	}
	d := e.appData[0]
	e.appData = e.appData[1:]
	return d
}

// WriteApplicationData encrypts one application datagram; the ciphertext
// surfaces via PollTransmit.
func (e *PionEndpoint) WriteApplicationData(p []byte) error {
	e.mu.Lock()
	conn, state := e.conn, e.state
	e.mu.Unlock()

	switch state {
	case StateComplete:
	case StateIdle:
		return ErrNotStarted
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return ErrFailed
	default:
		return ErrNotComplete
	}
	_, err := conn.Write(p)
	return err
}

// State returns the current handshake state.
func (e *PionEndpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the terminal error, if any.
func (e *PionEndpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// ExportKeyingMaterial exports RFC 5705 keying material from the completed
// handshake.
func (e *PionEndpoint) ExportKeyingMaterial(label string, length int) ([]byte, error) {
	e.mu.Lock()
	conn, state := e.conn, e.state
	e.mu.Unlock()

	if state != StateComplete {
		return nil, ErrNotComplete
	}
	connState, ok := conn.ConnectionState()
	if !ok {
		return nil, ErrNotComplete
	}
	return connState.ExportKeyingMaterial(label, nil, length)
}

// Close tears the endpoint down. The close_notify alert, if the engine
// emits one, is available through PollTransmit afterwards.
func (e *PionEndpoint) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	conn := e.conn
	e.state = StateClosed
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return e.inbound.Close()
}

var _ Endpoint = (*PionEndpoint)(nil)

// endpointAddr is the placeholder peer address for the in-memory packet
// adapter; addressing is handled by the session engine.
type endpointAddr struct{}

func (endpointAddr) Network() string { return "rtc" }
func (endpointAddr) String() string  { return "peer" }

// endpointPacketConn bridges the engine's net.PacketConn expectations onto
// the endpoint queues: reads block on the inbound packet buffer, writes are
// captured for PollTransmit.
type endpointPacketConn struct {
	endpoint *PionEndpoint
}

func (c *endpointPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := c.endpoint.inbound.Read(p)
	return n, endpointAddr{}, err
}

func (c *endpointPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	d := make([]byte, len(p))
	copy(d, p)
	c.endpoint.mu.Lock()
	c.endpoint.outbound = append(c.endpoint.outbound, d)
	c.endpoint.mu.Unlock()
	return len(p), nil
}

func (c *endpointPacketConn) Close() error {
	return c.endpoint.inbound.Close()
}

func (c *endpointPacketConn) LocalAddr() net.Addr { return endpointAddr{} }

func (c *endpointPacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *endpointPacketConn) SetReadDeadline(t time.Time) error {
	return c.endpoint.inbound.SetReadDeadline(t)
}

func (c *endpointPacketConn) SetWriteDeadline(time.Time) error { return nil }
