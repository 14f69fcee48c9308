// Package engine implements the session orchestrator: one Session owns an
// ICE agent, a DTLS handshake endpoint, SRTP contexts, the media engine,
// and an optional data-channel bridge, and sequences them through the
// session lifecycle.
//
// The Session is sans-IO. The host feeds inbound datagrams and time ticks
// through HandleInput and drains transmits, events, and the next required
// wake-up through PollOutput; the engine never touches a socket or a clock
// of its own.
package engine

import (
	"crypto/tls"
	"net/netip"
	"time"

	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/pion/logging"

	"github.com/strobe-rtc/strobe/pkg/channel"
	"github.com/strobe-rtc/strobe/pkg/handshake"
	"github.com/strobe-rtc/strobe/pkg/ice"
	"github.com/strobe-rtc/strobe/pkg/media"
	"github.com/strobe-rtc/strobe/pkg/sdp"
	"github.com/strobe-rtc/strobe/pkg/srtp"
)

// Datagram is one inbound network datagram with its addressing.
type Datagram struct {
	// From is the remote source address.
	From netip.AddrPort

	// To is the local address the datagram arrived on. Hosts with a
	// single socket may leave it zero.
	To netip.AddrPort

	Payload []byte
}

// Input is one unit of work for HandleInput. A zero Input is a pure time
// tick.
type Input struct {
	Datagram *Datagram
}

// OutputKind discriminates PollOutput results.
type OutputKind int

const (
	// OutputNone means the poll cycle is exhausted; call HandleInput
	// before polling again.
	OutputNone OutputKind = iota

	// OutputTransmit carries one datagram to send.
	OutputTransmit

	// OutputTimeout carries the next instant the host must tick by.
	OutputTimeout

	// OutputEvent carries an application-visible event.
	OutputEvent
)

// Transmit is one outbound datagram. From is the local address it should
// leave from; hosts with a single socket may ignore it.
type Transmit struct {
	From    netip.AddrPort
	To      netip.AddrPort
	Payload []byte
}

// Output is one pending action drained via PollOutput.
type Output struct {
	Kind     OutputKind
	Transmit *Transmit
	Timeout  time.Time
	Event    *Event
}

// EventKind discriminates session events.
type EventKind int

const (
	// EventStateChange reports a lifecycle transition.
	EventStateChange EventKind = iota

	// EventMediaReceived carries one in-order media payload.
	EventMediaReceived

	// EventChannelOpened reports a usable data channel.
	EventChannelOpened

	// EventChannelMessage carries one data-channel message.
	EventChannelMessage

	// EventChannelClosed reports a torn-down data channel.
	EventChannelClosed

	// EventError is the terminal event; it is emitted exactly once and
	// the session is Closed when it appears.
	EventError
)

// Event is an application-visible notification.
type Event struct {
	Kind  EventKind
	State State

	// Media payload fields, set for EventMediaReceived.
	SSRC        uint32
	PayloadType uint8
	Payload     []byte

	// Channel fields.
	Channel *channel.Channel
	Label   string
	Data    []byte
	Binary  bool

	// Err is set for EventError.
	Err error
}

// Config configures a Session.
type Config struct {
	// Offerer states whether the local side makes the offer. The offerer
	// is the ICE controlling side.
	Offerer bool

	// Certificate is the local DTLS certificate; self-signed when nil.
	Certificate *tls.Certificate

	// Endpoint overrides the handshake provider, primarily for tests.
	// When set, Certificate is ignored.
	Endpoint handshake.Endpoint

	// ICE overrides agent tuning. Role and LoggerFactory are set by the
	// session.
	ICE ice.Config

	// Media overrides media engine tuning. ClockRates and LoggerFactory
	// are set by the session from the negotiated agreement.
	Media media.Config

	// DisconnectedGrace is how long the selected pair may be lost before
	// the session leaves Connected.
	DisconnectedGrace time.Duration

	// SessionTimeout closes a session that stays Disconnected.
	SessionTimeout time.Duration

	// LoggerFactory provides loggers for the session and its parts.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.DisconnectedGrace == 0 {
		c.DisconnectedGrace = DefaultDisconnectedGrace
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Session is the top-level aggregate. Not safe for concurrent use; the
// host serializes all calls.
type Session struct {
	cfg Config
	log logging.LeveledLogger

	state  State
	closed bool
	fatal  bool

	agent    *ice.Agent
	endpoint handshake.Endpoint
	cert     *tls.Certificate

	local     *sdp.Description
	remote    *sdp.Description
	agreement *sdp.Agreement

	media   *media.Engine
	srtpOut *srtp.Context
	srtpIn  *srtp.Context

	bridge      *channel.Bridge
	wantChannel bool
	dtlsClient  bool

	pendingRemote []ice.Candidate
	defaultLocal  netip.AddrPort

	events []Event

	// pendingDisconnect is when the agent first reported the selected
	// pair lost; the session state flips after the grace period.
	pendingDisconnect time.Time
	disconnectedAt    time.Time

	timeoutEmitted bool
	lastNow        time.Time
}

// NewSession creates a session in StateNew.
func NewSession(cfg Config) (*Session, error) {
	cfg.applyDefaults()

	iceCfg := cfg.ICE
	iceCfg.LoggerFactory = cfg.LoggerFactory
	if cfg.Offerer {
		iceCfg.Role = ice.RoleControlling
	} else {
		iceCfg.Role = ice.RoleControlled
	}
	agent, err := ice.NewAgent(iceCfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("engine"),
		agent:    agent,
		endpoint: cfg.Endpoint,
		cert:     cfg.Certificate,
	}
	if s.endpoint == nil && s.cert == nil {
		cert, err := selfsign.GenerateSelfSigned()
		if err != nil {
			return nil, err
		}
		s.cert = &cert
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// LocalDescription builds the structured description for the given media
// lines using the session's ICE credentials, certificate fingerprint, and
// an actpass setup. The host carries it to the peer however it likes.
func (s *Session) LocalDescription(lines []sdp.Media) (*sdp.Description, error) {
	if s.closed {
		return nil, ErrClosed
	}
	creds := s.agent.LocalCredentials()
	d := &sdp.Description{
		ICE:   sdp.Credentials{Ufrag: creds.UFrag, Pwd: creds.Pwd},
		Setup: sdp.SetupActPass,
		Media: lines,
	}
	if s.cert != nil {
		fp, err := handshake.CertificateFingerprint(*s.cert)
		if err != nil {
			return nil, err
		}
		d.Fingerprint = fp
	}
	return d, nil
}

// SetLocalDescription applies the local side of the exchange.
func (s *Session) SetLocalDescription(now time.Time, d *sdp.Description) error {
	return s.setDescription(now, d, true)
}

// SetRemoteDescription applies the peer's description.
func (s *Session) SetRemoteDescription(now time.Time, d *sdp.Description) error {
	return s.setDescription(now, d, false)
}

func (s *Session) setDescription(now time.Time, d *sdp.Description, local bool) error {
	if s.closed {
		return ErrClosed
	}
	if local {
		if s.local != nil {
			return ErrDescriptionSet
		}
		s.local = d
	} else {
		if s.remote != nil {
			return ErrDescriptionSet
		}
		s.remote = d
	}
	if s.state == StateNew {
		s.setState(StateNegotiating)
	}
	if s.local != nil && s.remote != nil {
		if err := s.negotiate(now); err != nil {
			return err
		}
	}
	s.advance(now)
	return nil
}

// negotiate reconciles the descriptions and seeds ICE, media, and the
// channel bridge decision. Zero viable media lines is fatal.
func (s *Session) negotiate(now time.Time) error {
	agreement, err := sdp.Negotiate(s.local, s.remote, s.cfg.Offerer)
	if err != nil {
		s.failSession(err)
		return err
	}
	s.agreement = agreement
	s.dtlsClient = agreement.DTLSRole == sdp.DTLSRoleClient

	if err := s.agent.SetRemoteCredentials(ice.Credentials{
		UFrag: agreement.RemoteICE.Ufrag,
		Pwd:   agreement.RemoteICE.Pwd,
	}); err != nil {
		s.failSession(err)
		return err
	}
	for _, c := range s.pendingRemote {
		s.agent.AddRemoteCandidate(c)
	}
	s.pendingRemote = nil

	mediaCfg := s.cfg.Media
	mediaCfg.ClockRates = agreement.ClockRates()
	mediaCfg.LoggerFactory = s.cfg.LoggerFactory
	s.media = media.NewEngine(mediaCfg)

	for _, m := range agreement.Media {
		if m.Kind == sdp.KindApplication && !m.Rejected {
			s.wantChannel = true
		}
	}

	s.setState(StateIceChecking)
	s.log.Infof("negotiated: dtls role=%v channel=%v lines=%d",
		agreement.DTLSRole, s.wantChannel, len(agreement.Media))
	return nil
}

// AddLocalCandidate registers a local transport address.
func (s *Session) AddLocalCandidate(now time.Time, c ice.Candidate) error {
	if s.closed {
		return ErrClosed
	}
	if !s.defaultLocal.IsValid() {
		s.defaultLocal = c.Addr
	}
	s.agent.AddLocalCandidate(c)
	s.advance(now)
	return nil
}

// AddRemoteCandidate registers a peer candidate. Candidates arriving ahead
// of negotiation are buffered and applied once credentials are known.
func (s *Session) AddRemoteCandidate(now time.Time, c ice.Candidate) error {
	if s.closed {
		return ErrClosed
	}
	if s.agreement == nil {
		s.pendingRemote = append(s.pendingRemote, c)
		return nil
	}
	s.agent.AddRemoteCandidate(c)
	s.advance(now)
	return nil
}

// AddSendStream registers an outbound media stream with the negotiated
// transport.
func (s *Session) AddSendStream(cfg media.SendStreamConfig) error {
	if s.closed {
		return ErrClosed
	}
	if s.media == nil {
		return ErrNotNegotiated
	}
	_, err := s.media.AddSendStream(cfg)
	return err
}

// RemoveSendStream deregisters an outbound media stream.
func (s *Session) RemoveSendStream(ssrc uint32) error {
	if s.closed {
		return ErrClosed
	}
	if s.media == nil {
		return ErrNotNegotiated
	}
	return s.media.RemoveSendStream(ssrc)
}

// Write sends one media payload on a stream. samples is the payload
// duration in clock-rate units.
func (s *Session) Write(now time.Time, ssrc uint32, payload []byte, samples uint32, marker bool) error {
	if s.closed {
		return ErrClosed
	}
	if s.state != StateConnected {
		return ErrNotConnected
	}
	if err := s.media.Send(ssrc, payload, samples, marker, now); err != nil {
		return err
	}
	s.advance(now)
	return nil
}

// CreateChannel opens a data channel with the given label. The channel is
// delivered through an EventChannelOpened event.
func (s *Session) CreateChannel(label string) error {
	if s.closed {
		return ErrClosed
	}
	if s.bridge == nil {
		return ErrNotConnected
	}
	return s.bridge.Open(label)
}

// SendMessage writes one message to an open channel.
func (s *Session) SendMessage(c *channel.Channel, data []byte, binary bool) error {
	if s.closed {
		return ErrClosed
	}
	return c.Send(data, binary)
}

// Close shuts the session down. Close is idempotent and never fails after
// the first call.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.agent.Close()
	if s.endpoint != nil {
		s.endpoint.Close()
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	s.setState(StateClosed)
	return nil
}

// failSession reports the terminal error exactly once and closes the
// session.
func (s *Session) failSession(err error) {
	if s.fatal || s.closed {
		return
	}
	s.fatal = true
	s.log.Errorf("fatal: %v", err)
	s.Close()
	s.events = append(s.events, Event{Kind: EventError, Err: err})
}

// HandleInput processes one unit of input. A zero Input is a time tick.
func (s *Session) HandleInput(now time.Time, in Input) error {
	if s.closed {
		return ErrClosed
	}
	s.timeoutEmitted = false
	if in.Datagram != nil {
		s.handleDatagram(now, in.Datagram)
	}
	s.advance(now)
	return nil
}

// handleDatagram routes one datagram by its leading bytes. Malformed or
// mis-addressed datagrams are dropped and logged, never fatal.
func (s *Session) handleDatagram(now time.Time, d *Datagram) {
	switch classify(d.Payload) {
	case classSTUN:
		local := d.To
		if !local.IsValid() {
			local = s.defaultLocal
		}
		if err := s.agent.HandleStun(now, local, d.From, d.Payload); err != nil {
			s.log.Debugf("stun from %v dropped: %v", d.From, err)
		}
	case classDTLS:
		if s.endpoint == nil || !s.agent.Verified(d.From) {
			s.log.Debugf("dtls from unverified %v dropped", d.From)
			return
		}
		if err := s.endpoint.HandleInbound(d.Payload); err != nil {
			s.log.Debugf("dtls from %v dropped: %v", d.From, err)
		}
	case classRTP:
		if s.srtpIn == nil || !s.agent.Verified(d.From) {
			return
		}
		plain, err := s.srtpIn.UnprotectRTP(d.Payload)
		if err != nil {
			s.log.Debugf("srtp from %v dropped: %v", d.From, err)
			return
		}
		if err := s.media.HandleRTP(plain, now); err != nil {
			s.log.Debugf("rtp from %v dropped: %v", d.From, err)
		}
	case classRTCP:
		if s.srtpIn == nil || !s.agent.Verified(d.From) {
			return
		}
		plain, err := s.srtpIn.UnprotectRTCP(d.Payload)
		if err != nil {
			s.log.Debugf("srtcp from %v dropped: %v", d.From, err)
			return
		}
		if err := s.media.HandleRTCP(plain, now); err != nil {
			s.log.Debugf("rtcp from %v dropped: %v", d.From, err)
		}
	default:
		s.log.Debugf("unrecognized datagram from %v dropped", d.From)
	}
}

// advance runs every state machine that can make progress at this instant.
func (s *Session) advance(now time.Time) {
	if s.closed {
		return
	}
	s.lastNow = now

	s.agent.Drive(now)
	for ev := s.agent.PollEvent(); ev != nil; ev = s.agent.PollEvent() {
		switch ev.Kind {
		case ice.EventPairValidated:
			if s.state == StateIceChecking {
				s.startHandshake(now)
			}
		case ice.EventSelectedPairChanged:
			s.log.Infof("selected pair %v -> %v", ev.Local.Addr, ev.Remote.Addr)
		}
	}
	if s.agent.State() == ice.ConnectionFailed {
		s.failSession(ErrIceFailed)
		return
	}

	s.driveHandshake(now)
	s.pumpChannel()
	s.driveLiveness(now)

	if s.media != nil {
		s.media.Drive(now)
	}
}

// startHandshake creates the endpoint if needed and begins the key
// exchange.
func (s *Session) startHandshake(now time.Time) {
	if s.endpoint == nil {
		ep, err := handshake.NewPionEndpoint(handshake.PionConfig{
			Certificate:       s.cert,
			RemoteFingerprint: s.agreement.RemoteFingerprint,
			LoggerFactory:     s.cfg.LoggerFactory,
		})
		if err != nil {
			s.failSession(err)
			return
		}
		s.endpoint = ep
	}
	role := handshake.RoleServer
	if s.dtlsClient {
		role = handshake.RoleClient
	}
	if err := s.endpoint.Start(role); err != nil {
		s.failSession(err)
		return
	}
	s.setState(StateDtlsHandshaking)
}

// driveHandshake watches the endpoint and derives SRTP contexts on
// completion.
func (s *Session) driveHandshake(now time.Time) {
	if s.endpoint == nil || s.state != StateDtlsHandshaking {
		return
	}
	switch s.endpoint.State() {
	case handshake.StateFailed:
		err := s.endpoint.Err()
		if err == nil {
			err = ErrHandshakeFailed
		}
		s.failSession(err)
	case handshake.StateComplete:
		if _, _, ok := s.agent.SelectedPair(); !ok {
			return
		}
		if err := s.deriveSRTP(); err != nil {
			s.failSession(err)
			return
		}
		if s.wantChannel {
			s.bridge = channel.NewBridge(channel.Config{LoggerFactory: s.cfg.LoggerFactory})
			if err := s.bridge.Start(s.dtlsClient); err != nil {
				s.log.Warnf("channel bridge start: %v", err)
				s.bridge = nil
			}
		}
		s.setState(StateConnected)
	}
}

// deriveSRTP splits the exported key block: the DTLS client writes with
// the client key, the server with the server key.
func (s *Session) deriveSRTP() error {
	keys, err := handshake.SRTPKeys(s.endpoint)
	if err != nil {
		return err
	}
	outKey, outSalt := keys.ClientKey, keys.ClientSalt
	inKey, inSalt := keys.ServerKey, keys.ServerSalt
	if !s.dtlsClient {
		outKey, outSalt, inKey, inSalt = inKey, inSalt, outKey, outSalt
	}
	srtpCfg := srtp.Config{LoggerFactory: s.cfg.LoggerFactory}
	if s.srtpOut, err = srtp.NewContext(outKey, outSalt, srtpCfg); err != nil {
		return err
	}
	s.srtpIn, err = srtp.NewContext(inKey, inSalt, srtpCfg)
	return err
}

// pumpChannel shuttles application data between the DTLS endpoint and the
// SCTP bridge.
func (s *Session) pumpChannel() {
	if s.bridge == nil || s.endpoint == nil {
		return
	}
	for {
		data := s.bridge.PollTransmit()
		if data == nil {
			break
		}
		if err := s.endpoint.WriteApplicationData(data); err != nil {
			s.log.Debugf("channel write dropped: %v", err)
		}
	}
	for {
		data := s.endpoint.PollApplicationData()
		if data == nil {
			break
		}
		if err := s.bridge.HandleInbound(data); err != nil {
			s.log.Debugf("channel inbound dropped: %v", err)
		}
	}
}

// driveLiveness tracks the Connected/Disconnected exchange and the session
// timeout.
func (s *Session) driveLiveness(now time.Time) {
	switch s.agent.State() {
	case ice.ConnectionDisconnected:
		if s.state == StateConnected {
			if s.pendingDisconnect.IsZero() {
				s.pendingDisconnect = now
			} else if now.Sub(s.pendingDisconnect) >= s.cfg.DisconnectedGrace {
				s.disconnectedAt = now
				s.setState(StateDisconnected)
			}
		}
	case ice.ConnectionConnected, ice.ConnectionCompleted:
		s.pendingDisconnect = time.Time{}
		if s.state == StateDisconnected {
			s.disconnectedAt = time.Time{}
			s.setState(StateConnected)
		}
	}
	if s.state == StateDisconnected && now.Sub(s.disconnectedAt) >= s.cfg.SessionTimeout {
		s.failSession(ErrIceFailed)
	}
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.Infof("session %s -> %s", s.state, next)
	s.state = next
	s.events = append(s.events, Event{Kind: EventStateChange, State: next})
}

// PollOutput returns the next pending action. After OutputNone the host
// must call HandleInput before output resumes.
func (s *Session) PollOutput() Output {
	s.pumpChannel()

	if t := s.agent.PollTransmit(); t != nil {
		return Output{Kind: OutputTransmit, Transmit: &Transmit{From: t.From, To: t.To, Payload: t.Payload}}
	}

	if local, remote, ok := s.agent.SelectedPair(); ok {
		if s.endpoint != nil {
			if data := s.endpoint.PollTransmit(); data != nil {
				return Output{Kind: OutputTransmit, Transmit: &Transmit{From: local.Addr, To: remote.Addr, Payload: data}}
			}
		}
		if s.media != nil && s.srtpOut != nil {
			if out := s.pollMediaTransmit(local.Addr, remote.Addr); out != nil {
				return *out
			}
		}
	}

	if s.media != nil {
		if ev := s.media.PollEvent(); ev != nil {
			return Output{Kind: OutputEvent, Event: &Event{
				Kind:        EventMediaReceived,
				SSRC:        ev.SSRC,
				PayloadType: ev.PayloadType,
				Payload:     ev.Payload,
			}}
		}
	}
	if out := s.pollChannelEvent(); out != nil {
		return *out
	}
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return Output{Kind: OutputEvent, Event: &ev}
	}

	if !s.timeoutEmitted && !s.closed {
		if t := s.nextTimeout(); !t.IsZero() {
			s.timeoutEmitted = true
			return Output{Kind: OutputTimeout, Timeout: t}
		}
	}
	return Output{Kind: OutputNone}
}

// pollMediaTransmit protects and emits the next media packet or report.
// Packets that fail protection are dropped, they are per-packet errors.
func (s *Session) pollMediaTransmit(local, remote netip.AddrPort) *Output {
	for {
		data := s.media.PollPacket()
		if data == nil {
			break
		}
		sealed, err := s.srtpOut.ProtectRTP(data)
		if err != nil {
			s.log.Debugf("protect rtp dropped: %v", err)
			continue
		}
		return &Output{Kind: OutputTransmit, Transmit: &Transmit{From: local, To: remote, Payload: sealed}}
	}
	for {
		data := s.media.PollReport()
		if data == nil {
			break
		}
		sealed, err := s.srtpOut.ProtectRTCP(data)
		if err != nil {
			s.log.Debugf("protect rtcp dropped: %v", err)
			continue
		}
		return &Output{Kind: OutputTransmit, Transmit: &Transmit{From: local, To: remote, Payload: sealed}}
	}
	return nil
}

// pollChannelEvent converts bridge events, swallowing association
// failures: the media session survives a lost data channel.
func (s *Session) pollChannelEvent() *Output {
	if s.bridge == nil {
		return nil
	}
	for {
		ev := s.bridge.PollEvent()
		if ev == nil {
			return nil
		}
		out := Event{Channel: ev.Channel, Label: ev.Label, Data: ev.Data, Binary: ev.Binary}
		switch ev.Kind {
		case channel.EventChannelOpened:
			out.Kind = EventChannelOpened
		case channel.EventMessageReceived:
			out.Kind = EventChannelMessage
		case channel.EventChannelClosed:
			out.Kind = EventChannelClosed
		case channel.EventAssociationFailed:
			s.log.Warnf("channel association: %v", ev.Err)
			continue
		default:
			continue
		}
		return &Output{Kind: OutputEvent, Event: &out}
	}
}

// nextTimeout folds the wake-up requirements of every owned component.
func (s *Session) nextTimeout() time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	consider(s.agent.NextTimeout(s.lastNow))
	if s.media != nil {
		consider(s.media.NextTimeout(s.lastNow))
	}
	if !s.pendingDisconnect.IsZero() {
		consider(s.pendingDisconnect.Add(s.cfg.DisconnectedGrace))
	}
	if !s.disconnectedAt.IsZero() {
		consider(s.disconnectedAt.Add(s.cfg.SessionTimeout))
	}
	return next
}
