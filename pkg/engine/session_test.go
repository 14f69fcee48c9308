package engine

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/strobe-rtc/strobe/pkg/handshake"
	"github.com/strobe-rtc/strobe/pkg/ice"
	"github.com/strobe-rtc/strobe/pkg/media"
	"github.com/strobe-rtc/strobe/pkg/sdp"
)

// stubEndpoint is a deterministic in-process handshake: each side emits one
// flight on Start and completes on receiving the peer's. Both sides derive
// the same keying material.
type stubEndpoint struct {
	state    handshake.State
	outbound [][]byte
	appData  [][]byte
}

func (e *stubEndpoint) Start(handshake.Role) error {
	e.state = handshake.StateHandshaking
	e.outbound = append(e.outbound, []byte{22, 0xFE, 0xFD})
	return nil
}

func (e *stubEndpoint) HandleInbound(datagram []byte) error {
	if e.state == handshake.StateHandshaking && len(datagram) > 0 && datagram[0] == 22 {
		e.state = handshake.StateComplete
	}
	return nil
}

func (e *stubEndpoint) PollTransmit() []byte {
	if len(e.outbound) == 0 {
		return nil
	}
	d := e.outbound[0]
	e.outbound = e.outbound[1:]
	return d
}

func (e *stubEndpoint) PollApplicationData() []byte {
	if len(e.appData) == 0 {
		return nil
	}
	d := e.appData[0]
	e.appData = e.appData[1:]
	return d
}

func (e *stubEndpoint) WriteApplicationData([]byte) error { return nil }

func (e *stubEndpoint) State() handshake.State { return e.state }
func (e *stubEndpoint) Err() error             { return nil }

func (e *stubEndpoint) ExportKeyingMaterial(label string, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := range out {
		out[i] = byte(i) ^ 0x5A
	}
	return out, nil
}

func (e *stubEndpoint) Close() error {
	e.state = handshake.StateClosed
	return nil
}

var _ handshake.Endpoint = (*stubEndpoint)(nil)

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:40000")
	addrB = netip.MustParseAddrPort("10.0.0.2:40002")
)

var audioLine = sdp.Media{
	Kind:      sdp.KindAudio,
	MID:       "0",
	Direction: sdp.DirectionSendRecv,
	Codecs:    []sdp.Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}},
}

// testPair wires two sessions memory-to-memory under a virtual clock.
type testPair struct {
	t       *testing.T
	a, b    *Session
	now     time.Time
	aEvents []Event
	bEvents []Event
	dropToB bool
	dropToA bool
}

func newTestPair(t *testing.T, aCfg, bCfg Config) *testPair {
	t.Helper()
	aCfg.Offerer = true
	aCfg.Endpoint = &stubEndpoint{}
	bCfg.Offerer = false
	bCfg.Endpoint = &stubEndpoint{}

	a, err := NewSession(aCfg)
	if err != nil {
		t.Fatalf("NewSession(a): %v", err)
	}
	b, err := NewSession(bCfg)
	if err != nil {
		t.Fatalf("NewSession(b): %v", err)
	}
	return &testPair{t: t, a: a, b: b, now: time.Unix(1000, 0)}
}

// negotiate runs the offer/answer exchange and seeds one host candidate per
// side.
func (p *testPair) negotiate(lines []sdp.Media) {
	p.t.Helper()
	offer, err := p.a.LocalDescription(lines)
	if err != nil {
		p.t.Fatalf("LocalDescription(a): %v", err)
	}
	if err := p.a.SetLocalDescription(p.now, offer); err != nil {
		p.t.Fatalf("SetLocalDescription(a): %v", err)
	}
	if err := p.b.SetRemoteDescription(p.now, offer); err != nil {
		p.t.Fatalf("SetRemoteDescription(b): %v", err)
	}
	answer, err := p.b.LocalDescription(lines)
	if err != nil {
		p.t.Fatalf("LocalDescription(b): %v", err)
	}
	if err := p.b.SetLocalDescription(p.now, answer); err != nil {
		p.t.Fatalf("SetLocalDescription(b): %v", err)
	}
	if err := p.a.SetRemoteDescription(p.now, answer); err != nil {
		p.t.Fatalf("SetRemoteDescription(a): %v", err)
	}

	candA := ice.Candidate{Type: ice.CandidateHost, Addr: addrA, Component: 1, Foundation: "a"}
	candB := ice.Candidate{Type: ice.CandidateHost, Addr: addrB, Component: 1, Foundation: "b"}
	p.a.AddLocalCandidate(p.now, candA)
	p.a.AddRemoteCandidate(p.now, candB)
	p.b.AddLocalCandidate(p.now, candB)
	p.b.AddRemoteCandidate(p.now, candA)
}

// step drains both sessions once, delivering transmits to the peer at the
// addresses the transmit names.
func (p *testPair) step() {
	p.t.Helper()
	var toB, toA []Transmit
	drain := func(s *Session, out *[]Transmit, events *[]Event) {
		for {
			o := s.PollOutput()
			switch o.Kind {
			case OutputTransmit:
				*out = append(*out, *o.Transmit)
			case OutputEvent:
				*events = append(*events, *o.Event)
			case OutputTimeout:
				// The virtual clock advances every step.
			case OutputNone:
				return
			}
		}
	}
	drain(p.a, &toB, &p.aEvents)
	drain(p.b, &toA, &p.bEvents)

	for _, tr := range toB {
		if p.dropToB {
			continue
		}
		p.b.HandleInput(p.now, Input{Datagram: &Datagram{From: tr.From, To: tr.To, Payload: tr.Payload}})
	}
	for _, tr := range toA {
		if p.dropToA {
			continue
		}
		p.a.HandleInput(p.now, Input{Datagram: &Datagram{From: tr.From, To: tr.To, Payload: tr.Payload}})
	}
}

// run pumps until cond holds or the virtual deadline passes. One extra step
// after the condition drains events the final transition queued.
func (p *testPair) run(d time.Duration, cond func() bool) bool {
	p.t.Helper()
	deadline := p.now.Add(d)
	for p.now.Before(deadline) {
		p.step()
		if cond() {
			p.step()
			return true
		}
		p.now = p.now.Add(20 * time.Millisecond)
		p.a.HandleInput(p.now, Input{})
		p.b.HandleInput(p.now, Input{})
	}
	if cond() {
		p.step()
		return true
	}
	return false
}

func (p *testPair) connect() {
	p.t.Helper()
	p.negotiate([]sdp.Media{audioLine})
	ok := p.run(10*time.Second, func() bool {
		return p.a.State() == StateConnected && p.b.State() == StateConnected
	})
	if !ok {
		p.t.Fatalf("never connected: a=%s b=%s", p.a.State(), p.b.State())
	}
}

func stateSequence(events []Event) []State {
	var seq []State
	for _, ev := range events {
		if ev.Kind == EventStateChange {
			seq = append(seq, ev.State)
		}
	}
	return seq
}

func TestSessionReachesConnected(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	p.connect()

	want := []State{StateNegotiating, StateIceChecking, StateDtlsHandshaking, StateConnected}
	got := stateSequence(p.aEvents)
	if len(got) != len(want) {
		t.Fatalf("state sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state sequence %v, want %v", got, want)
		}
	}
}

func TestMediaRoundTrip(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	p.connect()

	if err := p.a.AddSendStream(media.SendStreamConfig{SSRC: 0x1234, PayloadType: 0, ClockRate: 8000}); err != nil {
		t.Fatalf("AddSendStream: %v", err)
	}
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := p.a.Write(p.now, 0x1234, payload, 160, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got *Event
	ok := p.run(2*time.Second, func() bool {
		for i := range p.bEvents {
			if p.bEvents[i].Kind == EventMediaReceived {
				got = &p.bEvents[i]
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatal("media never delivered")
	}
	if got.SSRC != 0x1234 || got.PayloadType != 0 {
		t.Fatalf("unexpected media event %+v", got)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("payload did not round-trip exactly")
	}
}

func TestCandidatesBufferedBeforeNegotiation(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	candB := ice.Candidate{Type: ice.CandidateHost, Addr: addrB, Component: 1, Foundation: "b"}
	if err := p.a.AddRemoteCandidate(p.now, candB); err != nil {
		t.Fatalf("early AddRemoteCandidate: %v", err)
	}
	p.connect()
}

func TestWriteBeforeConnected(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	p.negotiate([]sdp.Media{audioLine})
	if err := p.a.AddSendStream(media.SendStreamConfig{SSRC: 1, PayloadType: 0, ClockRate: 8000}); err != nil {
		t.Fatalf("AddSendStream: %v", err)
	}
	if err := p.a.Write(p.now, 1, []byte{1}, 160, false); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestAddStreamBeforeNegotiation(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	err := p.a.AddSendStream(media.SendStreamConfig{SSRC: 1, PayloadType: 0, ClockRate: 8000})
	if !errors.Is(err, ErrNotNegotiated) {
		t.Fatalf("expected ErrNotNegotiated, got %v", err)
	}
}

func TestDescriptionSetTwice(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	d, err := p.a.LocalDescription([]sdp.Media{audioLine})
	if err != nil {
		t.Fatalf("LocalDescription: %v", err)
	}
	if err := p.a.SetLocalDescription(p.now, d); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := p.a.SetLocalDescription(p.now, d); !errors.Is(err, ErrDescriptionSet) {
		t.Fatalf("expected ErrDescriptionSet, got %v", err)
	}
}

func TestIncompatibleNegotiationIsFatal(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	offer, err := p.a.LocalDescription([]sdp.Media{audioLine})
	if err != nil {
		t.Fatalf("LocalDescription: %v", err)
	}
	opusOnly := audioLine
	opusOnly.Codecs = []sdp.Codec{{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2}}
	answer, err := p.b.LocalDescription([]sdp.Media{opusOnly})
	if err != nil {
		t.Fatalf("LocalDescription(b): %v", err)
	}

	if err := p.a.SetLocalDescription(p.now, offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := p.a.SetRemoteDescription(p.now, answer); !errors.Is(err, sdp.ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got %v", err)
	}
	if p.a.State() != StateClosed {
		t.Fatalf("expected Closed, got %s", p.a.State())
	}

	fatals := 0
	for {
		o := p.a.PollOutput()
		if o.Kind == OutputNone {
			break
		}
		if o.Kind == OutputEvent && o.Event.Kind == EventError {
			fatals++
		}
	}
	if fatals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", fatals)
	}
}

func TestUnknownDatagramDropped(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	p.connect()
	// 0x70 falls in the reserved 64..127 range of the demux scheme.
	err := p.a.HandleInput(p.now, Input{Datagram: &Datagram{
		From:    addrB,
		Payload: []byte{0x70, 0x00, 0x00},
	}})
	if err != nil {
		t.Fatalf("unrecognized datagram surfaced an error: %v", err)
	}
	if p.a.State() != StateConnected {
		t.Fatalf("state changed on junk input: %s", p.a.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newTestPair(t, Config{}, Config{})
	p.connect()
	if err := p.a.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := p.a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := p.a.HandleInput(p.now, Input{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := p.a.AddRemoteCandidate(p.now, ice.Candidate{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// TestDisconnectedRecoversWithinTimeout severs the only path until the
// session reports Disconnected, then signals a fresh candidate pair; the
// session must return to Connected without a terminal event.
func TestDisconnectedRecoversWithinTimeout(t *testing.T) {
	cfg := Config{
		ICE:               ice.Config{KeepaliveInterval: 50 * time.Millisecond},
		DisconnectedGrace: 100 * time.Millisecond,
		SessionTimeout:    20 * time.Second,
	}
	p := newTestPair(t, cfg, cfg)
	p.connect()

	p.dropToA = true
	p.dropToB = true
	ok := p.run(5*time.Second, func() bool {
		return p.a.State() == StateDisconnected && p.b.State() == StateDisconnected
	})
	if !ok {
		t.Fatalf("never disconnected: a=%s b=%s", p.a.State(), p.b.State())
	}

	// A new path signaled while disconnected.
	addrA2 := netip.MustParseAddrPort("10.0.0.1:40004")
	addrB2 := netip.MustParseAddrPort("10.0.0.2:40006")
	candA2 := ice.Candidate{Type: ice.CandidateHost, Addr: addrA2, Component: 1, Foundation: "a2"}
	candB2 := ice.Candidate{Type: ice.CandidateHost, Addr: addrB2, Component: 1, Foundation: "b2"}
	p.a.AddLocalCandidate(p.now, candA2)
	p.a.AddRemoteCandidate(p.now, candB2)
	p.b.AddLocalCandidate(p.now, candB2)
	p.b.AddRemoteCandidate(p.now, candA2)
	p.dropToA = false
	p.dropToB = false

	ok = p.run(10*time.Second, func() bool {
		return p.a.State() == StateConnected && p.b.State() == StateConnected
	})
	if !ok {
		t.Fatalf("never recovered: a=%s b=%s", p.a.State(), p.b.State())
	}

	seq := stateSequence(p.aEvents)
	if len(seq) < 2 || seq[len(seq)-2] != StateDisconnected || seq[len(seq)-1] != StateConnected {
		t.Fatalf("state sequence %v, want ... Disconnected Connected", seq)
	}
	for _, ev := range p.aEvents {
		if ev.Kind == EventError {
			t.Fatalf("terminal event during recoverable loss: %v", ev.Err)
		}
	}
}

func TestPathLossEndsSession(t *testing.T) {
	cfg := Config{
		ICE:               ice.Config{KeepaliveInterval: 50 * time.Millisecond},
		DisconnectedGrace: 100 * time.Millisecond,
		SessionTimeout:    time.Second,
	}
	p := newTestPair(t, cfg, cfg)
	p.connect()

	// Sever the path in both directions.
	p.dropToA = true
	p.dropToB = true
	ok := p.run(30*time.Second, func() bool {
		return p.a.State() == StateClosed
	})
	if !ok {
		t.Fatalf("session never closed after path loss, state %s", p.a.State())
	}

	fatals := 0
	for _, ev := range p.aEvents {
		if ev.Kind == EventError {
			fatals++
		}
	}
	if fatals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", fatals)
	}
}
