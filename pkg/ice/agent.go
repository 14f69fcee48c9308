package ice

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"
)

// Credentials is a ufrag/password pair used for STUN short-term
// authentication (RFC 8445 Section 5.3).
type Credentials struct {
	UFrag string
	Pwd   string
}

// Transmit is an outbound datagram queued by the agent. From is the local
// candidate address the host should send from; hosts with a single socket
// may ignore it.
type Transmit struct {
	From    netip.AddrPort
	To      netip.AddrPort
	Payload []byte
}

// EventKind discriminates agent events.
type EventKind int

const (
	// EventStateChange signals a ConnectionState transition.
	EventStateChange EventKind = iota

	// EventPairValidated signals a pair reaching Succeeded.
	EventPairValidated

	// EventPairFailed signals a pair reaching Failed.
	EventPairFailed

	// EventSelectedPairChanged signals a new selected pair.
	EventSelectedPairChanged
)

// Event is an informational notification drained via PollEvent.
type Event struct {
	Kind   EventKind
	State  ConnectionState
	Local  Candidate
	Remote Candidate
}

// Config configures an Agent. Zero values fall back to the package
// defaults.
type Config struct {
	// Role determines controlling vs controlled behavior. Required.
	Role Role

	// Local overrides the generated local credentials.
	Local *Credentials

	// CheckRTO is the initial connectivity-check retransmission timeout.
	CheckRTO time.Duration

	// MaxCheckRTO bounds the exponential backoff.
	MaxCheckRTO time.Duration

	// MaxCheckAttempts caps binding requests per pair.
	MaxCheckAttempts int

	// KeepaliveInterval is the keepalive period on the selected pair.
	KeepaliveInterval time.Duration

	// KeepaliveMissLimit demotes the selected pair after this many
	// consecutive unanswered keepalives.
	KeepaliveMissLimit int

	// MaxPairs caps the check list.
	MaxPairs int

	// MaxInFlight caps concurrently outstanding checks.
	MaxInFlight int

	// Tiebreaker is the role-conflict tiebreaker value; random when zero.
	Tiebreaker uint64

	// LoggerFactory provides the agent logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.CheckRTO == 0 {
		c.CheckRTO = DefaultCheckRTO
	}
	if c.MaxCheckRTO == 0 {
		c.MaxCheckRTO = DefaultMaxCheckRTO
	}
	if c.MaxCheckAttempts == 0 {
		c.MaxCheckAttempts = DefaultMaxCheckAttempts
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveMissLimit == 0 {
		c.KeepaliveMissLimit = DefaultKeepaliveMissLimit
	}
	if c.MaxPairs == 0 {
		c.MaxPairs = DefaultMaxPairs
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Agent is a sans-IO ICE agent. It is not safe for concurrent use; the host
// serializes all calls, typically through the session engine.
type Agent struct {
	cfg  Config
	log  logging.LeveledLogger
	role Role

	local      Credentials
	remote     *Credentials
	tiebreaker uint64

	state ConnectionState

	localCandidates  []Candidate
	remoteCandidates []Candidate
	pairs            []*Pair
	pairSeq          int
	selected         *Pair

	// Addresses unlocked by an authenticated STUN exchange. Only datagrams
	// from verified addresses may reach DTLS/RTP.
	verified map[netip.AddrPort]struct{}

	// Keepalive transaction on the selected pair.
	keepaliveTxn     [transactionIDSize]byte
	keepaliveOut     bool
	keepaliveSentAt  time.Time
	keepaliveMisses  int
	nextKeepaliveAt  time.Time
	localEndOfCands  bool
	remoteEndOfCands bool

	rtt RTTEstimator

	transmits []Transmit
	events    []Event

	closed bool
}

// NewAgent creates an agent. Local credentials are generated unless
// provided.
func NewAgent(cfg Config) (*Agent, error) {
	cfg.applyDefaults()

	a := &Agent{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("ice"),
		role:     cfg.Role,
		state:    ConnectionNew,
		verified: make(map[netip.AddrPort]struct{}),
	}

	if cfg.Local != nil {
		a.local = *cfg.Local
	} else {
		ufrag, err := randutil.GenerateCryptoRandomString(ufragLen, credentialRunes)
		if err != nil {
			return nil, fmt.Errorf("ice: generate ufrag: %w", err)
		}
		pwd, err := randutil.GenerateCryptoRandomString(pwdLen, credentialRunes)
		if err != nil {
			return nil, fmt.Errorf("ice: generate pwd: %w", err)
		}
		a.local = Credentials{UFrag: ufrag, Pwd: pwd}
	}

	a.tiebreaker = cfg.Tiebreaker
	if a.tiebreaker == 0 {
		var b [8]byte
		if _, err := crand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("ice: generate tiebreaker: %w", err)
		}
		a.tiebreaker = binary.BigEndian.Uint64(b[:])
	}

	a.log.Debugf("agent created, role=%s ufrag=%s", a.role, a.local.UFrag)
	return a, nil
}

// LocalCredentials returns the agent's ufrag/password.
func (a *Agent) LocalCredentials() Credentials { return a.local }

// Role returns the agent's current role. It can change once on a detected
// role conflict.
func (a *Agent) Role() Role { return a.role }

// State returns the aggregate connection state.
func (a *Agent) State() ConnectionState { return a.state }

// RTT returns the keepalive round-trip estimator for the selected path.
func (a *Agent) RTT() *RTTEstimator { return &a.rtt }

// SetRemoteCredentials installs the peer's ufrag/password from negotiation.
func (a *Agent) SetRemoteCredentials(c Credentials) error {
	if a.closed {
		return ErrClosed
	}
	if c.UFrag == "" || c.Pwd == "" {
		return ErrNoRemoteCredentials
	}
	a.remote = &c
	a.log.Debugf("remote credentials set, ufrag=%s", c.UFrag)
	return nil
}

// RemoteCredentialsKnown reports whether checks can be driven.
func (a *Agent) RemoteCredentialsKnown() bool { return a.remote != nil }

// AddLocalCandidate adds a host-supplied local candidate and pairs it with
// every known remote candidate.
func (a *Agent) AddLocalCandidate(c Candidate) {
	if a.closed || a.localEndOfCands {
		return
	}
	a.addCandidate(c, true)
}

// AddRemoteCandidate adds a peer-signaled remote candidate and pairs it
// with every known local candidate.
func (a *Agent) AddRemoteCandidate(c Candidate) {
	if a.closed || a.remoteEndOfCands {
		return
	}
	a.addCandidate(c, false)
}

// SetLocalEndOfCandidates marks that no further local candidates will come.
func (a *Agent) SetLocalEndOfCandidates() { a.localEndOfCands = true }

// SetRemoteEndOfCandidates marks that no further remote candidates will
// come. Checking can complete once the list drains.
func (a *Agent) SetRemoteEndOfCandidates() { a.remoteEndOfCands = true }

func (a *Agent) addCandidate(c Candidate, local bool) {
	if c.Component == 0 {
		c.Component = 1
	}

	own, other := &a.localCandidates, &a.remoteCandidates
	if !local {
		own, other = &a.remoteCandidates, &a.localCandidates
	}
	for _, existing := range *own {
		if existing.equal(c) {
			a.log.Tracef("ignoring redundant candidate: %s", c)
			return
		}
	}
	if len(a.pairs) >= a.cfg.MaxPairs {
		a.log.Debugf("ignoring candidate, check list at capacity (%d pairs)", a.cfg.MaxPairs)
		return
	}

	*own = append(*own, c)
	ownIdx := len(*own) - 1
	a.log.Debugf("added %s candidate: %s", side(local), c)

	for otherIdx := range *other {
		if local {
			a.formPair(ownIdx, otherIdx)
		} else {
			a.formPair(otherIdx, ownIdx)
		}
	}
}

func side(local bool) string {
	if local {
		return "local"
	}
	return "remote"
}

func (a *Agent) formPair(localIdx, remoteIdx int) {
	if len(a.pairs) >= a.cfg.MaxPairs {
		return
	}
	localPrio := a.localCandidates[localIdx].Priority()
	remotePrio := a.remoteCandidates[remoteIdx].Priority()

	// G is the controlling side's candidate priority, D the controlled
	// side's (RFC 8445 Section 6.1.2.3).
	g, d := localPrio, remotePrio
	if a.role == RoleControlled {
		g, d = remotePrio, localPrio
	}

	p := &Pair{
		localIdx:  localIdx,
		remoteIdx: remoteIdx,
		Priority:  PairPriority(g, d),
		State:     PairFrozen,
		seq:       a.pairSeq,
	}
	a.pairSeq++
	a.insertPair(p)
}

// insertPair keeps pairs sorted best-first.
func (a *Agent) insertPair(p *Pair) {
	i := 0
	for ; i < len(a.pairs); i++ {
		if p.better(a.pairs[i]) {
			break
		}
	}
	a.pairs = append(a.pairs, nil)
	copy(a.pairs[i+1:], a.pairs[i:])
	a.pairs[i] = p
}

// SelectedPair returns the selected pair's candidates, if one is selected.
func (a *Agent) SelectedPair() (local, remote Candidate, ok bool) {
	if a.selected == nil {
		return Candidate{}, Candidate{}, false
	}
	return a.localCandidates[a.selected.localIdx], a.remoteCandidates[a.selected.remoteIdx], true
}

// Verified reports whether an authenticated STUN exchange unlocked the
// remote address for DTLS/RTP traffic.
func (a *Agent) Verified(addr netip.AddrPort) bool {
	_, ok := a.verified[addr]
	return ok
}

// HasVerified reports whether any remote address is verified.
func (a *Agent) HasVerified() bool { return len(a.verified) > 0 }

// PollTransmit returns the next queued outbound datagram, or nil.
func (a *Agent) PollTransmit() *Transmit {
	if len(a.transmits) == 0 {
		return nil
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return &t
}

// PollEvent returns the next queued event, or nil.
func (a *Agent) PollEvent() *Event {
	if len(a.events) == 0 {
		return nil
	}
	e := a.events[0]
	a.events = a.events[1:]
	return &e
}

// Close shuts the agent down. Further calls are no-ops.
func (a *Agent) Close() {
	if a.closed {
		return
	}
	a.closed = true
	a.setState(ConnectionClosed)
}

// HandleStun processes one inbound STUN datagram received on local from
// remote. Malformed or mis-addressed messages return a non-fatal error; the
// caller drops and logs.
func (a *Agent) HandleStun(now time.Time, local, remote netip.AddrPort, raw []byte) error {
	if a.closed {
		return ErrClosed
	}

	m := new(stun.Message)
	m.Raw = append(m.Raw, raw...)
	if err := m.Decode(); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}

	switch m.Type {
	case stun.BindingRequest:
		return a.handleBindingRequest(now, local, remote, m)
	case stun.BindingSuccess:
		return a.handleBindingSuccess(now, local, remote, m)
	case stun.BindingError:
		return a.handleBindingError(m)
	default:
		return fmt.Errorf("%w: unexpected type %s", ErrMalformedMessage, m.Type)
	}
}

// handleBindingRequest authenticates and answers a connectivity check from
// the peer, discovering peer-reflexive candidates and adopting nominations
// when controlled.
func (a *Agent) handleBindingRequest(now time.Time, local, remote netip.AddrPort, m *stun.Message) error {
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return fmt.Errorf("%w: missing username", ErrMalformedMessage)
	}

	// Username is "localUfrag:remoteUfrag" from the receiver's point of
	// view: the sender addressed it to our ufrag.
	parts := strings.SplitN(string(username), ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("%w: bad username %q", ErrMalformedMessage, username)
	}
	ourUfrag, theirUfrag := parts[0], parts[1]

	if a.remote != nil && theirUfrag != a.remote.UFrag {
		// Not a fault: the packet may belong to another session.
		return ErrUnknownRemoteUsername
	}
	if ourUfrag != a.local.UFrag {
		// Addressed to us but with the wrong local fragment; suspicious.
		return fmt.Errorf("%w: got %q want %q", ErrUsernameMismatch, ourUfrag, a.local.UFrag)
	}

	// Requests to us carry integrity keyed with our password.
	if err := stun.NewShortTermIntegrity(a.local.Pwd).Check(m); err != nil {
		return fmt.Errorf("%w: %s", ErrIntegrityCheckFailed, err)
	}

	a.markVerified(remote)

	pair := a.ensurePair(local, remote, getPriority(m))

	if hasUseCandidate(m) && a.role == RoleControlled && pair != nil {
		if !pair.Nominated {
			a.log.Debugf("adopting nomination for %s", pair)
			pair.Nominated = true
		}
	}

	// A check from the peer is grounds for a triggered check of our own.
	if pair != nil && (pair.State == PairFrozen || pair.State == PairFailed) {
		pair.State = PairWaiting
		pair.attempts = 0
		pair.clearCheck()
	}

	resp, err := stun.Build(m, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.IP(remote.Addr().AsSlice()), Port: int(remote.Port())},
		stun.NewShortTermIntegrity(a.local.Pwd),
		stun.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("ice: build binding response: %w", err)
	}

	a.transmits = append(a.transmits, Transmit{From: local, To: remote, Payload: resp.Raw})
	a.log.Tracef("binding response to %s", remote)

	a.maybeSelect(now)
	a.updateCheckingState()
	return nil
}

// handleBindingSuccess tallies a response against an in-flight check or
// keepalive by transaction ID.
func (a *Agent) handleBindingSuccess(now time.Time, _, remote netip.AddrPort, m *stun.Message) error {
	if a.remote != nil {
		// Responses to our checks carry integrity keyed with the remote
		// password.
		if err := stun.NewShortTermIntegrity(a.remote.Pwd).Check(m); err != nil {
			return fmt.Errorf("%w: %s", ErrIntegrityCheckFailed, err)
		}
	}

	if a.keepaliveOut && m.TransactionID == a.keepaliveTxn {
		a.keepaliveOut = false
		a.keepaliveMisses = 0
		a.rtt.Record(now.Sub(a.keepaliveSentAt))
		a.markVerified(remote)
		return nil
	}

	for _, p := range a.pairs {
		if !p.inFlight || p.transactionID != m.TransactionID {
			continue
		}
		p.clearCheck()
		a.rtt.Record(now.Sub(p.sentAt))
		a.markVerified(remote)
		if p.State != PairSucceeded {
			p.State = PairSucceeded
			a.log.Debugf("pair validated: %s", p)
			a.pushPairEvent(EventPairValidated, p)
		}
		a.maybeSelect(now)
		a.updateCheckingState()
		return nil
	}

	return ErrUnmatchedResponse
}

func (a *Agent) handleBindingError(m *stun.Message) error {
	for _, p := range a.pairs {
		if p.inFlight && p.transactionID == m.TransactionID {
			p.clearCheck()
			a.failPair(p)
			return nil
		}
	}
	return ErrUnmatchedResponse
}

// ensurePair looks up or creates the pair for a (local, remote) address
// combination, registering an unsignaled remote as a peer-reflexive
// candidate.
func (a *Agent) ensurePair(local, remote netip.AddrPort, remotePrio uint32) *Pair {
	localIdx := -1
	for i, c := range a.localCandidates {
		if c.Addr == local {
			localIdx = i
			break
		}
	}
	if localIdx < 0 {
		// Check arrived on an address the host never registered; answer it
		// anyway but do not track a pair.
		return nil
	}

	remoteIdx := -1
	for i, c := range a.remoteCandidates {
		if c.Addr == remote {
			remoteIdx = i
			break
		}
	}
	if remoteIdx < 0 {
		c := Candidate{
			Type:      CandidatePeerReflexive,
			Addr:      remote,
			Component: 1,
		}
		if remotePrio != 0 {
			c = c.WithPriority(remotePrio)
		}
		a.log.Debugf("discovered peer-reflexive candidate: %s", c)
		a.remoteCandidates = append(a.remoteCandidates, c)
		remoteIdx = len(a.remoteCandidates) - 1
		a.formPair(localIdx, remoteIdx)
	}

	for _, p := range a.pairs {
		if p.localIdx == localIdx && p.remoteIdx == remoteIdx {
			return p
		}
	}
	return nil
}

func (a *Agent) markVerified(addr netip.AddrPort) {
	if _, ok := a.verified[addr]; !ok {
		a.verified[addr] = struct{}{}
		a.log.Tracef("new verified peer address: %s", addr)
	}
}

// Drive advances time-based behavior: unfreezing, scheduling checks,
// retransmission with exponential backoff, keepalives, and failure
// detection. The host must call it no later than NextTimeout.
func (a *Agent) Drive(now time.Time) {
	if a.closed {
		return
	}

	if a.state.shouldCheck() && a.remote != nil {
		a.unfreeze()
		a.retransmitChecks(now)
		a.scheduleChecks(now)
	}
	a.driveKeepalive(now)
	a.updateCheckingState()
}

// unfreeze moves Frozen pairs to Waiting. With a single component and a
// single check list there is no inter-list ordering to respect.
func (a *Agent) unfreeze() {
	for _, p := range a.pairs {
		if p.State == PairFrozen {
			p.State = PairWaiting
		}
	}
}

func (a *Agent) retransmitChecks(now time.Time) {
	for _, p := range a.pairs {
		if !p.inFlight || now.Before(p.nextRetry) {
			continue
		}
		if p.attempts >= a.cfg.MaxCheckAttempts {
			p.clearCheck()
			a.failPair(p)
			continue
		}
		a.sendCheck(now, p, a.shouldNominate(p))
	}
}

// scheduleChecks starts checks for Waiting pairs, best first, bounded by
// MaxInFlight.
func (a *Agent) scheduleChecks(now time.Time) {
	inFlight := 0
	for _, p := range a.pairs {
		if p.State == PairInProgress {
			inFlight++
		}
	}
	for _, p := range a.pairs {
		if inFlight >= a.cfg.MaxInFlight {
			return
		}
		if p.State != PairWaiting {
			continue
		}
		p.State = PairInProgress
		p.attempts = 0
		a.sendCheck(now, p, false)
		inFlight++
	}
}

// shouldNominate reports whether a check on this pair should carry
// USE-CANDIDATE: the controlling agent nominates its current selection.
// Retransmissions keep the flag so a lost nominating check recovers.
func (a *Agent) shouldNominate(p *Pair) bool {
	return a.role == RoleControlling && a.selected == p
}

func (a *Agent) sendCheck(now time.Time, p *Pair, nominate bool) {
	if a.remote == nil {
		return
	}

	local := a.localCandidates[p.localIdx]
	remote := a.remoteCandidates[p.remoteIdx]

	txn := stun.NewTransactionID()

	// A peer-reflexive candidate discovered by this check would have host
	// type preference with our local preference (RFC 8445 Section 7.1.1).
	prflx := Candidate{Type: CandidatePeerReflexive, Addr: local.Addr, Component: local.Component}

	setters := []stun.Setter{
		stun.NewTransactionIDSetter(txn),
		stun.BindingRequest,
		stun.NewUsername(a.remote.UFrag + ":" + a.local.UFrag),
		priorityAttr(prflx.Priority()),
		controlAttr{role: a.role, tiebreaker: a.tiebreaker},
	}
	if nominate {
		setters = append(setters, useCandidateAttr{})
	}
	setters = append(setters,
		stun.NewShortTermIntegrity(a.remote.Pwd),
		stun.Fingerprint,
	)

	m, err := stun.Build(setters...)
	if err != nil {
		a.log.Errorf("build binding request: %v", err)
		return
	}

	p.transactionID = txn
	p.inFlight = true
	p.attempts++
	p.sentAt = now
	p.nextRetry = now.Add(a.checkRTO(p.attempts))
	if nominate {
		// Regular nomination: the flag is set on the repeat check and the
		// pair counts as nominated once that check is in flight.
		p.Nominated = true
	}

	a.transmits = append(a.transmits, Transmit{From: local.Addr, To: remote.Addr, Payload: m.Raw})
	a.log.Tracef("binding request to %s (attempt %d, nominate=%t)", remote.Addr, p.attempts, nominate)
}

// checkRTO returns the retransmission timeout for the given attempt number
// (1-based): CheckRTO doubling per attempt, capped at MaxCheckRTO.
func (a *Agent) checkRTO(attempt int) time.Duration {
	rto := a.cfg.CheckRTO
	for i := 1; i < attempt; i++ {
		rto *= 2
		if rto >= a.cfg.MaxCheckRTO {
			return a.cfg.MaxCheckRTO
		}
	}
	return rto
}

func (a *Agent) driveKeepalive(now time.Time) {
	if a.selected == nil || a.remote == nil {
		return
	}
	if a.nextKeepaliveAt.IsZero() {
		a.nextKeepaliveAt = now.Add(a.cfg.KeepaliveInterval)
		return
	}
	if now.Before(a.nextKeepaliveAt) {
		return
	}

	if a.keepaliveOut {
		a.keepaliveMisses++
		a.log.Debugf("keepalive miss %d/%d", a.keepaliveMisses, a.cfg.KeepaliveMissLimit)
		if a.keepaliveMisses >= a.cfg.KeepaliveMissLimit {
			failed := a.selected
			a.keepaliveOut = false
			a.keepaliveMisses = 0
			a.failPair(failed)
			return
		}
	}

	a.sendKeepalive(now)
	a.nextKeepaliveAt = now.Add(a.cfg.KeepaliveInterval)
}

func (a *Agent) sendKeepalive(now time.Time) {
	local := a.localCandidates[a.selected.localIdx]
	remote := a.remoteCandidates[a.selected.remoteIdx]

	txn := stun.NewTransactionID()
	m, err := stun.Build(
		stun.NewTransactionIDSetter(txn),
		stun.BindingRequest,
		stun.NewUsername(a.remote.UFrag+":"+a.local.UFrag),
		priorityAttr(local.Priority()),
		controlAttr{role: a.role, tiebreaker: a.tiebreaker},
		stun.NewShortTermIntegrity(a.remote.Pwd),
		stun.Fingerprint,
	)
	if err != nil {
		a.log.Errorf("build keepalive: %v", err)
		return
	}

	a.keepaliveTxn = txn
	a.keepaliveOut = true
	a.keepaliveSentAt = now

	a.transmits = append(a.transmits, Transmit{From: local.Addr, To: remote.Addr, Payload: m.Raw})
	a.log.Tracef("keepalive to %s", remote.Addr)
}

// failPair marks a pair Failed and, if it was selected, clears selection
// and reselects among the remaining Succeeded pairs.
func (a *Agent) failPair(p *Pair) {
	if p.State == PairFailed {
		return
	}
	p.State = PairFailed
	p.Nominated = false
	a.log.Debugf("pair failed: %s", p)
	a.pushPairEvent(EventPairFailed, p)

	if a.selected == p {
		a.selected = nil
		a.nextKeepaliveAt = time.Time{}
		a.keepaliveOut = false
		a.keepaliveMisses = 0
		a.maybeSelect(time.Time{})
		if a.selected == nil {
			// A pair validated before, so the path may come back or new
			// candidates may arrive. Failed is reserved for agents that
			// never validated; the host's session timeout decides when a
			// Disconnected agent gives up.
			a.setState(ConnectionDisconnected)
		}
	}
	a.updateCheckingState()
}

// maybeSelect keeps the selected pair equal to the highest-priority
// Succeeded pair. Selection only changes when a better pair validates or
// the selected pair fails; the controlled side prefers nominated pairs.
func (a *Agent) maybeSelect(now time.Time) {
	var best *Pair
	for _, p := range a.pairs {
		if p.State != PairSucceeded {
			continue
		}
		if a.role == RoleControlled && best != nil && best.Nominated && !p.Nominated {
			continue
		}
		if best == nil || p.better(best) || (a.role == RoleControlled && p.Nominated && !best.Nominated) {
			best = p
		}
	}
	if best == nil || best == a.selected {
		return
	}

	a.selected = best
	a.keepaliveOut = false
	a.keepaliveMisses = 0
	if !now.IsZero() {
		a.nextKeepaliveAt = now.Add(a.cfg.KeepaliveInterval)
	} else {
		a.nextKeepaliveAt = time.Time{}
	}
	a.log.Infof("selected pair: %s", best)
	a.pushPairEvent(EventSelectedPairChanged, best)

	// The controlling agent nominates its selection on the next check.
	if a.role == RoleControlling && !best.Nominated && !now.IsZero() {
		a.sendCheck(now, best, true)
	}
}

// updateCheckingState recomputes the aggregate state from the pair states.
func (a *Agent) updateCheckingState() {
	if a.closed || a.state == ConnectionFailed {
		return
	}

	anySucceeded := false
	anyPending := false
	for _, p := range a.pairs {
		switch p.State {
		case PairSucceeded:
			anySucceeded = true
		case PairFrozen, PairWaiting, PairInProgress:
			anyPending = true
		}
	}

	switch {
	case anySucceeded && a.selected != nil && !anyPending && a.remoteEndOfCands:
		a.setState(ConnectionCompleted)
	case anySucceeded && a.selected != nil:
		a.setState(ConnectionConnected)
	case a.state == ConnectionDisconnected:
		// Hold Disconnected until a pair validates again. Candidates added
		// while disconnected form fresh pairs and re-enter checking above.
	case anyPending:
		if a.state == ConnectionNew {
			a.setState(ConnectionChecking)
		}
	case len(a.pairs) > 0 && !anySucceeded:
		a.setState(ConnectionFailed)
	}
}

func (a *Agent) setState(s ConnectionState) {
	if s == a.state {
		return
	}
	a.log.Infof("connection state: %s -> %s", a.state, s)
	a.state = s
	a.events = append(a.events, Event{Kind: EventStateChange, State: s})
}

func (a *Agent) pushPairEvent(kind EventKind, p *Pair) {
	a.events = append(a.events, Event{
		Kind:   kind,
		State:  a.state,
		Local:  a.localCandidates[p.localIdx],
		Remote: a.remoteCandidates[p.remoteIdx],
	})
}

// NextTimeout returns the next time Drive must run: the earliest pending
// check retransmission or the next keepalive. The zero time means no timer
// is armed.
func (a *Agent) NextTimeout(now time.Time) time.Time {
	if a.closed {
		return time.Time{}
	}
	var next time.Time

	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for _, p := range a.pairs {
		if p.inFlight {
			consider(p.nextRetry)
		}
		if p.State == PairWaiting {
			// A waiting pair wants scheduling now.
			consider(now)
		}
	}
	if a.selected != nil {
		if a.nextKeepaliveAt.IsZero() {
			consider(now)
		} else {
			consider(a.nextKeepaliveAt)
		}
	}
	return next
}
