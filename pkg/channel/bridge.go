// Package channel bridges decrypted application datagrams into an SCTP
// association carrying data channels.
//
// The Bridge keeps the session engine's feed/drain surface: the host pushes
// datagrams with HandleInbound and drains outbound ones with PollTransmit.
// The blocking SCTP and DCEP engines run in goroutines owned by the bridge;
// their results surface as polled events.
package channel

import (
	"net"
	"sync"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/logging"
	"github.com/pion/sctp"
	"github.com/pion/transport/v3/packetio"
)

// EventKind discriminates bridge events.
type EventKind int

const (
	// EventChannelOpened reports a channel ready for use, either locally
	// opened or announced by the peer.
	EventChannelOpened EventKind = iota

	// EventMessageReceived carries one inbound channel message.
	EventMessageReceived

	// EventChannelClosed reports a channel torn down.
	EventChannelClosed

	// EventAssociationFailed reports that the SCTP association could not
	// be established or was lost.
	EventAssociationFailed
)

// Event is delivered to the host via PollEvent.
type Event struct {
	Kind    EventKind
	Channel *Channel
	Label   string
	Data    []byte

	// Binary is false for text messages.
	Binary bool

	Err error
}

// Config configures the bridge.
type Config struct {
	// LoggerFactory provides the bridge logger.
	LoggerFactory logging.LoggerFactory
}

// Bridge runs one SCTP association over the session's encrypted transport.
type Bridge struct {
	mu  sync.Mutex
	log logging.LeveledLogger
	lf  logging.LoggerFactory

	started bool
	closed  bool

	inbound  *packetio.Buffer
	outbound [][]byte
	events   []Event

	assoc *sctp.Association
	ready chan struct{}

	// nextStreamID follows RFC 8832: the DTLS client uses even stream
	// identifiers, the server odd ones.
	nextStreamID uint16
}

// NewBridge creates an idle bridge.
func NewBridge(cfg Config) *Bridge {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Bridge{
		log:     lf.NewLogger("channel"),
		lf:      lf,
		inbound: packetio.NewBuffer(),
		ready:   make(chan struct{}),
	}
}

// Start establishes the association. client states whether the local side
// was the DTLS client. Start returns immediately; establishment progresses
// as datagrams are pumped.
func (b *Bridge) Start(client bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}
	b.started = true
	if !client {
		b.nextStreamID = 1
	}
	go b.run(client)
	return nil
}

func (b *Bridge) run(client bool) {
	cfg := sctp.Config{
		NetConn:       &bridgeConn{bridge: b},
		LoggerFactory: b.lf,
	}
	var (
		assoc *sctp.Association
		err   error
	)
	if client {
		assoc, err = sctp.Client(cfg)
	} else {
		assoc, err = sctp.Server(cfg)
	}
	if err != nil {
		b.log.Warnf("association failed: %v", err)
		b.pushEvent(Event{Kind: EventAssociationFailed, Err: err})
		close(b.ready)
		return
	}

	b.mu.Lock()
	b.assoc = assoc
	closed := b.closed
	b.mu.Unlock()
	close(b.ready)
	if closed {
		assoc.Close()
		return
	}
	b.log.Debugf("association established")

	for {
		dc, err := datachannel.Accept(assoc, &datachannel.Config{
			LoggerFactory: b.lf,
		})
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				b.pushEvent(Event{Kind: EventAssociationFailed, Err: err})
			}
			return
		}
		b.adopt(dc, dc.Config.Label)
	}
}

// Open creates a channel with the given label. The channel is announced
// through an EventChannelOpened event once the DCEP exchange completes.
func (b *Bridge) Open(label string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	id := b.nextStreamID
	b.nextStreamID += 2
	b.mu.Unlock()

	go func() {
		<-b.ready
		b.mu.Lock()
		assoc := b.assoc
		b.mu.Unlock()
		if assoc == nil {
			return
		}
		dc, err := datachannel.Dial(assoc, id, &datachannel.Config{
			ChannelType:   datachannel.ChannelTypeReliable,
			Label:         label,
			LoggerFactory: b.lf,
		})
		if err != nil {
			b.log.Warnf("open %q: %v", label, err)
			b.pushEvent(Event{Kind: EventAssociationFailed, Err: err})
			return
		}
		b.adopt(dc, label)
	}()
	return nil
}

// adopt wraps an established data channel and starts its read pump.
func (b *Bridge) adopt(dc *datachannel.DataChannel, label string) {
	ch := &Channel{bridge: b, dc: dc, label: label}
	b.pushEvent(Event{Kind: EventChannelOpened, Channel: ch, Label: label})
	go ch.readLoop()
}

// HandleInbound feeds one decrypted application datagram into the
// association.
func (b *Bridge) HandleInbound(data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := b.inbound.Write(data)
	return err
}

// PollTransmit returns the next datagram to encrypt and send, or nil.
func (b *Bridge) PollTransmit() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outbound) == 0 {
		return nil
	}
	data := b.outbound[0]
	b.outbound = b.outbound[1:]
	return data
}

// PollEvent returns the next pending event, or nil.
func (b *Bridge) PollEvent() *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	ev := b.events[0]
	b.events = b.events[1:]
	return &ev
}

// Close tears the association down. Close is idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	assoc := b.assoc
	b.mu.Unlock()

	// The association's read loop blocks on the inbound buffer, and
	// assoc.Close waits for that loop to exit. Close the buffer first so
	// the loop unblocks and shutdown cannot wedge.
	err := b.inbound.Close()
	if assoc != nil {
		assoc.Close()
	}
	return err
}

func (b *Bridge) pushEvent(ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

// Channel is one open data channel.
type Channel struct {
	bridge *Bridge
	dc     *datachannel.DataChannel
	label  string
}

// Label returns the channel's DCEP label.
func (c *Channel) Label() string { return c.label }

// Send writes one message. binary selects the SCTP payload protocol
// identifier; text messages must be valid UTF-8 by convention.
func (c *Channel) Send(data []byte, binary bool) error {
	_, err := c.dc.WriteDataChannel(data, !binary)
	return err
}

// Close closes this channel only; the association stays up.
func (c *Channel) Close() error {
	return c.dc.Close()
}

func (c *Channel) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, isString, err := c.dc.ReadDataChannel(buf)
		if err != nil {
			c.bridge.pushEvent(Event{Kind: EventChannelClosed, Channel: c, Label: c.label})
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.bridge.pushEvent(Event{
			Kind:    EventMessageReceived,
			Channel: c,
			Label:   c.label,
			Data:    data,
			Binary:  !isString,
		})
	}
}

// bridgeConn adapts the bridge's datagram queues to the net.Conn the SCTP
// engine expects.
type bridgeConn struct {
	bridge *Bridge
}

func (c *bridgeConn) Read(p []byte) (int, error) {
	return c.bridge.inbound.Read(p)
}

func (c *bridgeConn) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	c.bridge.mu.Lock()
	defer c.bridge.mu.Unlock()
	if c.bridge.closed {
		return 0, ErrClosed
	}
	c.bridge.outbound = append(c.bridge.outbound, data)
	return len(p), nil
}

func (c *bridgeConn) Close() error         { return nil }
func (c *bridgeConn) LocalAddr() net.Addr  { return bridgeAddr{} }
func (c *bridgeConn) RemoteAddr() net.Addr { return bridgeAddr{} }

func (c *bridgeConn) SetDeadline(t time.Time) error {
	return c.bridge.inbound.SetReadDeadline(t)
}
func (c *bridgeConn) SetReadDeadline(t time.Time) error {
	return c.bridge.inbound.SetReadDeadline(t)
}
func (c *bridgeConn) SetWriteDeadline(time.Time) error { return nil }

type bridgeAddr struct{}

func (bridgeAddr) Network() string { return "sctp" }
func (bridgeAddr) String() string  { return "channel-bridge" }
