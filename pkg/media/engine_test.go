package media

import (
	"bytes"
	"testing"
	"time"

	"github.com/pion/rtcp"

	"github.com/strobe-rtc/strobe/pkg/bwe"
)

const testSSRC = 0x1111

// fastBandwidth keeps pacing out of the way for tests not about pacing.
var fastBandwidth = bwe.Config{
	InitialRate: 10_000_000,
	MinRate:     10_000_000,
	MaxRate:     10_000_000,
}

func newTestEngine(t *testing.T, bw bwe.Config) *Engine {
	t.Helper()
	return NewEngine(Config{
		ClockRates: map[uint8]uint32{96: 90000},
		Bandwidth:  bw,
	})
}

// sendPackets pushes n small payloads through a fresh send stream and
// drains the marshaled packets.
func sendPackets(t *testing.T, e *Engine, n int, now time.Time) [][]byte {
	t.Helper()
	if _, err := e.AddSendStream(SendStreamConfig{SSRC: testSSRC, PayloadType: 96, ClockRate: 90000}); err != nil {
		t.Fatalf("AddSendStream: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := e.Send(testSSRC, []byte{byte(i), 0xAA}, 3000, false, now); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	var out [][]byte
	for {
		data := e.PollPacket()
		if data == nil {
			break
		}
		out = append(out, data)
	}
	if len(out) != n {
		t.Fatalf("expected %d packets out, got %d", n, len(out))
	}
	return out
}

func TestSendUnknownStream(t *testing.T) {
	e := newTestEngine(t, fastBandwidth)
	if err := e.Send(99, []byte{1}, 0, false, time.Unix(100, 0)); err == nil {
		t.Fatal("expected error for unknown stream")
	}
}

func TestDuplicateSendStream(t *testing.T) {
	e := newTestEngine(t, fastBandwidth)
	cfg := SendStreamConfig{SSRC: testSSRC, PayloadType: 96, ClockRate: 90000}
	if _, err := e.AddSendStream(cfg); err != nil {
		t.Fatalf("AddSendStream: %v", err)
	}
	if _, err := e.AddSendStream(cfg); err == nil {
		t.Fatal("expected duplicate SSRC to be rejected")
	}
}

func TestRemoveSendStream(t *testing.T) {
	e := newTestEngine(t, fastBandwidth)
	cfg := SendStreamConfig{SSRC: testSSRC, PayloadType: 96, ClockRate: 90000}
	if _, err := e.AddSendStream(cfg); err != nil {
		t.Fatalf("AddSendStream: %v", err)
	}
	if err := e.RemoveSendStream(testSSRC); err != nil {
		t.Fatalf("RemoveSendStream: %v", err)
	}
	if err := e.Send(testSSRC, []byte{1}, 0, false, time.Unix(100, 0)); err == nil {
		t.Fatal("expected error after stream removal")
	}
	if err := e.RemoveSendStream(testSSRC); err == nil {
		t.Fatal("expected error removing unknown stream")
	}
}

func TestMediaDeliveredInOrder(t *testing.T) {
	now := time.Unix(100, 0)
	sender := newTestEngine(t, fastBandwidth)
	receiver := newTestEngine(t, fastBandwidth)

	pkts := sendPackets(t, sender, 5, now)
	for _, data := range pkts {
		if err := receiver.HandleRTP(data, now); err != nil {
			t.Fatalf("HandleRTP: %v", err)
		}
	}
	receiver.Drive(now.Add(DefaultReorderHorizon))
	for i := 0; i < 5; i++ {
		ev := receiver.PollEvent()
		if ev == nil {
			t.Fatalf("missing event %d", i)
		}
		if ev.Kind != EventMediaReceived || ev.SSRC != testSSRC || ev.PayloadType != 96 {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Payload[0] != byte(i) {
			t.Fatalf("out of order: expected payload %d, got %d", i, ev.Payload[0])
		}
	}
	if receiver.PollEvent() != nil {
		t.Fatal("spurious extra event")
	}
}

// TestStartOfStreamReordering feeds a shuffled burst as the very first
// packets of a stream; everything inside the horizon must come out in
// sequence order, including packets preceding the first one seen.
func TestStartOfStreamReordering(t *testing.T) {
	now := time.Unix(100, 0)
	sender := newTestEngine(t, fastBandwidth)
	receiver := newTestEngine(t, fastBandwidth)

	pkts := sendPackets(t, sender, 5, now)
	for _, i := range []int{3, 1, 2, 4, 0} {
		if err := receiver.HandleRTP(pkts[i], now); err != nil {
			t.Fatalf("HandleRTP: %v", err)
		}
	}
	receiver.Drive(now.Add(DefaultReorderHorizon))
	for i := 0; i < 5; i++ {
		ev := receiver.PollEvent()
		if ev == nil {
			t.Fatalf("missing event %d", i)
		}
		if ev.Payload[0] != byte(i) {
			t.Fatalf("out of order: expected payload %d, got %d", i, ev.Payload[0])
		}
	}

	// Every packet was first-seen; none may count as lost.
	st := receiver.Stats()
	if len(st.Recv) != 1 {
		t.Fatalf("expected one recv stream, got %d", len(st.Recv))
	}
	if st.Recv[0].PacketsReceived != 5 || st.Recv[0].PacketsLost != 0 {
		t.Fatalf("unexpected stats %+v", st.Recv[0])
	}
}

func TestNackTriggersVerbatimRetransmission(t *testing.T) {
	now := time.Unix(100, 0)
	sender := newTestEngine(t, fastBandwidth)
	receiver := newTestEngine(t, fastBandwidth)

	pkts := sendPackets(t, sender, 5, now)
	for i, data := range pkts {
		if i == 2 {
			continue // lost on the wire
		}
		if err := receiver.HandleRTP(data, now); err != nil {
			t.Fatalf("HandleRTP: %v", err)
		}
	}

	receiver.Drive(now)
	receiver.Drive(now.Add(60 * time.Millisecond))
	feedback := receiver.PollReport()
	if feedback == nil {
		t.Fatal("expected a NACK report")
	}

	if err := sender.HandleRTCP(feedback, now.Add(60*time.Millisecond)); err != nil {
		t.Fatalf("HandleRTCP: %v", err)
	}
	rtx := sender.PollPacket()
	if rtx == nil {
		t.Fatal("expected a retransmission")
	}
	if !bytes.Equal(rtx, pkts[2]) {
		t.Fatal("retransmission is not the original packet verbatim")
	}
	if sender.PollPacket() != nil {
		t.Fatal("expected exactly one retransmission")
	}
}

func TestNackAbandonedAfterRetries(t *testing.T) {
	now := time.Unix(100, 0)
	sender := newTestEngine(t, fastBandwidth)
	receiver := newTestEngine(t, fastBandwidth)

	pkts := sendPackets(t, sender, 3, now)
	receiver.HandleRTP(pkts[0], now)
	receiver.HandleRTP(pkts[2], now)

	receiver.Drive(now)
	reports := 0
	for i := 1; i <= 6; i++ {
		receiver.Drive(now.Add(time.Duration(i) * 60 * time.Millisecond))
		if receiver.PollReport() != nil {
			reports++
		}
	}
	if reports != DefaultMaxNackRetries {
		t.Fatalf("expected %d NACK passes, got %d", DefaultMaxNackRetries, reports)
	}
}

func TestPeriodicReceiverReport(t *testing.T) {
	now := time.Unix(100, 0)
	sender := newTestEngine(t, fastBandwidth)
	receiver := newTestEngine(t, fastBandwidth)

	for _, data := range sendPackets(t, sender, 4, now) {
		receiver.HandleRTP(data, now)
	}
	receiver.Drive(now)
	receiver.Drive(now.Add(1100 * time.Millisecond))
	data := receiver.PollReport()
	if data == nil {
		t.Fatal("expected a periodic report")
	}

	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	var sawRR, sawREMB bool
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			sawRR = true
			if len(p.Reports) != 1 || p.Reports[0].SSRC != testSSRC {
				t.Fatalf("unexpected reception reports %+v", p.Reports)
			}
			if p.Reports[0].TotalLost != 0 {
				t.Fatalf("expected zero loss, got %d", p.Reports[0].TotalLost)
			}
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			sawREMB = true
		}
	}
	if !sawRR || !sawREMB {
		t.Fatalf("compound report missing RR or REMB (rr=%v remb=%v)", sawRR, sawREMB)
	}
}

func TestReceptionFeedbackGrowsEstimate(t *testing.T) {
	now := time.Unix(100, 0)
	sender := newTestEngine(t, bwe.Config{InitialRate: 300_000})
	receiver := newTestEngine(t, fastBandwidth)

	for _, data := range sendPackets(t, sender, 4, now) {
		receiver.HandleRTP(data, now)
	}
	receiver.Drive(now)
	receiver.Drive(now.Add(1100 * time.Millisecond))
	feedback := receiver.PollReport()
	if feedback == nil {
		t.Fatal("expected a report")
	}
	if err := sender.HandleRTCP(feedback, now.Add(1100*time.Millisecond)); err != nil {
		t.Fatalf("HandleRTCP: %v", err)
	}
	if rate := sender.Stats().SendRate; rate <= 300_000 {
		t.Fatalf("estimate did not grow under zero loss: %d", rate)
	}
}

func TestPacingBoundsQueue(t *testing.T) {
	now := time.Unix(100, 0)
	e := NewEngine(Config{
		PacingQueueCap: 4,
		Bandwidth:      bwe.Config{InitialRate: 8000, MinRate: 8000, MaxRate: 8000},
	})
	if _, err := e.AddSendStream(SendStreamConfig{SSRC: testSSRC, PayloadType: 96, ClockRate: 90000}); err != nil {
		t.Fatalf("AddSendStream: %v", err)
	}
	payload := make([]byte, 400)
	for i := 0; i < 20; i++ {
		if err := e.Send(testSSRC, payload, 3000, false, now); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	sent := 0
	for e.PollPacket() != nil {
		sent++
	}
	// A 412-byte packet against a 1500-byte initial burst allows three
	// immediate sends; the four-deep queue then drops the rest.
	if sent != 3 {
		t.Fatalf("expected 3 paced packets, got %d", sent)
	}
	if dropped := e.Stats().PacketsDropped; dropped != 13 {
		t.Fatalf("expected 13 drops, got %d", dropped)
	}

	e.Drive(now.Add(10 * time.Second))
	more := 0
	for e.PollPacket() != nil {
		more++
	}
	if more == 0 {
		t.Fatal("queued packets never released after budget accrued")
	}
}

func TestStatsCountLoss(t *testing.T) {
	now := time.Unix(100, 0)
	sender := newTestEngine(t, fastBandwidth)
	receiver := newTestEngine(t, fastBandwidth)

	pkts := sendPackets(t, sender, 5, now)
	for i, data := range pkts {
		if i == 1 {
			continue
		}
		receiver.HandleRTP(data, now)
	}
	st := receiver.Stats()
	if len(st.Recv) != 1 {
		t.Fatalf("expected one recv stream, got %d", len(st.Recv))
	}
	if st.Recv[0].PacketsReceived != 4 || st.Recv[0].PacketsLost != 1 {
		t.Fatalf("unexpected stats %+v", st.Recv[0])
	}
}
