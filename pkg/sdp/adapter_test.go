package sdp

import (
	"errors"
	"testing"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	in := &Description{
		ICE:         Credentials{Ufrag: "abcd1234", Pwd: "passwordpasswordpassword"},
		Fingerprint: "AB:CD:EF:01",
		Setup:       SetupActPass,
		Media: []Media{
			{
				Kind:      KindAudio,
				MID:       "0",
				Direction: DirectionSendRecv,
				Codecs: []Codec{
					{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2, Parameters: "minptime=10"},
					{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
				},
				SSRCs: []uint32{0xDEADBEEF},
			},
			{Kind: KindApplication, MID: "1"},
		},
	}

	raw, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if out.ICE != in.ICE {
		t.Fatalf("credentials changed: %+v", out.ICE)
	}
	if out.Fingerprint != in.Fingerprint {
		t.Fatalf("fingerprint changed: %q", out.Fingerprint)
	}
	if out.Setup != SetupActPass {
		t.Fatalf("setup changed: %v", out.Setup)
	}
	if len(out.Media) != 2 {
		t.Fatalf("expected 2 media lines, got %d", len(out.Media))
	}

	audio := out.Media[0]
	if audio.Kind != KindAudio || audio.MID != "0" || audio.Direction != DirectionSendRecv {
		t.Fatalf("audio line changed: %+v", audio)
	}
	if len(audio.Codecs) != 2 {
		t.Fatalf("expected 2 codecs, got %+v", audio.Codecs)
	}
	if c := audio.Codecs[0]; c.Name != "opus" || c.ClockRate != 48000 || c.Channels != 2 || c.Parameters != "minptime=10" {
		t.Fatalf("opus line changed: %+v", c)
	}
	if len(audio.SSRCs) != 1 || audio.SSRCs[0] != 0xDEADBEEF {
		t.Fatalf("ssrcs changed: %v", audio.SSRCs)
	}

	if out.Media[1].Kind != KindApplication || out.Media[1].MID != "1" {
		t.Fatalf("application line changed: %+v", out.Media[1])
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not an sdp")); !errors.Is(err, ErrMalformedDescription) {
		t.Fatalf("expected ErrMalformedDescription, got %v", err)
	}
}

func TestParseDirectionAttributes(t *testing.T) {
	in := &Description{
		ICE:   Credentials{Ufrag: "abcd1234", Pwd: "passwordpasswordpassword"},
		Setup: SetupActive,
		Media: []Media{{Kind: KindVideo, MID: "v", Direction: DirectionRecvOnly,
			Codecs: []Codec{{PayloadType: 96, Name: "VP8", ClockRate: 90000}}}},
	}
	raw, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out.Setup != SetupActive {
		t.Fatalf("expected active setup, got %v", out.Setup)
	}
	if out.Media[0].Direction != DirectionRecvOnly {
		t.Fatalf("expected recvonly, got %v", out.Media[0].Direction)
	}
}
