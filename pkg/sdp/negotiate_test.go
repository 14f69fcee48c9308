package sdp

import (
	"errors"
	"testing"
)

func validCreds(tag string) Credentials {
	return Credentials{
		Ufrag: tag + "frag",
		Pwd:   tag + "passwordpasswordpassword",
	}
}

func audioLine(dir Direction, codecs ...Codec) Media {
	return Media{Kind: KindAudio, MID: "0", Direction: dir, Codecs: codecs}
}

var (
	pcmu = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	opus = Codec{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2}
)

func TestNegotiateCommonCodec(t *testing.T) {
	local := &Description{
		ICE:   validCreds("loc"),
		Media: []Media{audioLine(DirectionSendRecv, pcmu, opus)},
	}
	remote := &Description{
		ICE:         validCreds("rem"),
		Fingerprint: "AA:BB",
		Media:       []Media{audioLine(DirectionSendRecv, opus)},
	}

	a, err := Negotiate(local, remote, true)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if len(a.Media) != 1 || a.Media[0].Rejected {
		t.Fatalf("unexpected media %+v", a.Media)
	}
	if len(a.Media[0].Codecs) != 1 || a.Media[0].Codecs[0].PayloadType != 111 {
		t.Fatalf("expected opus from the offer, got %+v", a.Media[0].Codecs)
	}
	if a.RemoteFingerprint != "AA:BB" {
		t.Fatalf("fingerprint not carried: %q", a.RemoteFingerprint)
	}
}

func TestNegotiateDirections(t *testing.T) {
	cases := []struct {
		local, remote, want Direction
	}{
		{DirectionSendRecv, DirectionSendRecv, DirectionSendRecv},
		{DirectionSendOnly, DirectionRecvOnly, DirectionSendOnly},
		{DirectionRecvOnly, DirectionSendOnly, DirectionRecvOnly},
		{DirectionSendOnly, DirectionSendOnly, DirectionInactive},
		{DirectionSendRecv, DirectionRecvOnly, DirectionSendOnly},
	}
	for _, tc := range cases {
		local := &Description{ICE: validCreds("loc"), Media: []Media{audioLine(tc.local, pcmu)}}
		remote := &Description{ICE: validCreds("rem"), Media: []Media{audioLine(tc.remote, pcmu)}}
		a, err := Negotiate(local, remote, true)
		if err != nil {
			t.Fatalf("Negotiate(%s, %s): %v", tc.local, tc.remote, err)
		}
		if got := a.Media[0].Direction; got != tc.want {
			t.Errorf("local %s remote %s: expected %s, got %s", tc.local, tc.remote, tc.want, got)
		}
	}
}

func TestDTLSRoleResolution(t *testing.T) {
	cases := []struct {
		local, remote Setup
		offerer       bool
		want          DTLSRole
	}{
		{SetupActPass, SetupActPass, true, DTLSRoleServer},
		{SetupActPass, SetupActPass, false, DTLSRoleClient},
		{SetupActive, SetupActPass, false, DTLSRoleClient},
		{SetupPassive, SetupActPass, false, DTLSRoleServer},
		{SetupActPass, SetupActive, true, DTLSRoleServer},
		{SetupActPass, SetupPassive, true, DTLSRoleClient},
	}
	for i, tc := range cases {
		local := &Description{ICE: validCreds("loc"), Setup: tc.local, Media: []Media{audioLine(DirectionSendRecv, pcmu)}}
		remote := &Description{ICE: validCreds("rem"), Setup: tc.remote, Media: []Media{audioLine(DirectionSendRecv, pcmu)}}
		a, err := Negotiate(local, remote, tc.offerer)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if a.DTLSRole != tc.want {
			t.Errorf("case %d: expected role %v, got %v", i, tc.want, a.DTLSRole)
		}
	}
}

func TestRejectedLineDoesNotFailSession(t *testing.T) {
	local := &Description{
		ICE: validCreds("loc"),
		Media: []Media{
			audioLine(DirectionSendRecv, pcmu),
			{Kind: KindVideo, MID: "1", Codecs: []Codec{{PayloadType: 96, Name: "VP8", ClockRate: 90000}}},
		},
	}
	remote := &Description{
		ICE: validCreds("rem"),
		Media: []Media{
			audioLine(DirectionSendRecv, pcmu),
			{Kind: KindVideo, MID: "1", Codecs: []Codec{{PayloadType: 97, Name: "H264", ClockRate: 90000}}},
		},
	}
	a, err := Negotiate(local, remote, true)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if a.Media[0].Rejected || !a.Media[1].Rejected {
		t.Fatalf("unexpected rejection pattern %+v", a.Media)
	}
}

func TestAllLinesIncompatible(t *testing.T) {
	local := &Description{ICE: validCreds("loc"), Media: []Media{audioLine(DirectionSendRecv, pcmu)}}
	remote := &Description{ICE: validCreds("rem"), Media: []Media{audioLine(DirectionSendRecv, opus)}}
	if _, err := Negotiate(local, remote, true); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got %v", err)
	}
}

func TestKindMismatchRejectsLine(t *testing.T) {
	local := &Description{ICE: validCreds("loc"), Media: []Media{audioLine(DirectionSendRecv, pcmu)}}
	remote := &Description{ICE: validCreds("rem"), Media: []Media{{Kind: KindVideo, Codecs: []Codec{pcmu}}}}
	if _, err := Negotiate(local, remote, true); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got %v", err)
	}
}

func TestMalformedCredentials(t *testing.T) {
	bad := []Credentials{
		{Ufrag: "ab", Pwd: "passwordpasswordpassword"},
		{Ufrag: "abcd", Pwd: "short"},
		{Ufrag: "abc d", Pwd: "passwordpasswordpassword"},
		{Ufrag: "abcd", Pwd: "passwordpasswordpassword!"},
	}
	good := &Description{ICE: validCreds("ok"), Media: []Media{audioLine(DirectionSendRecv, pcmu)}}
	for i, creds := range bad {
		d := &Description{ICE: creds, Media: []Media{audioLine(DirectionSendRecv, pcmu)}}
		if _, err := Negotiate(d, good, true); !errors.Is(err, ErrMalformedCredentials) {
			t.Errorf("case %d: expected ErrMalformedCredentials, got %v", i, err)
		}
		if _, err := Negotiate(good, d, true); !errors.Is(err, ErrMalformedCredentials) {
			t.Errorf("case %d (remote): expected ErrMalformedCredentials, got %v", i, err)
		}
	}
}

func TestClockRates(t *testing.T) {
	a := &Agreement{Media: []AgreedMedia{
		{Codecs: []Codec{pcmu, opus}},
		{Rejected: true, Codecs: []Codec{{PayloadType: 96, ClockRate: 90000}}},
	}}
	rates := a.ClockRates()
	if rates[0] != 8000 || rates[111] != 48000 {
		t.Fatalf("unexpected rates %v", rates)
	}
	if _, ok := rates[96]; ok {
		t.Fatal("rejected line contributed a clock rate")
	}
}
