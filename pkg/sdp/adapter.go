package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// Marshal renders the structured description as textual SDP.
func Marshal(d *Description) ([]byte, error) {
	sd, err := pionsdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, err
	}
	if d.Fingerprint != "" {
		sd.WithFingerprint("sha-256", strings.ToUpper(d.Fingerprint))
	}

	for _, m := range d.Media {
		var md *pionsdp.MediaDescription
		if m.Kind == KindApplication {
			md = &pionsdp.MediaDescription{
				MediaName: pionsdp.MediaName{
					Media:   m.Kind.String(),
					Port:    pionsdp.RangedPort{Value: 9},
					Protos:  []string{"UDP", "DTLS", "SCTP"},
					Formats: []string{"webrtc-datachannel"},
				},
				ConnectionInformation: &pionsdp.ConnectionInformation{
					NetworkType: "IN",
					AddressType: "IP4",
					Address:     &pionsdp.Address{Address: "0.0.0.0"},
				},
			}
			md.WithValueAttribute("sctp-port", "5000")
		} else {
			md = pionsdp.NewJSEPMediaDescription(m.Kind.String(), nil)
			for _, c := range m.Codecs {
				md.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Parameters)
			}
			for _, ssrc := range m.SSRCs {
				md.WithMediaSource(ssrc, "strobe", "strobe", "strobe")
			}
			md.WithPropertyAttribute(m.Direction.String())
		}
		md.WithValueAttribute(pionsdp.AttrKeyConnectionSetup, d.Setup.String()).
			WithValueAttribute(pionsdp.AttrKeyMID, m.MID).
			WithICECredentials(d.ICE.Ufrag, d.ICE.Pwd).
			WithPropertyAttribute(pionsdp.AttrKeyRTCPMux)
		sd.WithMedia(md)
	}
	return sd.Marshal()
}

// Parse builds the structured form from textual SDP.
func Parse(raw []byte) (*Description, error) {
	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}

	d := &Description{Setup: SetupActPass}
	if v, ok := sessionAttr(&sd, "fingerprint"); ok {
		d.Fingerprint = parseFingerprint(v)
	}
	if v, ok := sessionAttr(&sd, "ice-ufrag"); ok {
		d.ICE.Ufrag = v
	}
	if v, ok := sessionAttr(&sd, "ice-pwd"); ok {
		d.ICE.Pwd = v
	}

	for _, md := range sd.MediaDescriptions {
		m, err := parseMedia(md)
		if err != nil {
			return nil, err
		}
		// Transport attributes may live at either level; the first
		// media line's values stand for the session.
		if v, ok := md.Attribute("ice-ufrag"); ok && d.ICE.Ufrag == "" {
			d.ICE.Ufrag = v
		}
		if v, ok := md.Attribute("ice-pwd"); ok && d.ICE.Pwd == "" {
			d.ICE.Pwd = v
		}
		if v, ok := md.Attribute("fingerprint"); ok && d.Fingerprint == "" {
			d.Fingerprint = parseFingerprint(v)
		}
		if v, ok := md.Attribute(pionsdp.AttrKeyConnectionSetup); ok {
			d.Setup = parseSetup(v)
		}
		d.Media = append(d.Media, m)
	}
	return d, nil
}

func parseMedia(md *pionsdp.MediaDescription) (Media, error) {
	m := Media{Direction: DirectionSendRecv}
	switch md.MediaName.Media {
	case "audio":
		m.Kind = KindAudio
	case "video":
		m.Kind = KindVideo
	case "application":
		m.Kind = KindApplication
	default:
		return m, fmt.Errorf("%w: media kind %q", ErrMalformedDescription, md.MediaName.Media)
	}
	if v, ok := md.Attribute(pionsdp.AttrKeyMID); ok {
		m.MID = v
	}
	for _, dir := range []Direction{DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive} {
		if _, ok := md.Attribute(dir.String()); ok {
			m.Direction = dir
			break
		}
	}
	if m.Kind != KindApplication {
		m.Codecs = parseCodecs(md)
		m.SSRCs = parseSSRCs(md)
	}
	return m, nil
}

// parseCodecs resolves each format in the m= line against its rtpmap and
// fmtp attributes. Formats without an rtpmap are skipped.
func parseCodecs(md *pionsdp.MediaDescription) []Codec {
	var codecs []Codec
	for _, format := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		c := Codec{PayloadType: uint8(pt)}
		found := false
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "rtpmap":
				if name, rate, channels, ok := parseRTPMap(attr.Value, format); ok {
					c.Name, c.ClockRate, c.Channels = name, rate, channels
					found = true
				}
			case "fmtp":
				if rest, ok := strings.CutPrefix(attr.Value, format+" "); ok {
					c.Parameters = rest
				}
			}
		}
		if found {
			codecs = append(codecs, c)
		}
	}
	return codecs
}

// parseRTPMap parses "96 opus/48000/2" style values for the given format.
func parseRTPMap(value, format string) (name string, rate uint32, channels uint16, ok bool) {
	rest, ok := strings.CutPrefix(value, format+" ")
	if !ok {
		return "", 0, 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return "", 0, 0, false
	}
	r, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, 0, false
	}
	var ch uint64
	if len(parts) > 2 {
		if ch, err = strconv.ParseUint(parts[2], 10, 16); err != nil {
			return "", 0, 0, false
		}
	}
	return parts[0], uint32(r), uint16(ch), true
}

func parseSSRCs(md *pionsdp.MediaDescription) []uint32 {
	var ssrcs []uint32
	seen := make(map[uint32]bool)
	for _, attr := range md.Attributes {
		if attr.Key != "ssrc" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil || seen[uint32(v)] {
			continue
		}
		seen[uint32(v)] = true
		ssrcs = append(ssrcs, uint32(v))
	}
	return ssrcs
}

// parseFingerprint strips the hash algorithm token, keeping only sha-256
// values.
func parseFingerprint(value string) string {
	algo, hex, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(algo, "sha-256") {
		return ""
	}
	return strings.ToUpper(hex)
}

func parseSetup(value string) Setup {
	switch value {
	case "active":
		return SetupActive
	case "passive":
		return SetupPassive
	default:
		return SetupActPass
	}
}

func sessionAttr(sd *pionsdp.SessionDescription, key string) (string, bool) {
	for _, attr := range sd.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}
