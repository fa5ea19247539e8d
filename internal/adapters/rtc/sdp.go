package rtc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/dkeye/groupcall/internal/domain"
)

var errNoCredentials = errors.New("sdp: missing ice credentials")

// attribute looks the key up on the media section first, then on the session.
func attribute(sd *sdp.SessionDescription, md *sdp.MediaDescription, key string) string {
	if md != nil {
		if v, ok := md.Attribute(key); ok {
			return v
		}
	}
	v, _ := sd.Attribute(key)
	return v
}

// offerFromSDP extracts the join payload fields from a gathered local description.
func offerFromSDP(raw string, source domain.Source) (domain.TransportOffer, *sdp.SessionDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return domain.TransportOffer{}, nil, fmt.Errorf("parse local sdp: %w", err)
	}
	var md *sdp.MediaDescription
	if len(sd.MediaDescriptions) > 0 {
		md = sd.MediaDescriptions[0]
	}
	offer := domain.TransportOffer{
		Ufrag:  attribute(&sd, md, "ice-ufrag"),
		Pwd:    attribute(&sd, md, "ice-pwd"),
		Source: source,
	}
	if offer.Ufrag == "" || offer.Pwd == "" {
		return domain.TransportOffer{}, nil, errNoCredentials
	}
	if fp := attribute(&sd, md, "fingerprint"); fp != "" {
		hash, value, _ := strings.Cut(fp, " ")
		offer.Fingerprints = append(offer.Fingerprints, domain.Fingerprint{
			Hash:        hash,
			Setup:       attribute(&sd, md, "setup"),
			Fingerprint: value,
		})
	}
	return offer, &sd, nil
}

// answerSetup picks the remote DTLS role; the local side always offers actpass.
func answerSetup(setup string) string {
	switch setup {
	case "active", "passive":
		return setup
	}
	return "passive"
}

func candidateLine(c domain.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s %s %s typ %s", c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.RelAddr != "" && c.RelPort != "" {
		fmt.Fprintf(&b, " raddr %s rport %s", c.RelAddr, c.RelPort)
	}
	if c.TCPType != "" {
		fmt.Fprintf(&b, " tcptype %s", c.TCPType)
	}
	if c.Generation != "" {
		fmt.Fprintf(&b, " generation %s", c.Generation)
	}
	if c.Network != "" {
		fmt.Fprintf(&b, " network-id %s", c.Network)
	}
	return b.String()
}

// answerSDP mirrors the local offer's media sections with the server's
// transport parameters and candidates.
func answerSDP(offer *sdp.SessionDescription, answer domain.TransportAnswer) (string, error) {
	sd, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("new session description: %w", err)
	}
	mids := make([]string, 0, len(offer.MediaDescriptions))
	for i, m := range offer.MediaDescriptions {
		mid, ok := m.Attribute("mid")
		if !ok {
			mid = strconv.Itoa(i)
		}
		mids = append(mids, mid)

		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   m.MediaName.Media,
				Port:    sdp.RangedPort{Value: 9},
				Protos:  m.MediaName.Protos,
				Formats: m.MediaName.Formats,
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: "0.0.0.0"},
			},
		}
		md = md.WithValueAttribute("mid", mid).WithICECredentials(answer.Ufrag, answer.Pwd)
		setup := "passive"
		for _, fp := range answer.Fingerprints {
			md = md.WithFingerprint(fp.Hash, fp.Fingerprint)
			setup = answerSetup(fp.Setup)
		}
		md = md.WithValueAttribute("setup", setup).WithPropertyAttribute("rtcp-mux").WithPropertyAttribute("sendrecv")
		for _, attr := range m.Attributes {
			switch attr.Key {
			case "rtpmap", "fmtp", "rtcp-fb", "extmap":
				md.Attributes = append(md.Attributes, attr)
			}
		}
		for _, c := range answer.Candidates {
			md = md.WithValueAttribute("candidate", candidateLine(c))
		}
		md = md.WithPropertyAttribute("end-of-candidates")
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}
	sd = sd.WithValueAttribute("group", "BUNDLE "+strings.Join(mids, " "))
	out, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal answer: %w", err)
	}
	return string(out), nil
}

// levelFromDBov maps an RFC 6464 level (0 loudest, 127 silent) to [0, 1].
func levelFromDBov(dbov uint8) float32 {
	if dbov >= 127 {
		return 0
	}
	return float32(math.Pow(10, -float64(dbov)/20))
}
