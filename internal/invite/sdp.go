package invite

import (
	"fmt"
	"strings"
)

// PlayType distinguishes a live session from a playback session; it
// also selects the SSRC's leading digit (0=live, 1=back/playback).
type PlayType int

const (
	PlayLive PlayType = iota
	PlayBack
)

func (p PlayType) String() string {
	if p == PlayBack {
		return "Playback"
	}
	return "Play"
}

// SpeedRate is a playback speed multiplier; spec §6 allows 0.25..8 and
// SDP only ever advertises the discrete set {1,2,4}.
type SpeedRate float64

// sdpSpeedToken maps a requested rate to the largest SDP-advertised
// downloadspeed token (4, 2 or 1) not above it; rates below 2 give 1.
func sdpSpeedToken(rate SpeedRate) int {
	switch {
	case rate >= 4:
		return 4
	case rate >= 2:
		return 2
	default:
		return 1
	}
}

// SDPParams carries everything buildSDP needs to render an INVITE body.
type SDPParams struct {
	DeviceID   string
	PlayType   PlayType
	MediaIP    string
	MediaPort  int
	SSRC       string
	StartUnix  int64 // playback only
	EndUnix    int64 // playback only
	SpeedRate  SpeedRate
}

// buildSDP renders the SDP body spec §6 requires: o=/s=/c=/t=/m=/a=/y=
// lines, where t= is "0 0" for live and the start/end times for
// playback, and downloadspeed is added for playback only.
func buildSDP(p SDPParams) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=%s 0 0 IN IP4 %s\r\n", p.DeviceID, p.MediaIP)
	fmt.Fprintf(&b, "s=%s\r\n", p.PlayType.String())
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", p.MediaIP)
	if p.PlayType == PlayBack {
		fmt.Fprintf(&b, "t=%d %d\r\n", p.StartUnix, p.EndUnix)
	} else {
		fmt.Fprintf(&b, "t=0 0\r\n")
	}
	fmt.Fprintf(&b, "m=video %d RTP/AVP 96 98\r\n", p.MediaPort)
	fmt.Fprintf(&b, "a=recvonly\r\n")
	fmt.Fprintf(&b, "a=rtpmap:96 PS/90000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:98 H264/90000\r\n")
	if p.PlayType == PlayBack {
		fmt.Fprintf(&b, "a=downloadspeed:%d\r\n", sdpSpeedToken(p.SpeedRate))
	}
	fmt.Fprintf(&b, "y=%s\r\n", p.SSRC)
	return []byte(b.String())
}
