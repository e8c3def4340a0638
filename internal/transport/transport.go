// Package transport owns the listening sockets and multiplexes every
// peer's framed SIP traffic, UDP and TCP alike, onto one inbound Rx
// channel; outbound traffic goes through Gateway.Send (C1 — transport
// fabric).
package transport

import "fmt"

// Protocol identifies the transport a given Association was observed on.
type Protocol int

const (
	UDP Protocol = iota
	TCP
)

func (p Protocol) String() string {
	if p == UDP {
		return "UDP"
	}
	return "TCP"
}

// Association is the immutable identity of a transport endpoint pair: the
// (local, remote) address and the protocol the traffic arrived on. It is
// comparable and safe to use directly as a map key, which is how the RW
// and Event session tables index their reverse lookups.
type Association struct {
	LocalAddr  string
	RemoteAddr string
	Proto      Protocol
}

func (a Association) String() string {
	return fmt.Sprintf("%s/%s->%s", a.Proto, a.RemoteAddr, a.LocalAddr)
}

// EventKind distinguishes the out-of-band signals multiplexed alongside
// data on the fabric's channels.
type EventKind int

const (
	// Connected fires when a TCP peer's connection is accepted (UDP has no
	// equivalent; every datagram is its own "connection").
	Connected EventKind = iota
	// Disconnected fires when a TCP peer's connection is torn down, either
	// by the remote closing or by a local read/write failure.
	Disconnected
	// Close names a teardown request for a peer. The Gateway never emits
	// or reads it; teardown goes through Gateway.CloseAssoc.
	Close
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Zip is the discriminated message carried on the fabric's channels:
// either a framed SIP payload or a lifecycle/control event for an
// association. The name mirrors the single-struct fan-in shape used
// throughout the fabric so producers never block on a type switch.
type Zip struct {
	Assoc Association
	Bytes []byte // populated when IsEvt is false
	IsEvt bool
	Kind  EventKind // only meaningful when IsEvt is true
}

// NewData builds a data Zip carrying a framed message's wire bytes.
func NewData(a Association, b []byte) Zip { return Zip{Assoc: a, Bytes: b} }

// NewEvent builds a lifecycle/control Zip.
func NewEvent(a Association, k EventKind) Zip { return Zip{Assoc: a, IsEvt: true, Kind: k} }

// PeerQueueDepth is the per-peer outbound queue depth before Send starts
// reporting drops back to the caller.
const PeerQueueDepth = 16

// MaxUDPDatagram bounds a single UDP SIP message; GB/T-28181 devices
// occasionally attach small JPEG snapshots to MESSAGE bodies so the cap
// is generous relative to a bare SIP header block.
const MaxUDPDatagram = 64 * 1024
