package domain

import (
	"net/netip"
	"time"
)

// ConnState is the relay connection state machine. Transitions are
// monotonic: New -> Connected, then the object is released.
type ConnState int

const (
	StateNew       ConnState = iota // post-accept, relay not yet usable
	StateConnected                  // handshake complete, pump active
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dest is the client's original destination in the fixed numeric IPv4 form
// the wire header supports.
type Dest struct {
	Addr [4]byte
	Port uint16
}

func DestFromAddrPort(ap netip.AddrPort) Dest {
	return Dest{Addr: ap.Addr().As4(), Port: ap.Port()}
}

// InstanceConfig is immutable after instance init and shared by reference
// by every connection.
type InstanceConfig struct {
	Bind           netip.AddrPort
	Relay          netip.AddrPort
	Method         string
	Secret         string
	Interface      string // outbound device for the relay connect, optional
	ConnectTimeout time.Duration
	HighWaterMark  int // per-direction output queue backpressure threshold
}
