// Package link defines the capability set the CORE needs from a network
// transport, without caring whether the transport is a Wi-Fi radio or a
// cellular modem driven by AT-chat. Concrete adapters live in link/wifi and
// link/cellular; both are tinygo-gated, since they talk to real hardware.
package link

import (
	"errors"
	"time"
)

// Socket is an opaque handle to an open connection.
type Socket int

var (
	ErrNoFreeSocket  = errors.New("link: no free socket slot")
	ErrInvalidSocket = errors.New("link: invalid or closed socket")
)

// Adapter is the uniform transport surface consumed by the CORE. The CORE
// never scans AT-command strings or otherwise reaches below this surface.
type Adapter interface {
	// HasIP reports whether the link currently has a usable IP address.
	// UpdateController polls this to decide link preference and to
	// trigger a start-of-boot version check once a link becomes steady.
	HasIP() bool

	// OpenTCP opens a TCP connection to host:port.
	OpenTCP(host string, port uint16) (Socket, error)
	// OpenUDP opens a UDP association to host:port, bound locally to
	// localPort (0 lets the adapter choose).
	OpenUDP(host string, port uint16, localPort uint16) (Socket, error)
	// Send writes data to an open socket.
	Send(sock Socket, data []byte) error
	// Close releases a socket.
	Close(sock Socket) error
	// ReceiveBufferSnapshot returns a copy of whatever bytes have
	// arrived on sock since the last snapshot.
	ReceiveBufferSnapshot(sock Socket) []byte
	// WaitForToken busy-waits (refreshing the watchdog internally, on
	// tinygo targets) until token appears in the receive buffer or
	// timeout elapses, returning whether it was found.
	WaitForToken(sock Socket, token []byte, timeout time.Duration) bool
	// IdleGapMs reports how many milliseconds have elapsed since the
	// last byte arrived on sock — the framing signal a cellular
	// transport's asynchronous recv notifications require.
	IdleGapMs(sock Socket) uint32
}

// MinIdleGapMs is the idle-gap threshold (§4.4) a cellular receive buffer
// must clear before the CORE treats it as holding one complete datagram.
const MinIdleGapMs = 10
