//go:build tinygo

// Package wifi implements link.Adapter over a cyw43439 Wi-Fi radio and the
// lneto TCP/IP stack, the same pairing the teacher's OTA server and
// telemetry exporter use for their own sockets.
package wifi

import (
	"machine"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/udp"
	"github.com/soypat/lneto/x/xnet"

	"openenterprise/fwupdate/link"
)

const maxSockets = 4

// Adapter drives TFTP/HTTP sessions over a cyw43439 radio brought up by
// cmd/fwupdated's main loop and handed in here already associated.
type Adapter struct {
	stack *xnet.StackAsync

	tcpConns [maxSockets]tcp.Conn
	udpConns [maxSockets]udp.Conn
	kinds    [maxSockets]socketKind
	used     [maxSockets]bool

	rxBufs [maxSockets][1536]byte
	txBufs [maxSockets][1536]byte
}

type socketKind int

const (
	kindNone socketKind = iota
	kindTCP
	kindUDP
)

// New wraps an already-initialized lneto stack.
func New(stack *xnet.StackAsync) *Adapter {
	return &Adapter{stack: stack}
}

// HasIP reports whether the stack has completed DHCP/static configuration.
func (a *Adapter) HasIP() bool {
	return a.stack.HasIP()
}

func (a *Adapter) allocate(kind socketKind) (link.Socket, error) {
	for i := 0; i < maxSockets; i++ {
		if !a.used[i] {
			a.used[i] = true
			a.kinds[i] = kind
			return link.Socket(i), nil
		}
	}
	return 0, link.ErrNoFreeSocket
}

func (a *Adapter) OpenTCP(host string, port uint16) (link.Socket, error) {
	sock, err := a.allocate(kindTCP)
	if err != nil {
		return 0, err
	}
	i := int(sock)
	conn := &a.tcpConns[i]
	if err := conn.Configure(tcp.ConnConfig{RxBuf: a.rxBufs[i][:], TxBuf: a.txBufs[i][:]}); err != nil {
		a.used[i] = false
		return 0, err
	}
	if err := a.stack.DialTCP(conn, host, port); err != nil {
		a.used[i] = false
		return 0, err
	}
	return sock, nil
}

func (a *Adapter) OpenUDP(host string, port uint16, localPort uint16) (link.Socket, error) {
	sock, err := a.allocate(kindUDP)
	if err != nil {
		return 0, err
	}
	i := int(sock)
	conn := &a.udpConns[i]
	if err := conn.Configure(udp.ConnConfig{RxBuf: a.rxBufs[i][:], TxBuf: a.txBufs[i][:], LocalPort: localPort}); err != nil {
		a.used[i] = false
		return 0, err
	}
	if err := a.stack.DialUDP(conn, host, port); err != nil {
		a.used[i] = false
		return 0, err
	}
	return sock, nil
}

func (a *Adapter) Send(sock link.Socket, data []byte) error {
	i := int(sock)
	switch a.kinds[i] {
	case kindTCP:
		_, err := a.tcpConns[i].Write(data)
		return err
	case kindUDP:
		_, err := a.udpConns[i].Write(data)
		return err
	default:
		return link.ErrInvalidSocket
	}
}

func (a *Adapter) Close(sock link.Socket) error {
	i := int(sock)
	switch a.kinds[i] {
	case kindTCP:
		a.tcpConns[i].Close()
	case kindUDP:
		a.udpConns[i].Close()
	}
	a.used[i] = false
	a.kinds[i] = kindNone
	return nil
}

func (a *Adapter) ReceiveBufferSnapshot(sock link.Socket) []byte {
	i := int(sock)
	buf := make([]byte, 2048)
	var n int
	var err error
	switch a.kinds[i] {
	case kindTCP:
		n, err = a.tcpConns[i].Read(buf)
	case kindUDP:
		n, err = a.udpConns[i].Read(buf)
	default:
		return nil
	}
	if err != nil || n <= 0 {
		return nil
	}
	return buf[:n]
}

func (a *Adapter) WaitForToken(sock link.Socket, token []byte, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		machine.Watchdog.Update()
		if containsToken(a.ReceiveBufferSnapshot(sock), token) {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (a *Adapter) IdleGapMs(sock link.Socket) uint32 {
	// Wi-Fi frames arrive already fully reassembled by the TCP/IP stack;
	// there is no partial-datagram ambiguity to resolve, so the idle-gap
	// signal (meaningful only for the cellular AT-chat path) is always
	// reported as satisfied.
	return link.MinIdleGapMs
}

func containsToken(buf, token []byte) bool {
	if len(token) == 0 || len(buf) < len(token) {
		return false
	}
	for i := 0; i+len(token) <= len(buf); i++ {
		match := true
		for j := range token {
			if buf[i+j] != token[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
