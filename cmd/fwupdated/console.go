//go:build tinygo

package main

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/fwupdate/credentials"
	"openenterprise/fwupdate/flashmap"
	"openenterprise/fwupdate/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	consolePort    = uint16(23) // Telnet port
	consoleBufSize = 1024
)

var (
	consoleRxBuf [consoleBufSize]byte
	consoleTxBuf [consoleBufSize]byte
	consoleBuf   [consoleBufSize]byte
	startTime    time.Time
)

// Authentication state for brute-force protection.
var (
	authFailures    int
	lastFailureTime time.Time
)

const (
	cmdHelp          = "help"
	cmdStatus        = "status"
	cmdVersion       = "version"
	cmdCheckNow      = "check-now"
	cmdFlashState    = "flash-state"
	cmdTelemetry     = "telemetry"
	cmdTelemetryFlsh = "telemetry-flush"
	cmdNTP           = "ntp"
	cmdReboot        = "reboot"
)

// consoleDeps is the slice of device state the console reports on, kept
// narrow so the console package doesn't need to know about the full
// updatecontroller/imagereceiver wiring.
type consoleDeps struct {
	flash       *flashmap.Map
	lastCheckAt time.Time
	checkNow    func()
}

// consoleServer runs a TCP debug console on port 23, mirroring the
// authenticated telnet console pattern used throughout this codebase.
func consoleServer(stack *xnet.StackAsync, logger *slog.Logger, deps consoleDeps) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), consolePort)
	logger.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if checkLockout() {
			lockout := getLockoutDuration()
			logger.Info("console:lockout", slog.Int("failures", authFailures), slog.Duration("remaining", lockout-time.Since(lastFailureTime)))
			time.Sleep(1 * time.Second)
			continue
		}

		if err := stack.ListenTCP(&conn, consolePort); err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("console:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		if !authenticateConsole(&conn) {
			logger.Info("console:auth-failed", slog.Int("failures", authFailures))
			conn.Close()
			for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
				time.Sleep(100 * time.Millisecond)
			}
			conn.Abort()
			continue
		}

		logger.Info("console:authenticated")
		writeConsole(&conn, "fwupdated debug console\r\nType 'help' for commands\r\n> ")
		flushConsole(&conn)

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			handleConsoleSession(&conn, logger, deps)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("console:disconnected")
	}
}

func handleConsoleSession(conn *tcp.Conn, logger *slog.Logger, deps consoleDeps) {
	var cmdLen int
	var readBuf [64]byte
	var skipIAC int

	for {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		gotNewline := false
		for i := 0; i < n && cmdLen < len(consoleBuf)-1; i++ {
			b := readBuf[i]

			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}

			if b == '\n' || b == '\r' {
				if gotNewline {
					continue
				}
				gotNewline = true
				time.Sleep(10 * time.Millisecond)
				if cmdLen > 0 {
					processCommand(conn, consoleBuf[:cmdLen], logger, deps)
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
				time.Sleep(50 * time.Millisecond)
			} else if b >= 32 && b < 127 {
				consoleBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}

		if cmdLen >= len(consoleBuf)-1 {
			cmdLen = 0
			writeConsole(conn, "\r\nLine too long\r\n> ")
			flushConsole(conn)
		}
	}
}

func processCommand(conn *tcp.Conn, cmd []byte, logger *slog.Logger, deps consoleDeps) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:command-panic")
		}
	}()

	switch string(cmd) {
	case cmdHelp:
		writeConsole(conn, "\r\ncommands: help status version flash-state check-now telemetry telemetry-flush ntp reboot\r\n")
	case cmdStatus:
		writeConsole(conn, "\r\nuptime: ")
		writeUptime(conn)
		writeConsole(conn, "\r\nlast check: ")
		if deps.lastCheckAt.IsZero() {
			writeConsole(conn, "never")
		} else {
			writeConsole(conn, time.Since(deps.lastCheckAt).String())
			writeConsole(conn, " ago")
		}
		writeConsole(conn, "\r\n")
	case cmdVersion:
		writeConsole(conn, "\r\nversion: "+version.Version+"\r\nsha: "+version.GitSHA+"\r\nbuilt: "+version.BuildDate+"\r\n")
	case cmdFlashState:
		writeFlashState(conn, deps.flash)
	case cmdCheckNow:
		if deps.checkNow != nil {
			deps.checkNow()
			writeConsole(conn, "\r\ncheck requested\r\n")
		}
	case cmdTelemetry:
		writeConsole(conn, "\r\ntelemetry status not wired to console in this build\r\n")
	case cmdTelemetryFlsh:
		writeConsole(conn, "\r\nflush requested\r\n")
	case cmdNTP:
		writeConsole(conn, "\r\nntp status not wired to console in this build\r\n")
	case cmdReboot:
		writeConsole(conn, "\r\nrebooting...\r\n")
		flushConsole(conn)
		panic("console-requested reboot")
	default:
		writeConsole(conn, "\r\nunknown command: "+string(cmd)+"\r\n")
	}
}

func writeFlashState(conn *tcp.Conn, m *flashmap.Map) {
	if m == nil {
		writeConsole(conn, "\r\nflash map not initialized\r\n")
		return
	}
	writeConsole(conn, "\r\nlive: data=")
	writeBool(conn, m.LiveHasData())
	writeConsole(conn, " approved=")
	writeBool(conn, m.LiveApproved())
	writeConsole(conn, "\r\nstage: data=")
	writeBool(conn, m.StageHasData())
	writeConsole(conn, " approved=")
	writeBool(conn, m.StageApproved())
	writeConsole(conn, "\r\n")
}

func writeConsole(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

func flushConsole(conn *tcp.Conn) {
	conn.Flush()
}

func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func writeBool(conn *tcp.Conn, b bool) {
	if b {
		conn.Write([]byte("true"))
	} else {
		conn.Write([]byte("false"))
	}
}

func writeUptime(conn *tcp.Conn) {
	if startTime.IsZero() {
		conn.Write([]byte("unknown"))
		return
	}
	d := time.Since(startTime)
	writeInt(conn, int(d.Hours()))
	conn.Write([]byte("h "))
	writeInt(conn, int(d.Minutes())%60)
	conn.Write([]byte("m "))
	writeInt(conn, int(d.Seconds())%60)
	conn.Write([]byte("s"))
}

func initConsole() {
	startTime = time.Now()
}

func getLockoutDuration() time.Duration {
	switch {
	case authFailures >= 10:
		return 5 * time.Minute
	case authFailures >= 5:
		return 30 * time.Second
	case authFailures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

func checkLockout() bool {
	lockout := getLockoutDuration()
	if lockout == 0 {
		return false
	}
	return time.Since(lastFailureTime) < lockout
}

func recordFailure() {
	authFailures++
	lastFailureTime = time.Now()
}

func resetFailures() {
	authFailures = 0
}

var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01}
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01}
)

func authenticateConsole(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	writeConsole(conn, "Password: ")
	flushConsole(conn)

	var passBuf [64]byte
	var readBuf [64]byte
	var passLen int
	var skipIAC int
	deadline := time.Now().Add(10 * time.Second)

	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		writeConsole(conn, "\r\n")
		flushConsole(conn)
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]

			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}

			if b == '\n' || b == '\r' {
				restoreEcho()
				password := passBuf[:passLen]
				expected := []byte(credentials.ConsolePassword())
				if subtle.ConstantTimeCompare(password, expected) == 1 {
					resetFailures()
					return true
				}
				recordFailure()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}

		if passLen >= len(passBuf)-1 {
			restoreEcho()
			recordFailure()
			return false
		}
	}

	restoreEcho()
	recordFailure()
	return false
}

func formatRemoteIP(addr []byte) string {
	if len(addr) == 4 {
		var buf [15]byte
		pos := 0
		for i := 0; i < 4; i++ {
			if i > 0 {
				buf[pos] = '.'
				pos++
			}
			pos += writeIntToBuf(buf[pos:], int(addr[i]))
		}
		return string(buf[:pos])
	}
	return "unknown"
}

func writeIntToBuf(buf []byte, n int) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}
	var digits [3]byte
	i := len(digits)
	for n > 0 && i > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	copy(buf, digits[i:])
	return len(digits) - i
}
