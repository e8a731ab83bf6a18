// Package imagereceiver drives a single TFTP download of a candidate
// firmware image into the staging region: it classifies incoming
// datagrams, runs the one-block-delayed CRC pipeline so the terminal
// block's embedded CRC32 is recognized and excluded from the running
// checksum, streams payload words into flash, and on a verified image
// performs the promotion finalizer (approval word + version string).
package imagereceiver

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"openenterprise/fwupdate/crc32engine"
	"openenterprise/fwupdate/flashmap"
	"openenterprise/fwupdate/tftp"
)

// TFTPTimeoutMs is the inter-block timeout: if no progress is made within
// this many milliseconds, the session is abandoned.
const TFTPTimeoutMs = 40_000

var (
	ErrFlashProgramFailed = errors.New("imagereceiver: flash program failed")
	ErrFlashEraseFailed   = errors.New("imagereceiver: flash erase failed")
	ErrCRCMismatch        = errors.New("imagereceiver: embedded crc did not match computed crc")
	ErrSessionTimeout     = errors.New("imagereceiver: tftp inter-block timeout")
	ErrMalformedTerminal  = errors.New("imagereceiver: terminal datagram too short to carry an embedded crc")
)

// State is the receiver's coarse lifecycle state.
type State int

const (
	Idle State = iota
	Receiving
)

// Sender is the minimal surface imagereceiver needs from a link session:
// write raw bytes to the peer that is serving the TFTP transfer.
type Sender interface {
	Send(data []byte) error
}

// Resetter triggers a system reset. Every path that leaves flash in a
// post-commit or post-failure state ends in a Reset call, mirroring the
// reference firmware's reliance on BootDecider to recover on next boot.
type Resetter interface {
	Reset()
}

// Receiver drives one download session. Zero value is not usable; build
// with New.
type Receiver struct {
	flash    *flashmap.Map
	resetter Resetter
	logger   *slog.Logger
	sender   Sender

	state State

	ack      [4]byte
	prev     []byte
	expected uint16

	crcRunning  uint32
	stageCursor uint32
	newVersion  [flashmap.VersionLen]byte

	tftpTimeoutMs uint32
}

// New constructs a Receiver over flash, using resetter for the fatal
// post-commit/failure paths and logger for lifecycle events.
func New(flash *flashmap.Map, resetter Resetter, logger *slog.Logger) *Receiver {
	return &Receiver{flash: flash, resetter: resetter, logger: logger, state: Idle}
}

// State reports the receiver's current lifecycle state.
func (r *Receiver) State() State { return r.state }

// Begin erases the staging region, sends the TFTP RRQ for filename over
// sender, and enters Receiving. newVersion is the five-character version
// string that will be written to the staging metadata once the image is
// verified.
func (r *Receiver) Begin(sender Sender, filename string, newVersion [flashmap.VersionLen]byte) error {
	if err := r.flash.EraseStage(); err != nil {
		return ErrFlashEraseFailed
	}
	if err := sender.Send(tftp.BuildRRQ(filename)); err != nil {
		return err
	}

	r.sender = sender
	r.newVersion = newVersion
	r.ack = tftp.BuildACK(0)
	r.prev = nil
	r.expected = 1
	r.crcRunning = crc32engine.Initial
	r.stageCursor = r.flash.StageBase()
	r.tftpTimeoutMs = 0
	r.state = Receiving

	r.logger.Info("ota:session-begin", slog.String("filename", filename))
	return nil
}

// OnDatagram advances the state machine once per received TFTP datagram.
// It is a no-op outside of Receiving.
func (r *Receiver) OnDatagram(datagram []byte) error {
	if r.state != Receiving {
		return nil
	}

	kind, err := tftp.Classify(r.expected, datagram)
	if err != nil {
		return err
	}

	if kind == tftp.OutOfOrder {
		r.logger.Debug("tftp:block-out-of-order", slog.Int("expected", int(r.expected)))
		return r.sendACK()
	}

	r.tftpTimeoutMs = 0

	switch kind {
	case tftp.FirstBlock:
		r.setPrev(datagram)
		r.expected++
		tftp.IncrementACK(&r.ack)
		return r.sendACK()
	case tftp.Mid:
		if err := r.commitFull(r.prev); err != nil {
			return err
		}
		r.setPrev(datagram)
		r.expected++
		tftp.IncrementACK(&r.ack)
		return r.sendACK()
	default: // tftp.Last
		return r.handleLast(datagram)
	}
}

func (r *Receiver) setPrev(datagram []byte) {
	r.prev = append(r.prev[:0], datagram...)
}

// commitFull flashes and folds a full (non-terminal) block's entire
// payload — no trailing bytes are excluded, since a non-terminal block's
// last 4 bytes are ordinary payload, not an embedded CRC.
func (r *Receiver) commitFull(block []byte) error {
	payload := block[4:]
	if err := r.programPayload(payload); err != nil {
		return err
	}
	r.crcRunning = crc32engine.UpdateDatagram(r.crcRunning, block, len(payload))
	return nil
}

func (r *Receiver) programPayload(payload []byte) error {
	for i := 0; i+4 <= len(payload); i += 4 {
		w := uint32(payload[i]) | uint32(payload[i+1])<<8 | uint32(payload[i+2])<<16 | uint32(payload[i+3])<<24
		if err := r.flash.ProgramWord(r.stageCursor, w); err != nil {
			return ErrFlashProgramFailed
		}
		r.stageCursor += 4
	}
	return nil
}

// handleLast processes the terminal datagram. Whichever buffer actually
// holds the last real payload bytes — prev, when curr is a bare 4-byte
// header with no payload, or curr otherwise — has its trailing 4 bytes
// held back from both flash and the CRC fold, since those bytes are the
// embedded CRC32, not image data.
func (r *Receiver) handleLast(curr []byte) error {
	var embeddedCRC uint32

	if len(curr) == 4 {
		prevPayload := r.prev[4:]
		if len(prevPayload) < 4 {
			return ErrMalformedTerminal
		}
		dataLen := len(prevPayload) - 4
		if err := r.programPayload(prevPayload[:dataLen]); err != nil {
			return err
		}
		embeddedCRC = binary.BigEndian.Uint32(prevPayload[dataLen:])
		r.crcRunning = crc32engine.UpdateDatagram(r.crcRunning, r.prev, dataLen)
	} else {
		if err := r.commitFull(r.prev); err != nil {
			return err
		}
		currPayload := curr[4:]
		if len(currPayload) < 4 {
			return ErrMalformedTerminal
		}
		dataLen := len(currPayload) - 4
		if err := r.programPayload(currPayload[:dataLen]); err != nil {
			return err
		}
		embeddedCRC = binary.BigEndian.Uint32(currPayload[dataLen:])
		r.crcRunning = crc32engine.UpdateDatagram(r.crcRunning, curr, dataLen)
	}

	tftp.IncrementACK(&r.ack)
	if err := r.sendACK(); err != nil {
		return err
	}

	return r.compareAndCommit(embeddedCRC)
}

// compareAndCommit finalizes the CRC pipeline and either runs the
// promotion finalizer or rejects the image.
func (r *Receiver) compareAndCommit(embeddedCRC uint32) error {
	computed := crc32engine.Finalize(r.crcRunning)
	r.state = Idle

	if computed != embeddedCRC {
		r.logger.Warn("ota:crc-mismatch",
			slog.String("computed", hex32(computed)),
			slog.String("embedded", hex32(embeddedCRC)))
		if err := r.flash.EraseStage(); err != nil {
			r.resetter.Reset()
			return ErrFlashEraseFailed
		}
		r.resetter.Reset()
		return ErrCRCMismatch
	}

	r.logger.Info("ota:verified", slog.String("crc", hex32(computed)))
	return r.promote()
}

// promote runs the 4.6 promotion finalizer: approval word, then version
// words, then reset so BootDecider performs the actual region copy on the
// next boot.
func (r *Receiver) promote() error {
	if err := r.flash.ApproveStage(); err != nil {
		r.resetter.Reset()
		return ErrFlashProgramFailed
	}
	if err := r.flash.WriteStageVersion(r.newVersion); err != nil {
		r.resetter.Reset()
		return ErrFlashProgramFailed
	}
	r.logger.Info("ota:promote-staged", slog.String("version", string(r.newVersion[:])))
	r.resetter.Reset()
	return nil
}

func (r *Receiver) sendACK() error {
	return r.sender.Send(r.ack[:])
}

// TickMs advances the session's inter-block timeout. On expiry, the
// session is abandoned and the device is reset; BootDecider will observe
// an unapproved, partially-written stage region on the next boot and
// erase it.
func (r *Receiver) TickMs(dt uint32) {
	if r.state != Receiving {
		return
	}
	r.tftpTimeoutMs += dt
	if r.tftpTimeoutMs >= TFTPTimeoutMs {
		r.logger.Warn("tftp:session-timeout")
		r.state = Idle
		r.resetter.Reset()
	}
}

func hex32(v uint32) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 10)
	buf[0], buf[1] = '0', 'x'
	for i := 0; i < 8; i++ {
		shift := uint(28 - 4*i)
		buf[2+i] = hexDigits[(v>>shift)&0xF]
	}
	return string(buf)
}
