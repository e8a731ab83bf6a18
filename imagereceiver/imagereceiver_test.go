package imagereceiver

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"openenterprise/fwupdate/crc32engine"
	"openenterprise/fwupdate/flashmap"
	"openenterprise/fwupdate/flashsim"
	"openenterprise/fwupdate/tftp"
)

const (
	testLiveBase  = 0x08000000
	testStageBase = 0x08040000
	testSize      = 0x40000
)

type fakeSender struct {
	sent [][]byte
	fail bool
}

func (s *fakeSender) Send(data []byte) error {
	if s.fail {
		return errors.New("simulated send failure")
	}
	cp := append([]byte(nil), data...)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *fakeSender) lastACK() [4]byte {
	var ack [4]byte
	copy(ack[:], s.sent[len(s.sent)-1])
	return ack
}

type fakeResetter struct {
	count int
}

func (r *fakeResetter) Reset() { r.count++ }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReceiver(t *testing.T) (*Receiver, *flashmap.Map, *flashsim.Flash, *fakeResetter) {
	t.Helper()
	sim := flashsim.New(testLiveBase, 2*testSize)
	fm := flashmap.NewMap(sim, testLiveBase, testStageBase, testSize)
	reset := &fakeResetter{}
	r := New(fm, reset, testLogger())
	return r, fm, sim, reset
}

func dataDatagram(block uint16, payload []byte) []byte {
	d := make([]byte, 4+len(payload))
	d[0], d[1] = 0x00, 0x03

	binary.BigEndian.PutUint16(d[2:4], block)
	copy(d[4:], payload)
	return d
}

func fillPayload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i) + seed
	}
	return p
}

// TestCleanUpdateThreeBlocks is scenario S1 from the testable properties:
// a two-full-block image plus a short trailer carrying the embedded CRC of
// the first 1024 bytes.
func TestCleanUpdateThreeBlocks(t *testing.T) {
	r, fm, sim, reset := newTestReceiver(t)

	image := fillPayload(1024, 1)
	crc := crc32engine.Update(crc32engine.Initial, image)

	sender := &fakeSender{}
	version := [flashmap.VersionLen]byte{'1', '.', '2', '.', '4'}
	if err := r.Begin(sender, "firmware.bin", version); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	block1 := dataDatagram(1, image[:512])
	if err := r.OnDatagram(block1); err != nil {
		t.Fatalf("block1: %v", err)
	}
	if fm.StageHasData() {
		t.Error("stage should not have data yet after block 1 (one-block delay)")
	}

	block2 := dataDatagram(2, image[512:1024])
	if err := r.OnDatagram(block2); err != nil {
		t.Fatalf("block2: %v", err)
	}
	if !fm.StageHasData() {
		t.Error("stage should have block 1's data committed after block 2 arrives")
	}

	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc)
	block3 := dataDatagram(3, crcBytes[:])
	if err := r.OnDatagram(block3); err != nil {
		t.Fatalf("block3: %v", err)
	}

	if reset.count != 1 {
		t.Fatalf("reset count = %d, want 1 after successful promotion", reset.count)
	}
	if !fm.StageApproved() {
		t.Error("stage should be approved after a clean CRC match")
	}
	if fm.StageVersion() != version {
		t.Errorf("StageVersion() = %v, want %v", fm.StageVersion(), version)
	}

	got := sim.ReadBytes(testStageBase, 1024)
	for i := range image {
		if got[i] != image[i] {
			t.Fatalf("stage byte %d = 0x%02x, want 0x%02x", i, got[i], image[i])
			break
		}
	}
}

// TestCRCMismatchErasesStageAndResets is scenario S4.
func TestCRCMismatchErasesStageAndResets(t *testing.T) {
	r, fm, _, reset := newTestReceiver(t)

	image := fillPayload(1024, 7)
	crc := crc32engine.Update(crc32engine.Initial, image)

	sender := &fakeSender{}
	version := [flashmap.VersionLen]byte{'1', '.', '2', '.', '4'}
	if err := r.Begin(sender, "firmware.bin", version); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	r.OnDatagram(dataDatagram(1, image[:512]))
	r.OnDatagram(dataDatagram(2, image[512:1024]))

	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc^0xFFFF0000) // corrupt
	err := r.OnDatagram(dataDatagram(3, crcBytes[:]))

	if !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("OnDatagram() error = %v, want ErrCRCMismatch", err)
	}
	if fm.StageHasData() {
		t.Error("stage should be erased after a CRC mismatch")
	}
	if reset.count != 1 {
		t.Errorf("reset count = %d, want 1", reset.count)
	}
}

// TestHeaderOnlyTerminalBlock exercises the len(curr)==4 sub-case: the
// image length is an exact multiple of 512 and the embedded CRC lives
// entirely inside the last full block's trailing 4 bytes.
func TestHeaderOnlyTerminalBlock(t *testing.T) {
	r, fm, sim, reset := newTestReceiver(t)

	payload := fillPayload(508, 3)
	crc := crc32engine.Update(crc32engine.Initial, payload)
	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc)
	block1Payload := append(append([]byte(nil), payload...), crcBytes[:]...) // 512 bytes total

	sender := &fakeSender{}
	version := [flashmap.VersionLen]byte{'0', '.', '0', '.', '1'}
	if err := r.Begin(sender, "firmware.bin", version); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := r.OnDatagram(dataDatagram(1, block1Payload)); err != nil {
		t.Fatalf("block1: %v", err)
	}

	headerOnly := dataDatagram(2, nil)
	if err := r.OnDatagram(headerOnly); err != nil {
		t.Fatalf("header-only terminal: %v", err)
	}

	if reset.count != 1 {
		t.Fatalf("reset count = %d, want 1", reset.count)
	}
	if !fm.StageApproved() {
		t.Error("stage should be approved")
	}
	got := sim.ReadBytes(testStageBase, 508)
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("stage byte %d = 0x%02x, want 0x%02x", i, got[i], payload[i])
		}
	}
}

func TestOutOfOrderBlockRetransmitsACKWithoutAdvancing(t *testing.T) {
	r, fm, _, _ := newTestReceiver(t)

	sender := &fakeSender{}
	version := [flashmap.VersionLen]byte{}
	r.Begin(sender, "firmware.bin", version)

	image := fillPayload(1024, 2)
	if err := r.OnDatagram(dataDatagram(1, image[:512])); err != nil {
		t.Fatalf("block1: %v", err)
	}
	firstACK := sender.lastACK()

	// Duplicate block 1 (out of order relative to expected block 2).
	if err := r.OnDatagram(dataDatagram(1, image[:512])); err != nil {
		t.Fatalf("duplicate block1: %v", err)
	}
	dupACK := sender.lastACK()

	if tftp.ACKCounter(firstACK) != tftp.ACKCounter(dupACK) {
		t.Errorf("duplicate block should retransmit the same ACK: first=%v dup=%v", firstACK, dupACK)
	}
	if fm.StageHasData() {
		t.Error("out-of-order duplicate must not advance flash writes")
	}
}

func TestSessionTimeoutResets(t *testing.T) {
	r, _, _, reset := newTestReceiver(t)
	sender := &fakeSender{}
	r.Begin(sender, "firmware.bin", [flashmap.VersionLen]byte{})

	r.TickMs(TFTPTimeoutMs - 1)
	if reset.count != 0 {
		t.Fatalf("should not reset before timeout elapses")
	}
	r.TickMs(1)
	if reset.count != 1 {
		t.Fatalf("reset count = %d, want 1 after timeout", reset.count)
	}
	if r.State() != Idle {
		t.Error("state should be Idle after session timeout")
	}
}
