package dfutrigger

import (
	"errors"
	"testing"
)

type fakeSRAM struct {
	words map[uintptr]uint32
}

func newFakeSRAM() *fakeSRAM { return &fakeSRAM{words: map[uintptr]uint32{}} }

func (s *fakeSRAM) ReadWord(addr uintptr) uint32  { return s.words[addr] }
func (s *fakeSRAM) WriteWord(addr uintptr, v uint32) { s.words[addr] = v }

type fakeEraser struct {
	erased bool
	err    error
}

func (e *fakeEraser) EraseLive() error {
	e.erased = true
	return e.err
}

type fakeJumper struct {
	calledBase, calledEntry uintptr
	jumped                  bool
}

func (j *fakeJumper) JumpTo(mspBase, entry uintptr) error {
	j.calledBase, j.calledEntry = mspBase, entry
	j.jumped = true
	return nil
}

func TestShouldEnterFalseWhenSentinelClear(t *testing.T) {
	sram := newFakeSRAM()
	if ShouldEnter(sram) {
		t.Error("ShouldEnter() = true, want false on a clear sentinel")
	}
}

func TestShouldEnterTrueWhenSentinelSet(t *testing.T) {
	sram := newFakeSRAM()
	sram.WriteWord(SentinelAddr, Magic)
	if !ShouldEnter(sram) {
		t.Error("ShouldEnter() = false, want true with the magic word set")
	}
}

func TestEnterClearsSentinelErasesLiveThenJumps(t *testing.T) {
	sram := newFakeSRAM()
	sram.WriteWord(SentinelAddr, Magic)
	eraser := &fakeEraser{}
	jumper := &fakeJumper{}

	if err := Enter(sram, eraser, jumper); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	if sram.ReadWord(SentinelAddr) != 0 {
		t.Error("sentinel should be cleared after Enter")
	}
	if !eraser.erased {
		t.Error("live region should be erased before jumping")
	}
	if !jumper.jumped || jumper.calledBase != ROMBase || jumper.calledEntry != ROMEntry {
		t.Errorf("jumper called with (0x%x, 0x%x), want (0x%x, 0x%x)", jumper.calledBase, jumper.calledEntry, ROMBase, ROMEntry)
	}
}

func TestEnterPropagatesEraseFailure(t *testing.T) {
	sram := newFakeSRAM()
	sram.WriteWord(SentinelAddr, Magic)
	wantErr := errors.New("erase failed")
	eraser := &fakeEraser{err: wantErr}
	jumper := &fakeJumper{}

	err := Enter(sram, eraser, jumper)
	if !errors.Is(err, wantErr) {
		t.Errorf("Enter() error = %v, want %v", err, wantErr)
	}
	if jumper.jumped {
		t.Error("should not jump when erase failed")
	}
}
