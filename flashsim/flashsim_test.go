package flashsim

import "testing"

func TestNewIsErased(t *testing.T) {
	f := New(0x1000, SectorSize)
	if got := f.ReadWord(0x1000); got != 0xFFFFFFFF {
		t.Errorf("ReadWord() = 0x%08x, want 0xFFFFFFFF", got)
	}
}

func TestProgramWordThenRead(t *testing.T) {
	f := New(0x1000, SectorSize)
	if err := f.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := f.ProgramWord(0x1000, 0xDEADBEEF); err != nil {
		t.Fatalf("ProgramWord: %v", err)
	}
	if got := f.ReadWord(0x1000); got != 0xDEADBEEF {
		t.Errorf("ReadWord() = 0x%08x, want 0xDEADBEEF", got)
	}
}

func TestEraseReturnsToAllOnes(t *testing.T) {
	f := New(0x1000, SectorSize)
	f.Unlock()
	f.ProgramWord(0x1000, 0x00000000)
	if err := f.EraseSector(0x1000); err != nil {
		t.Fatalf("EraseSector: %v", err)
	}
	if got := f.ReadWord(0x1000); got != 0xFFFFFFFF {
		t.Errorf("ReadWord() after erase = 0x%08x, want 0xFFFFFFFF", got)
	}
}

func TestProgramWordPanicsOnZeroToOneWithoutErase(t *testing.T) {
	f := New(0x1000, SectorSize)
	f.Unlock()
	f.ProgramWord(0x1000, 0xFFFFFFF0)

	defer func() {
		if recover() == nil {
			t.Error("expected panic writing a 0 bit back to 1 without erase")
		}
	}()
	f.ProgramWord(0x1000, 0xFFFFFFFF)
}

func TestProgramWordAllowsZeroToZero(t *testing.T) {
	f := New(0x1000, SectorSize)
	f.Unlock()
	f.ProgramWord(0x1000, 0xFFFFFFF0)
	if err := f.ProgramWord(0x1000, 0xFFFFFFF0); err != nil {
		t.Errorf("re-programming identical bits should not error: %v", err)
	}
}

func TestProgramOnLockedFlashErrors(t *testing.T) {
	f := New(0x1000, SectorSize)
	if err := f.ProgramWord(0x1000, 0x1); err == nil {
		t.Error("expected error programming locked flash")
	}
}

func TestSimulatedProgramFailure(t *testing.T) {
	f := New(0x1000, SectorSize)
	f.Unlock()
	f.FailProgramAt = 0x1000
	if err := f.ProgramWord(0x1000, 0x1); err == nil {
		t.Error("expected simulated program failure")
	}
	// clears itself after firing once
	if err := f.ProgramWord(0x1000, 0x1); err != nil {
		t.Errorf("second attempt should succeed, got %v", err)
	}
}

func TestReadBytes(t *testing.T) {
	f := New(0x1000, SectorSize)
	f.Unlock()
	f.ProgramWord(0x1000, 0x04030201)
	got := f.ReadBytes(0x1000, 4)
	want := []byte{0x01, 0x02, 0x03, 0x04}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ReadBytes()[%d] = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}
