// Package dfutrigger implements the SRAM-sentinel escape hatch to the
// silicon vendor's DFU ROM: on any bootloader entry, if a magic word is
// present at a fixed SRAM address, the live region is erased and control
// is handed to the vendor ROM so the application can never be re-entered
// on the next reset.
package dfutrigger

// Magic is the SRAM sentinel value that requests DFU entry.
const Magic uint32 = 0x626F6F74 // "boot"

// SentinelAddr is the fixed SRAM address the sentinel lives at. It must
// survive a software reset (backed by retained SRAM, not flash).
const SentinelAddr uintptr = 0x20003FF0

// ROMBase and ROMEntry are the vendor DFU ROM's MSP and reset-vector
// addresses handed off to on a triggered entry.
const (
	ROMBase  uintptr = 0x1FFF0000
	ROMEntry uintptr = 0x1FFF0004
)

// Reader reads a 32-bit word from an address — the SRAM sentinel slot.
// Writer clears it. Both are tiny enough to keep this package pure and
// host-testable without pulling in unsafe pointer arithmetic.
type Reader interface {
	ReadWord(addr uintptr) uint32
}

type Writer interface {
	WriteWord(addr uintptr, value uint32)
}

// EraseLiver is the subset of flashmap.Map this package needs: erase the
// live region before handing off, so the application image can never be
// resumed once DFU has been entered.
type EraseLiver interface {
	EraseLive() error
}

// Jumper hands control to the vendor DFU ROM at (ROMBase, ROMEntry). The
// concrete tinygo implementation reuses bootdecider/jumpasm's MSP-set-
// and-branch primitive against different addresses.
type Jumper interface {
	JumpTo(mspBase, entry uintptr) error
}

// ShouldEnter reports whether the DFU sentinel is currently set.
func ShouldEnter(r Reader) bool {
	return r.ReadWord(SentinelAddr) == Magic
}

// Enter clears the sentinel, erases the live region, and jumps to the
// vendor DFU ROM. It does not return on success.
func Enter(rw interface {
	Reader
	Writer
}, eraser EraseLiver, jumper Jumper) error {
	rw.WriteWord(SentinelAddr, 0)
	if err := eraser.EraseLive(); err != nil {
		return err
	}
	return jumper.JumpTo(ROMBase, ROMEntry)
}
