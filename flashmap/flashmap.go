// Package flashmap describes the address and sector layout of the two
// firmware image regions — live and stage — and the metadata words trailing
// each one. It is parametrized over a Flash interface so the exact same
// code drives an in-memory simulator in tests and a real NOR flash driver
// on target.
package flashmap

import "errors"

// RegionSize is the size in bytes of each image region (live and stage).
// 256 KiB matches one erase-granularity-aligned staging area on the
// reference target; callers targeting a different part size construct a
// Map with a different size via NewMap.
const RegionSize = 256 * 1024

// MetadataSize is the number of trailing bytes in each region reserved for
// the version string and approval sentinel.
const MetadataSize = 24

// VersionLen is the number of ASCII characters in the version string, one
// per reserved word.
const VersionLen = 5

// Approved is the sentinel value written to a region's approval word once
// its image has passed CRC verification. Erased flash reads as
// ErasedSentinel until that word is programmed.
const (
	Approved       uint32 = 0x00000001
	ErasedSentinel uint32 = 0xFFFFFFFF
)

var (
	ErrProgramFailed = errors.New("flashmap: program_word did not report success")
	ErrEraseFailed   = errors.New("flashmap: erase_sector did not report success")
)

// Flash is the raw device surface the CORE drives. Implementations must
// make EraseSector idempotent and must never allow ProgramWord to turn a 0
// bit back into a 1 without an intervening erase — callers (and the
// flashsim test double) rely on that NOR-flash property.
type Flash interface {
	// Unlock prepares the controller for erase/program operations. Must
	// be safe to call repeatedly.
	Unlock() error
	// EraseSector erases the sector containing addr, setting every bit
	// in that sector's erase-granularity to 1.
	EraseSector(addr uint32) error
	// ProgramWord writes a 32-bit word at a word-aligned address.
	ProgramWord(addr uint32, w uint32) error
	// ReadWord returns the 32-bit word at a word-aligned address.
	ReadWord(addr uint32) uint32
}

// Map describes the address layout of the two regions over a concrete
// Flash. Field sizes can diverge from RegionSize/MetadataSize for targets
// with a different part size — construct with NewMap for those.
type Map struct {
	flash     Flash
	liveBase  uint32
	stageBase uint32
	size      uint32
}

// NewMap constructs a Map over flash with regions of the given size
// starting at liveBase and stageBase.
func NewMap(flash Flash, liveBase, stageBase, size uint32) *Map {
	return &Map{flash: flash, liveBase: liveBase, stageBase: stageBase, size: size}
}

// DefaultMap constructs a Map using RegionSize for both regions.
func DefaultMap(flash Flash, liveBase, stageBase uint32) *Map {
	return NewMap(flash, liveBase, stageBase, RegionSize)
}

// LiveBase returns the live region's base address.
func (m *Map) LiveBase() uint32 { return m.liveBase }

// StageBase returns the stage region's base address.
func (m *Map) StageBase() uint32 { return m.stageBase }

// Size returns the region size in bytes.
func (m *Map) Size() uint32 { return m.size }

func (m *Map) approvalAddr(base uint32) uint32 {
	return base + m.size - 4
}

func (m *Map) versionWordAddr(base uint32, index int) uint32 {
	return base + m.size - MetadataSize + uint32(index*4)
}

// Unlock idempotently prepares the flash controller. Every public entry
// point below calls it, per the CORE's "unlock once per public entry
// point, treat unlock as idempotent" contract.
func (m *Map) Unlock() error {
	return m.flash.Unlock()
}

// EraseLive erases the entire live region.
func (m *Map) EraseLive() error {
	if err := m.Unlock(); err != nil {
		return err
	}
	return m.eraseRegion(m.liveBase)
}

// EraseStage erases the entire stage region.
func (m *Map) EraseStage() error {
	if err := m.Unlock(); err != nil {
		return err
	}
	return m.eraseRegion(m.stageBase)
}

func (m *Map) eraseRegion(base uint32) error {
	for addr := base; addr < base+m.size; addr += sectorStride(addr, base+m.size) {
		if err := m.flash.EraseSector(addr); err != nil {
			return ErrEraseFailed
		}
	}
	return nil
}

// sectorStride advances one sector at a time; the simulator and real
// driver both key erase granularity off the address passed to
// EraseSector, so the map itself only needs to call it once per sector
// boundary within [addr, end). 4 KiB matches the reference target's
// sector size.
func sectorStride(addr, end uint32) uint32 {
	const sectorSize = 4096
	if addr+sectorSize > end {
		return end - addr
	}
	return sectorSize
}

// ProgramWord writes a single word into either region at an absolute,
// word-aligned flash address.
func (m *Map) ProgramWord(addr uint32, w uint32) error {
	if err := m.Unlock(); err != nil {
		return err
	}
	if err := m.flash.ProgramWord(addr, w); err != nil {
		return ErrProgramFailed
	}
	return nil
}

// ReadWord reads a single word from flash.
func (m *Map) ReadWord(addr uint32) uint32 {
	return m.flash.ReadWord(addr)
}

// HasData reports whether a region contains a non-erased image: the
// region's first word differs from the all-ones erased sentinel.
func (m *Map) HasData(base uint32) bool {
	return m.flash.ReadWord(base) != ErasedSentinel
}

// LiveHasData reports HasData for the live region.
func (m *Map) LiveHasData() bool { return m.HasData(m.liveBase) }

// StageHasData reports HasData for the stage region.
func (m *Map) StageHasData() bool { return m.HasData(m.stageBase) }

// Approved reports whether a region's approval sentinel word equals
// flashmap.Approved.
func (m *Map) Approved(base uint32) bool {
	return m.flash.ReadWord(m.approvalAddr(base)) == Approved
}

// LiveApproved reports Approved for the live region.
func (m *Map) LiveApproved() bool { return m.Approved(m.liveBase) }

// StageApproved reports Approved for the stage region.
func (m *Map) StageApproved() bool { return m.Approved(m.stageBase) }

// ApproveStage programs the stage region's approval word. Per the
// approval-word-last invariant, callers must write all payload words
// before calling this; the version words may follow it.
func (m *Map) ApproveStage() error {
	return m.ProgramWord(m.approvalAddr(m.stageBase), Approved)
}

// ApproveLive programs the live region's approval word.
func (m *Map) ApproveLive() error {
	return m.ProgramWord(m.approvalAddr(m.liveBase), Approved)
}

// WriteStageVersion programs the five version-string words at the stage
// region's metadata offsets, one ASCII character per word (low byte).
func (m *Map) WriteStageVersion(version [VersionLen]byte) error {
	return m.writeVersion(m.stageBase, version)
}

// WriteLiveVersion programs the five version-string words at the live
// region's metadata offsets.
func (m *Map) WriteLiveVersion(version [VersionLen]byte) error {
	return m.writeVersion(m.liveBase, version)
}

func (m *Map) writeVersion(base uint32, version [VersionLen]byte) error {
	for i, c := range version {
		if err := m.ProgramWord(m.versionWordAddr(base, i), uint32(c)); err != nil {
			return err
		}
	}
	return nil
}

// ReadVersion reads the five version-string characters back out of a
// region's metadata words.
func (m *Map) ReadVersion(base uint32) [VersionLen]byte {
	var version [VersionLen]byte
	for i := range version {
		version[i] = byte(m.flash.ReadWord(m.versionWordAddr(base, i)))
	}
	return version
}

// LiveVersion reads the live region's version string.
func (m *Map) LiveVersion() [VersionLen]byte { return m.ReadVersion(m.liveBase) }

// StageVersion reads the stage region's version string.
func (m *Map) StageVersion() [VersionLen]byte { return m.ReadVersion(m.stageBase) }

// PromoteStageToLive erases live, word-copies the entire stage region
// (image payload plus metadata) into live, then erases stage. Callers
// must have already confirmed StageApproved() before calling this — the
// map does not re-check, mirroring BootDecider owning the decision and
// Map owning only the mechanics.
func (m *Map) PromoteStageToLive() error {
	if err := m.EraseLive(); err != nil {
		return err
	}
	for offset := uint32(0); offset < m.size; offset += 4 {
		w := m.flash.ReadWord(m.stageBase + offset)
		if err := m.ProgramWord(m.liveBase+offset, w); err != nil {
			return err
		}
	}
	return m.EraseStage()
}
