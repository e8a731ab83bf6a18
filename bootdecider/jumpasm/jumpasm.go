//go:build tinygo

// Package jumpasm implements bootdecider.Jumper on real hardware: set the
// main stack pointer from the region's first word and branch to the reset
// vector stored at base+4, with interrupts disabled. Clocks and peripherals
// are not de-initialized: the application image starts with them as the
// updater left them.
package jumpasm

import (
	"device/arm"
	"unsafe"
)

// Jumper hands control to an application image at base.
type Jumper struct {
	base uintptr
}

// New constructs a Jumper targeting the region starting at base.
func New(base uintptr) *Jumper {
	return &Jumper{base: base}
}

// JumpToLive sets MSP from the word at base and branches to the reset
// vector at base+4. It does not return on success.
func (j *Jumper) JumpToLive() error {
	arm.DisableInterrupts()
	deinitPeripherals()

	msp := *(*uint32)(unsafe.Pointer(j.base))
	resetVector := *(*uint32)(unsafe.Pointer(j.base + 4))

	arm.AsmFull(
		"msr msp, {msp}\n"+
			"bx {pc}\n",
		map[string]interface{}{
			"msp": msp,
			"pc":  resetVector,
		},
	)
	return nil
}

// deinitPeripherals is empty: it resets no clocks or peripherals before
// the jump.
func deinitPeripherals() {}
