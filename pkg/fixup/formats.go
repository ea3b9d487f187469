// Package fixup applies chained pointer fixups and legacy opcode-based
// rebase/bind streams to mapped image memory. The chain formats follow
// <mach-o/fixup-chains.h>; every slot encodes its own fixup plus the delta
// to the next slot in the chain.
package fixup

import "fmt"

// DCPtrKind is a chained pointer format code (dyld_chained_starts_in_segment
// pointer_format).
type DCPtrKind uint16

const (
	DYLD_CHAINED_PTR_ARM64E            DCPtrKind = 1 // stride 8, unauth target is vmaddr
	DYLD_CHAINED_PTR_64                DCPtrKind = 2 // target is vmaddr
	DYLD_CHAINED_PTR_32                DCPtrKind = 3
	DYLD_CHAINED_PTR_64_OFFSET         DCPtrKind = 6 // target is vm offset
	DYLD_CHAINED_PTR_ARM64E_KERNEL     DCPtrKind = 7 // stride 4, unauth target is vm offset
	DYLD_CHAINED_PTR_ARM64E_USERLAND   DCPtrKind = 9 // stride 8, unauth target is vm offset
	DYLD_CHAINED_PTR_ARM64E_FIRMWARE   DCPtrKind = 10
	DYLD_CHAINED_PTR_ARM64E_USERLAND24 DCPtrKind = 12 // stride 8, 24-bit bind ordinals
)

func (k DCPtrKind) String() string {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E:
		return "DYLD_CHAINED_PTR_ARM64E"
	case DYLD_CHAINED_PTR_64:
		return "DYLD_CHAINED_PTR_64"
	case DYLD_CHAINED_PTR_32:
		return "DYLD_CHAINED_PTR_32"
	case DYLD_CHAINED_PTR_64_OFFSET:
		return "DYLD_CHAINED_PTR_64_OFFSET"
	case DYLD_CHAINED_PTR_ARM64E_KERNEL:
		return "DYLD_CHAINED_PTR_ARM64E_KERNEL"
	case DYLD_CHAINED_PTR_ARM64E_USERLAND:
		return "DYLD_CHAINED_PTR_ARM64E_USERLAND"
	case DYLD_CHAINED_PTR_ARM64E_FIRMWARE:
		return "DYLD_CHAINED_PTR_ARM64E_FIRMWARE"
	case DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return "DYLD_CHAINED_PTR_ARM64E_USERLAND24"
	}
	return fmt.Sprintf("DYLD_CHAINED_PTR(%d)", uint16(k))
}

// IsArm64e reports whether the format carries authentication bits.
func (k DCPtrKind) IsArm64e() bool {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_ARM64E_KERNEL,
		DYLD_CHAINED_PTR_ARM64E_USERLAND, DYLD_CHAINED_PTR_ARM64E_FIRMWARE,
		DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return true
	}
	return false
}

// Is64 reports whether slots are 8 bytes wide.
func (k DCPtrKind) Is64() bool {
	return k != DYLD_CHAINED_PTR_32
}

// Stride returns the chain-delta multiplier in bytes.
func (k DCPtrKind) Stride() uint64 {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_ARM64E_USERLAND, DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return 8
	case DYLD_CHAINED_PTR_ARM64E_KERNEL, DYLD_CHAINED_PTR_ARM64E_FIRMWARE,
		DYLD_CHAINED_PTR_64, DYLD_CHAINED_PTR_64_OFFSET, DYLD_CHAINED_PTR_32:
		return 4
	}
	return 0
}

// Page-start table markers (dyld_chained_starts_in_segment page_start).
const (
	DYLD_CHAINED_PTR_START_NONE  = 0xFFFF // page has no chain starts
	DYLD_CHAINED_PTR_START_MULTI = 0x8000 // page_start is index into overflow entries
	DYLD_CHAINED_PTR_START_LAST  = 0x8000 // last overflow entry for this page
)

func extractBits(value uint64, shift, bits int) uint64 {
	return (value >> uint(shift)) & ((1 << uint(bits)) - 1)
}

// Generic64 is a DYLD_CHAINED_PTR_64 / _64_OFFSET slot:
// rebase {target:36, high8:8, reserved:7, next:12, bind:1}
// bind   {ordinal:24, addend:8, reserved:19, next:12, bind:1}
type Generic64 uint64

func (p Generic64) IsBind() bool { return extractBits(uint64(p), 63, 1) != 0 }
func (p Generic64) Next() uint64 { return extractBits(uint64(p), 51, 12) }

// UnpackedTarget reassembles the rebase target with its top byte.
func (p Generic64) UnpackedTarget() uint64 {
	return extractBits(uint64(p), 36, 8)<<56 | extractBits(uint64(p), 0, 36)
}

func (p Generic64) Ordinal() uint32 { return uint32(extractBits(uint64(p), 0, 24)) }

func (p Generic64) SignExtendedAddend() int64 {
	addend27 := extractBits(uint64(p), 24, 27)
	top8Bits := addend27 & 0x00007F80000
	bottom19Bits := addend27 & 0x0000007FFFF
	return int64((top8Bits << 13) | ((bottom19Bits << 37 >> 37) & 0x00FFFFFFFFFFFFFF))
}

// Arm64e is a DYLD_CHAINED_PTR_ARM64E family slot:
// rebase      {target:43, high8:8, next:11, bind:1, auth:1}
// bind        {ordinal:16, zero:16, addend:19, next:11, bind:1, auth:1}
// bind24      {ordinal:24, zero:8, addend:19, next:11, bind:1, auth:1}
// auth_rebase {target:32, diversity:16, addrDiv:1, key:2, next:11, bind:1, auth:1}
// auth_bind   {ordinal:16, zero:16, diversity:16, addrDiv:1, key:2, next:11, bind:1, auth:1}
// auth_bind24 {ordinal:24, zero:8, diversity:16, addrDiv:1, key:2, next:11, bind:1, auth:1}
type Arm64e uint64

func (p Arm64e) IsAuth() bool { return extractBits(uint64(p), 63, 1) != 0 }
func (p Arm64e) IsBind() bool { return extractBits(uint64(p), 62, 1) != 0 }
func (p Arm64e) Next() uint64 { return extractBits(uint64(p), 51, 11) }

func (p Arm64e) Ordinal(kind DCPtrKind) uint32 {
	if kind == DYLD_CHAINED_PTR_ARM64E_USERLAND24 {
		return uint32(extractBits(uint64(p), 0, 24))
	}
	return uint32(extractBits(uint64(p), 0, 16))
}

// UnpackTarget reassembles an unauthenticated rebase target with its top byte.
func (p Arm64e) UnpackTarget() uint64 {
	return extractBits(uint64(p), 43, 8)<<56 | extractBits(uint64(p), 0, 43)
}

// AuthTarget is the 32-bit vm offset of an authenticated rebase.
func (p Arm64e) AuthTarget() uint64 { return extractBits(uint64(p), 0, 32) }

func (p Arm64e) Diversity() uint16 { return uint16(extractBits(uint64(p), 32, 16)) }
func (p Arm64e) AddrDiv() bool     { return extractBits(uint64(p), 48, 1) != 0 }
func (p Arm64e) Key() Key          { return Key(extractBits(uint64(p), 49, 2)) }

func (p Arm64e) SignExtendedAddend() int64 {
	addend19 := extractBits(uint64(p), 32, 19)
	if addend19&0x40000 != 0 {
		return int64(addend19 | 0xFFFFFFFFFFFC0000)
	}
	return int64(addend19)
}

// Generic32 is a DYLD_CHAINED_PTR_32 slot:
// rebase {target:26, next:5, bind:1}
// bind   {ordinal:20, addend:6, next:5, bind:1}
type Generic32 uint32

func (p Generic32) IsBind() bool    { return extractBits(uint64(p), 31, 1) != 0 }
func (p Generic32) Next() uint64    { return extractBits(uint64(p), 26, 5) }
func (p Generic32) Target() uint32  { return uint32(extractBits(uint64(p), 0, 26)) }
func (p Generic32) Ordinal() uint32 { return uint32(extractBits(uint64(p), 0, 20)) }
func (p Generic32) Addend() uint32  { return uint32(extractBits(uint64(p), 20, 6)) }

// Packers for building chains, used by linker-side tooling and tests.

func PackGeneric64Rebase(target uint64, next uint16) uint64 {
	return uint64(next&0xFFF)<<51 | (target>>56)<<36 | target&0xFFFFFFFFF
}

func PackGeneric64Bind(ordinal uint32, addend uint8, next uint16) uint64 {
	return 1<<63 | uint64(next&0xFFF)<<51 | uint64(addend)<<24 | uint64(ordinal&0xFFFFFF)
}

func PackArm64eRebase(target uint64, next uint16) uint64 {
	return uint64(next&0x7FF)<<51 | (target>>56)<<43 | target&0x7FFFFFFFFFF
}

func PackArm64eBind(ordinal uint16, addend int32, next uint16) uint64 {
	return 1<<62 | uint64(next&0x7FF)<<51 | uint64(uint32(addend)&0x7FFFF)<<32 | uint64(ordinal)
}

func PackArm64eBind24(ordinal uint32, addend int32, next uint16) uint64 {
	return 1<<62 | uint64(next&0x7FF)<<51 | uint64(uint32(addend)&0x7FFFF)<<32 | uint64(ordinal&0xFFFFFF)
}

func PackArm64eAuthRebase(target uint32, diversity uint16, addrDiv bool, key Key, next uint16) uint64 {
	v := uint64(1)<<63 | uint64(next&0x7FF)<<51 | uint64(key&3)<<49 | uint64(diversity)<<32 | uint64(target)
	if addrDiv {
		v |= 1 << 48
	}
	return v
}

func PackArm64eAuthBind(ordinal uint16, diversity uint16, addrDiv bool, key Key, next uint16) uint64 {
	v := uint64(1)<<63 | 1<<62 | uint64(next&0x7FF)<<51 | uint64(key&3)<<49 | uint64(diversity)<<32 | uint64(ordinal)
	if addrDiv {
		v |= 1 << 48
	}
	return v
}

func PackArm64eAuthBind24(ordinal uint32, diversity uint16, addrDiv bool, key Key, next uint16) uint64 {
	v := uint64(1)<<63 | 1<<62 | uint64(next&0x7FF)<<51 | uint64(key&3)<<49 | uint64(diversity)<<32 | uint64(ordinal&0xFFFFFF)
	if addrDiv {
		v |= 1 << 48
	}
	return v
}

func PackGeneric32Rebase(target uint32, next uint8) uint32 {
	return uint32(next&0x1F)<<26 | target&0x3FFFFFF
}

func PackGeneric32Bind(ordinal uint32, addend uint8, next uint8) uint32 {
	return 1<<31 | uint32(next&0x1F)<<26 | uint32(addend&0x3F)<<20 | ordinal&0xFFFFF
}
