package fixup

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyld/pkg/trie"
)

// Legacy LC_DYLD_INFO opcode encodings.
const (
	REBASE_OPCODE_MASK                               = 0xF0
	REBASE_IMMEDIATE_MASK                            = 0x0F
	REBASE_OPCODE_DONE                               = 0x00
	REBASE_OPCODE_SET_TYPE_IMM                       = 0x10
	REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB        = 0x20
	REBASE_OPCODE_ADD_ADDR_ULEB                      = 0x30
	REBASE_OPCODE_ADD_ADDR_IMM_SCALED                = 0x40
	REBASE_OPCODE_DO_REBASE_IMM_TIMES                = 0x50
	REBASE_OPCODE_DO_REBASE_ULEB_TIMES               = 0x60
	REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB            = 0x70
	REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB = 0x80

	BIND_OPCODE_MASK                             = 0xF0
	BIND_IMMEDIATE_MASK                          = 0x0F
	BIND_OPCODE_DONE                             = 0x00
	BIND_OPCODE_SET_DYLIB_ORDINAL_IMM            = 0x10
	BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB           = 0x20
	BIND_OPCODE_SET_DYLIB_SPECIAL_IMM            = 0x30
	BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM    = 0x40
	BIND_OPCODE_SET_TYPE_IMM                     = 0x50
	BIND_OPCODE_SET_ADDEND_SLEB                  = 0x60
	BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB      = 0x70
	BIND_OPCODE_ADD_ADDR_ULEB                    = 0x80
	BIND_OPCODE_DO_BIND                          = 0x90
	BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB            = 0xA0
	BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED      = 0xB0
	BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB = 0xC0
)

const ptrSize = 8

// OpcodeStreams are the three LC_DYLD_INFO fixup streams of a pre-chained
// image. WeakBind is applied last so its binds supersede the regular pass.
type OpcodeStreams struct {
	Rebase   []byte
	Bind     []byte
	WeakBind []byte
}

// ApplyOpcodes runs the legacy fixup passes over an image: every rebase slot
// gets the slide added, then every bind slot is written from Targets in
// symbol order plus the stream's current addend, then the weak-override pass
// rewrites from overrideTargets. An override entry of ^uint64(0) marks a
// missing weak bind and is skipped.
func ApplyOpcodes(img *ImageChains, streams OpcodeStreams, overrideTargets []uint64) error {
	slide := img.slide()
	err := forEachRebaseLocation(streams.Rebase, func(segIndex int, segOffset uint64) error {
		slot, err := img.slotAt(segIndex, segOffset)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(slot, binary.LittleEndian.Uint64(slot)+slide)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "rebase opcodes for %s", img.Path)
	}

	err = forEachBindLocation(streams.Bind, func(segIndex int, segOffset uint64, targetIndex int, addend int64) error {
		if targetIndex < 0 || targetIndex >= len(img.Targets) {
			return errors.Wrapf(ErrOutOfRangeOrdinal, "out of range bind ordinal %d (max %d)", targetIndex, len(img.Targets))
		}
		slot, err := img.slotAt(segIndex, segOffset)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(slot, img.Targets[targetIndex]+uint64(addend))
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "bind opcodes for %s", img.Path)
	}

	err = forEachBindLocation(streams.WeakBind, func(segIndex int, segOffset uint64, targetIndex int, addend int64) error {
		if targetIndex < 0 || targetIndex >= len(overrideTargets) {
			return errors.Wrapf(ErrOutOfRangeOrdinal, "out of range bind ordinal %d (max %d)", targetIndex, len(overrideTargets))
		}
		// skip missing weak binds
		if overrideTargets[targetIndex] == ^uint64(0) {
			return nil
		}
		slot, err := img.slotAt(segIndex, segOffset)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(slot, overrideTargets[targetIndex]+uint64(addend))
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "weak bind opcodes for %s", img.Path)
	}
	return nil
}

func (ic *ImageChains) slotAt(segIndex int, segOffset uint64) ([]byte, error) {
	if segIndex < 0 || segIndex >= len(ic.Segments) {
		return nil, errors.Errorf("segment index %d out of range", segIndex)
	}
	mem := ic.Segments[segIndex].Memory
	if segOffset+ptrSize > uint64(len(mem)) {
		return nil, errors.Errorf("fixup offset 0x%x past end of segment %d", segOffset, segIndex)
	}
	return mem[segOffset : segOffset+ptrSize], nil
}

func forEachRebaseLocation(stream []byte, fn func(segIndex int, segOffset uint64) error) error {
	r := bytes.NewReader(stream)
	segIndex := 0
	var segOffset uint64
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil // stream without explicit DONE
		}
		opcode := b & REBASE_OPCODE_MASK
		imm := uint64(b & REBASE_IMMEDIATE_MASK)
		switch opcode {
		case REBASE_OPCODE_DONE:
			return nil
		case REBASE_OPCODE_SET_TYPE_IMM:
			// only pointer rebases survive on 64-bit platforms
		case REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			if segOffset, err = trie.ReadUleb128(r); err != nil {
				return err
			}
		case REBASE_OPCODE_ADD_ADDR_ULEB:
			delta, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			segOffset += delta
		case REBASE_OPCODE_ADD_ADDR_IMM_SCALED:
			segOffset += imm * ptrSize
		case REBASE_OPCODE_DO_REBASE_IMM_TIMES:
			for i := uint64(0); i < imm; i++ {
				if err := fn(segIndex, segOffset); err != nil {
					return err
				}
				segOffset += ptrSize
			}
		case REBASE_OPCODE_DO_REBASE_ULEB_TIMES:
			count, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			for i := uint64(0); i < count; i++ {
				if err := fn(segIndex, segOffset); err != nil {
					return err
				}
				segOffset += ptrSize
			}
		case REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:
			if err := fn(segIndex, segOffset); err != nil {
				return err
			}
			delta, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			segOffset += delta + ptrSize
		case REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB:
			count, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			skip, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			for i := uint64(0); i < count; i++ {
				if err := fn(segIndex, segOffset); err != nil {
					return err
				}
				segOffset += skip + ptrSize
			}
		default:
			return errors.Errorf("unknown rebase opcode 0x%02X", b)
		}
	}
}

// forEachBindLocation decodes a bind stream; the target index advances with
// each symbol opcode, matching the order the bind targets were collected in.
// The addend persists across binds until the next SET_ADDEND_SLEB.
func forEachBindLocation(stream []byte, fn func(segIndex int, segOffset uint64, targetIndex int, addend int64) error) error {
	r := bytes.NewReader(stream)
	segIndex := 0
	var segOffset uint64
	var addend int64
	targetIndex := -1
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil
		}
		opcode := b & BIND_OPCODE_MASK
		imm := uint64(b & BIND_IMMEDIATE_MASK)
		switch opcode {
		case BIND_OPCODE_DONE:
			return nil
		case BIND_OPCODE_SET_DYLIB_ORDINAL_IMM, BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			// ordinals were consumed when the bind targets were resolved
		case BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			if _, err := trie.ReadUleb128(r); err != nil {
				return err
			}
		case BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			for {
				c, err := r.ReadByte()
				if err != nil {
					return errors.New("unterminated symbol name in bind opcodes")
				}
				if c == 0 {
					break
				}
			}
			targetIndex++
		case BIND_OPCODE_SET_TYPE_IMM:
		case BIND_OPCODE_SET_ADDEND_SLEB:
			if addend, err = trie.ReadSleb128(r); err != nil {
				return err
			}
		case BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			if segOffset, err = trie.ReadUleb128(r); err != nil {
				return err
			}
		case BIND_OPCODE_ADD_ADDR_ULEB:
			delta, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			segOffset += delta
		case BIND_OPCODE_DO_BIND:
			if err := fn(segIndex, segOffset, targetIndex, addend); err != nil {
				return err
			}
			segOffset += ptrSize
		case BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			if err := fn(segIndex, segOffset, targetIndex, addend); err != nil {
				return err
			}
			delta, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			segOffset += delta + ptrSize
		case BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			if err := fn(segIndex, segOffset, targetIndex, addend); err != nil {
				return err
			}
			segOffset += imm*ptrSize + ptrSize
		case BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			count, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			skip, err := trie.ReadUleb128(r)
			if err != nil {
				return err
			}
			for i := uint64(0); i < count; i++ {
				if err := fn(segIndex, segOffset, targetIndex, addend); err != nil {
					return err
				}
				segOffset += skip + ptrSize
			}
		default:
			return errors.Errorf("unknown bind opcode 0x%02X", b)
		}
	}
}
