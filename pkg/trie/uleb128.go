// Package trie implements the compact edge-compressed prefix trie used by
// dyld to encode exported symbol and dylib path tables.
package trie

import (
	"bytes"

	"github.com/pkg/errors"
)

// ReadUleb128 reads an unsigned little-endian base-128 value from r.
func ReadUleb128(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint64

	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not parse ULEB128 value")
		}

		if shift > 63 {
			return 0, errors.Wrap(ErrMalformed, "ULEB128 value too large")
		}

		result |= uint64(b&0x7f) << shift

		// If high order bit is 1.
		if (b & 0x80) == 0 {
			break
		}

		shift += 7
	}

	return result, nil
}

// ReadSleb128 reads a signed little-endian base-128 value from r.
func ReadSleb128(r *bytes.Reader) (int64, error) {
	var result int64
	var shift uint64
	var b byte
	var err error

	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not parse SLEB128 value")
		}

		result |= int64(b&0x7f) << shift
		shift += 7

		if (b & 0x80) == 0 {
			break
		}
	}

	// sign extend negative numbers
	if (b&0x40) != 0 && shift < 64 {
		result |= -1 << shift
	}

	return result, nil
}

// AppendUleb128 appends the ULEB128 encoding of v to dst.
func AppendUleb128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			break
		}
	}
	return dst
}

// AppendSleb128 appends the SLEB128 encoding of v to dst.
func AppendSleb128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			dst = append(dst, b)
			break
		}
		dst = append(dst, b|0x80)
	}
	return dst
}

// Uleb128Size returns the number of bytes the ULEB128 encoding of v occupies.
func Uleb128Size(v uint64) int {
	size := 1
	for v >>= 7; v != 0; v >>= 7 {
		size++
	}
	return size
}
