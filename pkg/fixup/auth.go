package fixup

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/twmb/murmur3"
)

// Key selects one of the four pointer authentication keys.
type Key uint8

const (
	KeyIA Key = 0
	KeyIB Key = 1
	KeyDA Key = 2
	KeyDB Key = 3
)

func (k Key) String() string {
	switch k {
	case KeyIA:
		return "IA"
	case KeyIB:
		return "IB"
	case KeyDA:
		return "DA"
	case KeyDB:
		return "DB"
	}
	return fmt.Sprintf("key(%d)", uint8(k))
}

// SignedPointer is a pointer value carrying an authentication code in its
// upper bits. Type-distinct from uint64 so signed and plain addresses cannot
// be mixed up at call sites.
type SignedPointer uint64

// The MAC occupies the PAC bits of a 48-bit address space pointer.
const (
	pacShift = 47
	pacBits  = 16
	pacMask  = uint64((1<<pacBits)-1) << pacShift
)

// ErrAuthFailed is returned when a signed pointer does not verify.
var ErrAuthFailed = errors.New("pointer authentication failed")

// Signer computes and checks pointer authentication codes. The per-process
// secret stands in for the CPU's key registers, so two Signers with the same
// secret accept each other's pointers.
type Signer struct {
	secret uint64
}

func NewSigner(secret uint64) *Signer {
	return &Signer{secret: secret}
}

// mac derives the authentication code for a value under one (key, discriminator)
// pair.
func (s *Signer) mac(value, discriminator uint64, key Key) uint64 {
	var buf [17]byte
	binary.LittleEndian.PutUint64(buf[0:], value)
	binary.LittleEndian.PutUint64(buf[8:], discriminator)
	buf[16] = byte(key)
	m := murmur3.SeedSum64(s.secret, buf[:]) & (1<<pacBits - 1)
	if m == 0 {
		// a zero code would make the signed pointer equal the raw one
		m = 1
	}
	return m
}

// discriminator folds the slot address into the diversity value when address
// diversity is on, mirroring the blend operation.
func discriminator(loc uint64, diversity uint16, addrDiv bool) uint64 {
	if !addrDiv {
		return uint64(diversity)
	}
	return loc&^(uint64(0xFFFF)<<48) | uint64(diversity)<<48
}

// Sign produces a signed pointer for value stored at loc. A null value is
// never signed, so missing weak imports stay null.
func (s *Signer) Sign(value, loc uint64, key Key, diversity uint16, addrDiv bool) SignedPointer {
	if value == 0 {
		return 0
	}
	mac := s.mac(value&^pacMask, discriminator(loc, diversity, addrDiv), key)
	return SignedPointer(value&^pacMask | mac<<pacShift)
}

// Authenticate checks a signed pointer against the same parameters it was
// signed with and returns the plain value.
func (s *Signer) Authenticate(p SignedPointer, loc uint64, key Key, diversity uint16, addrDiv bool) (uint64, error) {
	if p == 0 {
		return 0, nil
	}
	value := uint64(p) &^ pacMask
	mac := s.mac(value, discriminator(loc, diversity, addrDiv), key)
	if uint64(p)&pacMask != mac<<pacShift {
		return 0, errors.Wrapf(ErrAuthFailed, "key %s diversity 0x%04x", key, diversity)
	}
	return value, nil
}

// Strip removes the authentication code without verifying it.
func Strip(p SignedPointer) uint64 {
	return uint64(p) &^ pacMask
}
