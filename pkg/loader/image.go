// Package loader resolves cross-image symbol references. It models loaded
// images, the runtime state that tracks them, and the ordinal/flat/weak
// resolution protocol over their export tries.
package loader

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/blacktop/go-dyld/pkg/export"
)

// DependentKind is how an image links one of its dependencies.
type DependentKind uint8

const (
	DependentRegular DependentKind = iota
	DependentWeakLink
	DependentUpward
	DependentReExport
)

func (k DependentKind) String() string {
	switch k {
	case DependentRegular:
		return "regular"
	case DependentWeakLink:
		return "weak-link"
	case DependentUpward:
		return "upward"
	case DependentReExport:
		return "re-export"
	}
	return fmt.Sprintf("dependent(%d)", uint8(k))
}

// Dependent is one edge of an image's dependency list. Image is nil when a
// weak-linked dependency was missing at load time.
type Dependent struct {
	Image *Image
	Kind  DependentKind
}

// Region is a byte range inside an image, as an offset from its load address.
type Region struct {
	Offset uint64
	Size   uint64
}

func (r Region) contains(off uint64) bool {
	return off >= r.Offset && off < r.Offset+r.Size
}

// BindRequest is one symbolic reference an image needs resolved before its
// fixups can be applied. The resolved targets form the image's ordered bind
// target table, indexed by fixup ordinals.
type BindRequest struct {
	SymbolName string
	LibOrdinal int
	WeakImport bool
	LazyBind   bool
	Addend     int64
}

// Image is a loaded binary image. The loader owns the lifetime; resolution
// results hold non-owning references. All fields are fixed at load time
// except the fixed-up flag, which the runtime flips under its lock.
type Image struct {
	Path                 string
	UUID                 uuid.UUID
	LoadAddress          uint64
	PreferredLoadAddress uint64

	// Exports is nil for images that predate the exports trie; those fall
	// back to NlistSymbols.
	Exports      *export.ExportsTrie
	NlistSymbols []export.Symbol

	Deps []Dependent

	// FunctionVariants holds the impl offset tables referenced by
	// function-variant exports; a trie terminal stores the table index.
	FunctionVariants [][]uint64

	TextRegion Region

	Binds []BindRequest

	HasWeakDefs    bool
	HiddenFromFlat bool
	InSharedCache  bool

	hasBeenFixedUp bool
}

// DependentCount returns how many dependencies the image links against.
func (img *Image) DependentCount() int { return len(img.Deps) }

// Dependent returns the Nth dependency, nil for a missing weak-linked one.
func (img *Image) Dependent(n int) (*Image, DependentKind) {
	if n < 0 || n >= len(img.Deps) {
		return nil, DependentRegular
	}
	return img.Deps[n].Image, img.Deps[n].Kind
}

// InCodeSection reports whether the runtime offset lands in mapped text.
func (img *Image) InCodeSection(runtimeOffset uint64) bool {
	return img.TextRegion.Size != 0 && img.TextRegion.contains(runtimeOffset)
}

// LeafName returns the last path component, for log and error text.
func (img *Image) LeafName() string {
	for i := len(img.Path) - 1; i >= 0; i-- {
		if img.Path[i] == '/' {
			return img.Path[i+1:]
		}
	}
	return img.Path
}

// UUIDStr formats the image UUID for diagnostics, matching the
// "Symbol not found" error layout.
func (img *Image) UUIDStr() string {
	if img.UUID == (uuid.UUID{}) {
		return "no uuid"
	}
	return img.UUID.String()
}
