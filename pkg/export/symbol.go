// Package export models exported symbols and the codecs between the
// in-memory symbol representation, export trie terminal payloads, and legacy
// nlist symbol table records.
package export

import "fmt"

// Kind discriminates what a Symbol's value field means.
type Kind uint8

const (
	KindRegular Kind = iota
	KindAltEntry
	KindResolver
	KindAbsolute
	KindReExport
	KindThreadLocal
	KindTentative
	KindUndefined
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindAltEntry:
		return "alt-entry"
	case KindResolver:
		return "resolver"
	case KindAbsolute:
		return "absolute"
	case KindReExport:
		return "re-export"
	case KindThreadLocal:
		return "thread-local"
	case KindTentative:
		return "tentative"
	case KindUndefined:
		return "undefined"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Scope is a symbol's visibility. The declaration order is the policy order:
// anything at or above ScopeGlobal is exported, ScopeAutoHide may be demoted
// by the linker, ScopeGlobalNeverStrip additionally survives dead-stripping.
type Scope uint8

const (
	ScopeTranslationUnit Scope = iota
	ScopeWasLinkageUnit
	ScopeLinkageUnit
	ScopeAutoHide
	ScopeGlobal
	ScopeGlobalNeverStrip
)

func (s Scope) String() string {
	switch s {
	case ScopeTranslationUnit:
		return "translation-unit"
	case ScopeWasLinkageUnit:
		return "was-linkage-unit"
	case ScopeLinkageUnit:
		return "linkage-unit"
	case ScopeAutoHide:
		return "auto-hide"
	case ScopeGlobal:
		return "global"
	case ScopeGlobalNeverStrip:
		return "global-never-strip"
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

// Symbol is a tagged representation of one symbol in a linked image. The
// value field is overloaded by kind: impl offset for regular/alt-entry/
// thread-local, stub offset for resolvers, address for absolutes, library
// ordinal for re-exports and undefines, size for tentative definitions.
// Extractors return ok=false when called on the wrong kind.
type Symbol struct {
	name         string
	value        uint64
	other        uint64 // resolver func offset, or function variant table index
	importName   string // re-exports only, "" means same name
	kind         Kind
	sectOrdinal  uint8
	alignP2      uint8 // tentative only
	scope        Scope
	weakDef      bool
	weakImport   bool // undefines only
	dontDeadStr  bool
	cold         bool
	funcVariants bool // regular only, value is the default impl offset
}

// Name returns the symbol name.
func (s Symbol) Name() string { return s.name }

// Scope returns the symbol's visibility scope.
func (s Symbol) Scope() Scope { return s.scope }

// Kind returns the symbol's kind tag.
func (s Symbol) Kind() Kind { return s.kind }

// SectionOrdinal returns the 1-based section the symbol lives in.
func (s Symbol) SectionOrdinal() uint8 { return s.sectOrdinal }

// IsWeakDef reports whether the definition coalesces with other images.
func (s Symbol) IsWeakDef() bool { return s.weakDef }

// DontDeadStrip reports whether dead-stripping must keep the symbol.
func (s Symbol) DontDeadStrip() bool { return s.dontDeadStr }

// Cold reports whether the symbol is marked unlikely to execute.
func (s Symbol) Cold() bool { return s.cold }

// ImplOffset returns the image offset of the implementation. It reports
// ok=false for kinds with no implementation offset (re-exports, absolutes,
// undefines, tentative definitions).
func (s Symbol) ImplOffset() (uint64, bool) {
	switch s.kind {
	case KindRegular, KindAltEntry, KindThreadLocal:
		return s.value, true
	case KindResolver:
		return s.value, true // offset of the stub
	}
	return 0, false
}

// IsRegular returns the impl offset of a regular definition.
func (s Symbol) IsRegular() (implOffset uint64, ok bool) {
	if s.kind != KindRegular {
		return 0, false
	}
	return s.value, true
}

// IsAltEntry returns the impl offset of an alt-entry definition.
func (s Symbol) IsAltEntry() (implOffset uint64, ok bool) {
	if s.kind != KindAltEntry {
		return 0, false
	}
	return s.value, true
}

// IsThreadLocal returns the impl offset of a thread-local definition.
func (s Symbol) IsThreadLocal() (implOffset uint64, ok bool) {
	if s.kind != KindThreadLocal {
		return 0, false
	}
	return s.value, true
}

// IsAbsolute returns the fixed address of an absolute symbol.
func (s Symbol) IsAbsolute() (address uint64, ok bool) {
	if s.kind != KindAbsolute {
		return 0, false
	}
	return s.value, true
}

// IsReExport returns the dependency ordinal and imported name of a
// re-exported symbol. An importName equal to the symbol's own name means the
// re-export does not rename.
func (s Symbol) IsReExport() (libOrdinal int, importName string, ok bool) {
	if s.kind != KindReExport {
		return 0, "", false
	}
	importName = s.importName
	if importName == "" {
		importName = s.name
	}
	return int(int64(s.value)), importName, true
}

// IsDynamicResolver returns the stub and resolver function offsets.
func (s Symbol) IsDynamicResolver() (stubOffset, resolverFuncOffset uint64, ok bool) {
	if s.kind != KindResolver {
		return 0, 0, false
	}
	return s.value, s.other, true
}

// IsUndefined returns the ordinal the undefined symbol should resolve
// through and whether a missing definition is tolerated.
func (s Symbol) IsUndefined() (libOrdinal int, weakImport bool, ok bool) {
	if s.kind != KindUndefined {
		return 0, false, false
	}
	return int(int64(s.value)), s.weakImport, true
}

// IsTentativeDef returns the size and alignment of a tentative definition.
func (s Symbol) IsTentativeDef() (size uint64, alignP2 uint8, ok bool) {
	if s.kind != KindTentative {
		return 0, 0, false
	}
	return s.value, s.alignP2, true
}

// IsFunctionVariant returns the default impl offset and the index of the
// symbol's entry in the image's function variant table.
func (s Symbol) IsFunctionVariant() (defaultImplOffset uint64, variantTableIndex uint32, ok bool) {
	if s.kind != KindRegular || !s.funcVariants {
		return 0, 0, false
	}
	return s.value, uint32(s.other), true
}

func (s Symbol) String() string {
	switch s.kind {
	case KindReExport:
		ord, imp, _ := s.IsReExport()
		return fmt.Sprintf("%s (re-export of %s from ordinal %d)", s.name, imp, ord)
	case KindUndefined:
		return fmt.Sprintf("%s (undefined, ordinal %d)", s.name, int(int64(s.value)))
	}
	if s.weakDef {
		return fmt.Sprintf("%s (%s, weak, %#x)", s.name, s.kind, s.value)
	}
	return fmt.Sprintf("%s (%s, %#x)", s.name, s.kind, s.value)
}

// MakeRegularExport makes a global regular definition.
func MakeRegularExport(name string, implOffset uint64, sectNum uint8, dontDeadStrip, cold bool) Symbol {
	scope := ScopeGlobal
	if dontDeadStrip {
		scope = ScopeGlobalNeverStrip
	}
	return Symbol{name: name, value: implOffset, kind: KindRegular, sectOrdinal: sectNum, scope: scope, dontDeadStr: dontDeadStrip, cold: cold}
}

// MakeRegularHidden makes a linkage-unit scoped regular definition.
func MakeRegularHidden(name string, implOffset uint64, sectNum uint8, dontDeadStrip, cold bool) Symbol {
	return Symbol{name: name, value: implOffset, kind: KindRegular, sectOrdinal: sectNum, scope: ScopeLinkageUnit, dontDeadStr: dontDeadStrip, cold: cold}
}

// MakeRegularLocal makes a translation-unit scoped regular definition.
func MakeRegularLocal(name string, implOffset uint64, sectNum uint8, dontDeadStrip, cold bool) Symbol {
	return Symbol{name: name, value: implOffset, kind: KindRegular, sectOrdinal: sectNum, scope: ScopeTranslationUnit, dontDeadStr: dontDeadStrip, cold: cold}
}

// MakeWeakDefExport makes a global weak definition.
func MakeWeakDefExport(name string, implOffset uint64, sectNum uint8, dontDeadStrip, cold bool) Symbol {
	s := MakeRegularExport(name, implOffset, sectNum, dontDeadStrip, cold)
	s.weakDef = true
	return s
}

// MakeWeakDefAutoHide makes a weak definition the linker may demote to
// hidden. Only weak defs can be auto-hide in the current encodings.
func MakeWeakDefAutoHide(name string, implOffset uint64, sectNum uint8, dontDeadStrip, cold bool) Symbol {
	return Symbol{name: name, value: implOffset, kind: KindRegular, sectOrdinal: sectNum, scope: ScopeAutoHide, weakDef: true, dontDeadStr: dontDeadStrip, cold: cold}
}

// MakeAltEntry makes an alternate entry point into another symbol's content.
func MakeAltEntry(name string, implOffset uint64, sectNum uint8, scope Scope, dontDeadStrip, cold, weakDef bool) Symbol {
	return Symbol{name: name, value: implOffset, kind: KindAltEntry, sectOrdinal: sectNum, scope: scope, weakDef: weakDef, dontDeadStr: dontDeadStrip, cold: cold}
}

// MakeThreadLocalExport makes a global thread-local variable definition.
func MakeThreadLocalExport(name string, implOffset uint64, sectNum uint8, dontDeadStrip, cold, weakDef bool) Symbol {
	return Symbol{name: name, value: implOffset, kind: KindThreadLocal, sectOrdinal: sectNum, scope: ScopeGlobal, weakDef: weakDef, dontDeadStr: dontDeadStrip, cold: cold}
}

// MakeAbsoluteExport makes a global symbol with a fixed address.
func MakeAbsoluteExport(name string, address uint64, dontDeadStrip bool) Symbol {
	return Symbol{name: name, value: address, kind: KindAbsolute, scope: ScopeGlobal, dontDeadStr: dontDeadStrip}
}

// MakeDynamicResolver makes a stub-and-resolver export: the stub is the
// exported address, the resolver function computes the real target at bind
// time.
func MakeDynamicResolver(name string, sectNum uint8, stubOffset, resolverFuncOffset uint64) Symbol {
	return Symbol{name: name, value: stubOffset, other: resolverFuncOffset, kind: KindResolver, sectOrdinal: sectNum, scope: ScopeGlobal}
}

// MakeReExport makes an export implemented by a dependency. An empty
// importName means the dependency exports it under the same name.
func MakeReExport(name string, libOrdinal int, importName string) Symbol {
	if importName == name {
		importName = ""
	}
	return Symbol{name: name, value: uint64(int64(libOrdinal)), importName: importName, kind: KindReExport, scope: ScopeGlobal}
}

// MakeUndefined makes an import reference to be satisfied by libOrdinal.
func MakeUndefined(name string, libOrdinal int, weakImport bool) Symbol {
	return Symbol{name: name, value: uint64(int64(libOrdinal)), kind: KindUndefined, weakImport: weakImport}
}

// MakeTentativeDef makes a common symbol the linker must allocate.
func MakeTentativeDef(name string, size uint64, alignP2 uint8, dontDeadStrip, cold bool) Symbol {
	return Symbol{name: name, value: size, alignP2: alignP2, kind: KindTentative, scope: ScopeGlobal, dontDeadStr: dontDeadStrip, cold: cold}
}

// MakeFunctionVariantExport makes a regular export whose implementation is
// chosen at bind time from the image's function variant table.
func MakeFunctionVariantExport(name string, defaultImplOffset uint64, sectNum uint8, variantTableIndex uint32) Symbol {
	return Symbol{name: name, value: defaultImplOffset, other: uint64(variantTableIndex), kind: KindRegular, sectOrdinal: sectNum, scope: ScopeGlobal, funcVariants: true}
}
