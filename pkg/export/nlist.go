package export

import (
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// Legacy images predate the exports trie and describe symbols with nlist
// records. The codec below folds n_type/n_desc into the same tagged model
// the trie codec produces, so the resolver never branches on which table a
// symbol came from.

// FromNlist64 maps one symbol table record into the tagged model. name is
// the string table entry for n_strx; importName is the indirect name of an
// N_INDR record ("" when not indirect). Debug (stab) entries are rejected.
func FromNlist64(name string, n types.Nlist64, importName string) (Symbol, error) {
	if n.Type.IsDebugSym() {
		return Symbol{}, errors.Errorf("symbol '%s' is a debug symbol", name)
	}

	desc := uint16(n.Desc)
	dontDeadStrip := desc&uint16(types.NO_DEAD_STRIP) != 0
	cold := desc&uint16(types.N_COLD_FUNC) != 0
	weakDef := desc&uint16(types.WEAK_DEF) != 0
	// ARM_THUMB_DEF only affects the low bit of the address, not the model

	var scope Scope
	switch {
	case n.Type.IsExternalSym() && n.Type.IsPrivateExternalSym():
		scope = ScopeWasLinkageUnit
	case n.Type.IsExternalSym():
		scope = ScopeGlobal
		if dontDeadStrip {
			scope = ScopeGlobalNeverStrip
		}
	case n.Type.IsPrivateExternalSym():
		scope = ScopeLinkageUnit
	default:
		scope = ScopeTranslationUnit
	}

	switch {
	case n.Type.IsUndefinedSym():
		if n.Value != 0 && n.Type.IsExternalSym() {
			// common symbol: value is the size, alignment rides in the desc
			alignP2 := uint8((desc >> 8) & 0x0f)
			sym := MakeTentativeDef(name, n.Value, alignP2, dontDeadStrip, cold)
			sym.scope = scope
			return sym, nil
		}
		return MakeUndefined(name, nlistLibOrdinal(desc), desc&uint16(types.WEAK_REF) != 0), nil

	case n.Type.IsAbsoluteSym():
		sym := MakeAbsoluteExport(name, n.Value, dontDeadStrip)
		sym.scope = scope
		return sym, nil

	case n.Type.IsIndirectSym():
		sym := MakeReExport(name, nlistLibOrdinal(desc), importName)
		sym.scope = scope
		sym.weakDef = weakDef
		return sym, nil

	case n.Type.IsDefinedInSection():
		var sym Symbol
		switch {
		case desc&uint16(types.SYMBOL_RESOLVER) != 0:
			sym = MakeDynamicResolver(name, n.Sect, n.Value, 0)
		case desc&uint16(types.ALT_ENTRY) != 0:
			sym = MakeAltEntry(name, n.Value, n.Sect, scope, dontDeadStrip, cold, weakDef)
		case weakDef:
			sym = MakeWeakDefExport(name, n.Value, n.Sect, dontDeadStrip, cold)
		default:
			sym = MakeRegularExport(name, n.Value, n.Sect, dontDeadStrip, cold)
		}
		sym.scope = scope
		return sym, nil
	}

	return Symbol{}, errors.Errorf("symbol '%s' has unknown n_type %#x", name, uint8(n.Type))
}

// ToNlist64 maps a Symbol back to a symbol table record. The returned
// importName is non-empty for re-exports and must be placed in the string
// table by the caller.
func ToNlist64(sym Symbol) (n types.Nlist64, importName string, err error) {
	if sym.DontDeadStrip() {
		n.Desc |= types.NO_DEAD_STRIP
	}
	if sym.Cold() {
		n.Desc |= types.N_COLD_FUNC
	}
	if sym.IsWeakDef() {
		n.Desc |= types.WEAK_DEF
	}

	switch sym.Scope() {
	case ScopeGlobal, ScopeGlobalNeverStrip, ScopeAutoHide:
		n.Type |= types.N_EXT
	case ScopeWasLinkageUnit:
		n.Type |= types.N_EXT | types.N_PEXT
	case ScopeLinkageUnit:
		n.Type |= types.N_PEXT
	}

	switch sym.Kind() {
	case KindUndefined:
		ord, weakImport, _ := sym.IsUndefined()
		n.Type |= types.N_UNDF | types.N_EXT
		n.Desc |= nlistOrdinalDesc(ord)
		if weakImport {
			n.Desc |= types.WEAK_REF
		}
	case KindTentative:
		size, alignP2, _ := sym.IsTentativeDef()
		n.Type |= types.N_UNDF | types.N_EXT
		n.Value = size
		n.Desc |= types.NDescType(alignP2&0x0f) << 8
	case KindAbsolute:
		addr, _ := sym.IsAbsolute()
		n.Type |= types.N_ABS
		n.Value = addr
	case KindReExport:
		ord, imp, _ := sym.IsReExport()
		n.Type |= types.N_INDR
		n.Desc |= nlistOrdinalDesc(ord)
		importName = imp
	case KindResolver:
		stub, _, _ := sym.IsDynamicResolver()
		n.Type |= types.N_SECT
		n.Sect = sym.SectionOrdinal()
		n.Value = stub
		n.Desc |= types.SYMBOL_RESOLVER
	case KindAltEntry:
		off, _ := sym.IsAltEntry()
		n.Type |= types.N_SECT
		n.Sect = sym.SectionOrdinal()
		n.Value = off
		n.Desc |= types.ALT_ENTRY
	case KindRegular, KindThreadLocal:
		off, _ := sym.ImplOffset()
		n.Type |= types.N_SECT
		n.Sect = sym.SectionOrdinal()
		n.Value = off
	default:
		return n, "", errors.Errorf("cannot encode %s symbol '%s' as nlist", sym.Kind(), sym.Name())
	}

	return n, importName, nil
}

// nlistLibOrdinal decodes the two-level namespace ordinal from the high byte
// of n_desc. The reserved values map to the resolver's special ordinals.
func nlistLibOrdinal(desc uint16) int {
	ord := (desc >> 8) & 0xff
	switch {
	case ord == uint16(types.EXECUTABLE_ORDINAL):
		return -1 // main executable
	case ord == uint16(types.DYNAMIC_LOOKUP_ORDINAL):
		return -2 // flat lookup
	default:
		return int(ord)
	}
}

func nlistOrdinalDesc(ord int) types.NDescType {
	switch ord {
	case -1:
		return types.EXECUTABLE_ORDINAL << 8
	case -2:
		return types.DYNAMIC_LOOKUP_ORDINAL << 8
	default:
		return types.NDescType(ord&0xff) << 8
	}
}
