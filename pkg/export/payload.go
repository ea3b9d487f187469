package export

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyld/pkg/trie"
)

// Export trie terminal payload flag bits (EXPORT_SYMBOL_FLAGS_*).
const (
	FlagKindMask        uint64 = 0x03
	FlagKindRegular     uint64 = 0x00
	FlagKindThreadLocal uint64 = 0x01
	FlagKindAbsolute    uint64 = 0x02
	FlagWeakDefinition  uint64 = 0x04
	FlagReExport        uint64 = 0x08
	FlagStubAndResolver uint64 = 0x10
	FlagFunctionVariant uint64 = 0x20
)

// PayloadToSymbol decodes a trie terminal payload into a Symbol. Flag bits
// above bit 5 are unknown and reject the payload.
func PayloadToSymbol(name string, payload []byte) (Symbol, error) {
	r := bytes.NewReader(payload)

	flags, err := trie.ReadUleb128(r)
	if err != nil {
		return Symbol{}, err
	}
	if flags>>6 != 0 {
		return Symbol{}, errors.Wrapf(trie.ErrMalformed, "unknown exports flag bits %#x", flags)
	}

	value, err := trie.ReadUleb128(r)
	if err != nil {
		return Symbol{}, err
	}

	switch {
	case flags&FlagKindMask == FlagKindAbsolute:
		return MakeAbsoluteExport(name, value, false), nil
	case flags&FlagKindMask == FlagKindThreadLocal:
		return MakeThreadLocalExport(name, value, 0, false, false, flags&FlagWeakDefinition != 0), nil
	case flags&FlagReExport != 0:
		var importName []byte
		for {
			c, err := r.ReadByte()
			if err != nil {
				return Symbol{}, errors.Wrap(trie.ErrMalformed, "unterminated re-export import name")
			}
			if c == '\x00' {
				break
			}
			importName = append(importName, c)
		}
		sym := MakeReExport(name, int(int64(value)), string(importName))
		if flags&FlagWeakDefinition != 0 {
			sym.weakDef = true
		}
		return sym, nil
	case flags&FlagFunctionVariant != 0:
		tableIndex, err := trie.ReadUleb128(r)
		if err != nil {
			return Symbol{}, err
		}
		return MakeFunctionVariantExport(name, value, 0, uint32(tableIndex)), nil
	case flags&FlagStubAndResolver != 0:
		funcOffset, err := trie.ReadUleb128(r)
		if err != nil {
			return Symbol{}, err
		}
		return MakeDynamicResolver(name, 1, value, funcOffset), nil
	case flags&FlagWeakDefinition != 0:
		return MakeWeakDefExport(name, value, 0, false, false), nil
	default:
		return MakeRegularExport(name, value, 0, false, false), nil
	}
}

// SymbolToPayload encodes a Symbol into its trie terminal payload. Only
// exported definitions have a payload encoding; undefined and tentative
// symbols cannot appear in an exports trie.
func SymbolToPayload(sym Symbol) ([]byte, error) {
	switch sym.Kind() {
	case KindUndefined, KindTentative:
		return nil, errors.Errorf("cannot encode %s symbol '%s' in exports trie", sym.Kind(), sym.Name())
	}

	if ord, importName, ok := sym.IsReExport(); ok {
		flags := FlagReExport
		if sym.IsWeakDef() {
			flags |= FlagWeakDefinition
		}
		// a re-export that keeps the name encodes an empty import string
		if importName == sym.Name() {
			importName = ""
		}
		payload := trie.AppendUleb128(nil, flags)
		payload = trie.AppendUleb128(payload, uint64(int64(ord)))
		payload = append(payload, importName...)
		return append(payload, 0), nil
	}

	if defOffset, tableIndex, ok := sym.IsFunctionVariant(); ok {
		payload := trie.AppendUleb128(nil, FlagFunctionVariant)
		payload = trie.AppendUleb128(payload, defOffset)
		return trie.AppendUleb128(payload, uint64(tableIndex)), nil
	}

	if stubOffset, funcOffset, ok := sym.IsDynamicResolver(); ok {
		payload := trie.AppendUleb128(nil, FlagStubAndResolver)
		payload = trie.AppendUleb128(payload, stubOffset)
		return trie.AppendUleb128(payload, funcOffset), nil
	}

	var flags uint64
	var value uint64
	switch sym.Kind() {
	case KindAbsolute:
		flags = FlagKindAbsolute
		value, _ = sym.IsAbsolute()
	case KindThreadLocal:
		flags = FlagKindThreadLocal
		value, _ = sym.IsThreadLocal()
	default:
		value, _ = sym.ImplOffset()
	}
	if sym.IsWeakDef() && sym.Kind() != KindAbsolute {
		flags |= FlagWeakDefinition
	}

	payload := trie.AppendUleb128(nil, flags)
	return trie.AppendUleb128(payload, value), nil
}
