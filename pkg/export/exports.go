package export

import (
	"github.com/pkg/errors"

	"github.com/blacktop/go-dyld/pkg/trie"
)

// ExportsTrie interprets trie terminals as exported symbols.
type ExportsTrie struct {
	t *trie.Trie
}

// NewExportsTrie wraps serialized exports trie bytes.
func NewExportsTrie(data []byte) *ExportsTrie {
	return &ExportsTrie{t: trie.New(data)}
}

// Bytes returns the underlying trie buffer.
func (e *ExportsTrie) Bytes() []byte { return e.t.Bytes() }

// HasExportedSymbol looks up name and decodes its terminal payload.
// A missing symbol returns trie.ErrNotFound.
func (e *ExportsTrie) HasExportedSymbol(name string) (Symbol, error) {
	payload, err := e.t.Lookup(name)
	if err != nil {
		return Symbol{}, err
	}
	return PayloadToSymbol(name, payload)
}

// ForEachExportedSymbol walks every export in sorted order. Returning true
// from the callback stops the walk.
func (e *ExportsTrie) ForEachExportedSymbol(fn func(Symbol) bool) error {
	var decodeErr error
	err := e.t.ForEachEntry(func(entry trie.Entry) bool {
		sym, err := PayloadToSymbol(entry.Name, entry.Payload)
		if err != nil {
			decodeErr = err
			return true
		}
		return fn(sym)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// Valid decodes every terminal and checks that no implementation offset is
// past the image's last mapped byte. Re-exports and absolutes carry no
// vm offset and are exempt.
func (e *ExportsTrie) Valid(maxVmOffset uint64) error {
	var contentErr error
	err := e.t.ForEachEntry(func(entry trie.Entry) bool {
		sym, err := PayloadToSymbol(entry.Name, entry.Payload)
		if err != nil {
			contentErr = err
			return true
		}
		if _, _, ok := sym.IsReExport(); ok {
			return false
		}
		if _, ok := sym.IsAbsolute(); ok {
			return false
		}
		if vmOffset, ok := sym.ImplOffset(); ok && vmOffset > maxVmOffset {
			contentErr = errors.Errorf("vmOffset too large for %s", sym.Name())
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	return contentErr
}

// BuildExportsTrie serializes exported symbols into trie bytes. Options are
// passed through to the generic builder (trie.NeedsSort, trie.SerialWork).
func BuildExportsTrie(syms []Symbol, opts ...trie.BuildOption) ([]byte, error) {
	entries := make([]trie.Entry, 0, len(syms))
	for _, sym := range syms {
		payload, err := SymbolToPayload(sym)
		if err != nil {
			return nil, err
		}
		entries = append(entries, trie.Entry{Name: sym.Name(), Payload: payload})
	}
	return trie.Build(entries, opts...)
}
