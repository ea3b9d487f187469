package trie

import (
	"bytes"

	"github.com/pkg/errors"
)

// DylibsPathTrie maps install-name paths to dylib indexes. The terminal
// payload is a single ULEB128 index.
type DylibsPathTrie struct {
	trie *Trie
}

// NewDylibsPathTrie wraps serialized dylib path trie bytes.
func NewDylibsPathTrie(data []byte) *DylibsPathTrie {
	return &DylibsPathTrie{trie: New(data)}
}

// HasPath returns the dylib index stored for path.
func (d *DylibsPathTrie) HasPath(path string) (int, bool) {
	payload, err := d.trie.Lookup(path)
	if err != nil {
		return 0, false
	}
	idx, err := ReadUleb128(bytes.NewReader(payload))
	if err != nil {
		return 0, false
	}
	return int(idx), true
}

// ForEachDylibPath walks every path in the trie. Returning true from the
// callback stops the walk.
func (d *DylibsPathTrie) ForEachDylibPath(fn func(path string, dylibIndex int) bool) error {
	return d.trie.ForEachEntry(func(e Entry) bool {
		idx, err := ReadUleb128(bytes.NewReader(e.Payload))
		if err != nil {
			return true
		}
		return fn(e.Name, int(idx))
	})
}

// BuildDylibsPathTrie serializes paths (in slice order) into a dylib path
// trie. A dylib with alias install names may appear under several paths
// mapping to the same index.
func BuildDylibsPathTrie(paths map[string]int) ([]byte, error) {
	if len(paths) == 0 {
		return nil, errors.New("no dylib paths to encode")
	}
	entries := make([]Entry, 0, len(paths))
	for path, idx := range paths {
		entries = append(entries, Entry{
			Name:    path,
			Payload: AppendUleb128(nil, uint64(idx)),
		})
	}
	return Build(entries, NeedsSort())
}
