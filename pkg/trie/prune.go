package trie

// Filter rebuilds the trie from its own enumeration, keeping only the
// entries for which keep returns true. Enumeration yields sorted order, so
// the rebuild needs no re-sort and filtering a trie with an always-true keep
// reproduces it byte for byte.
func (t *Trie) Filter(keep func(Entry) bool) ([]byte, error) {
	var kept []Entry
	err := t.ForEachEntry(func(e Entry) bool {
		if keep(e) {
			kept = append(kept, Entry{Name: e.Name, Payload: append([]byte(nil), e.Payload...)})
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return Build(kept)
}
