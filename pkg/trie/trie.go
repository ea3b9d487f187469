package trie

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrMalformed means the trie bytes could not be decoded.
	ErrMalformed = errors.New("malformed trie")
	// ErrCycle means a child offset pointed back at an already visited node.
	ErrCycle = errors.New("cycle detected in trie")
	// ErrNotFound means the symbol has no entry in the trie.
	ErrNotFound = errors.New("symbol not in trie")
	// ErrDuplicate means two entries share the same name.
	ErrDuplicate = errors.New("duplicate symbol")
)

// Entry is one terminal of a trie: a full name and its opaque payload bytes.
type Entry struct {
	Name    string
	Payload []byte
}

// Trie is a read-only view over serialized trie bytes. The bytes are never
// copied or mutated; offsets inside the trie are relative to data[0].
type Trie struct {
	data []byte
}

// New wraps already serialized trie bytes.
func New(data []byte) *Trie {
	return &Trie{data: data}
}

// Size returns the size of the underlying trie buffer.
func (t *Trie) Size() int {
	return len(t.data)
}

// Bytes returns the underlying trie buffer.
func (t *Trie) Bytes() []byte {
	return t.data
}

// Lookup walks the trie for an exact name match and returns the terminal
// payload. The walk visits at most one node per consumed character plus the
// root, and fails with ErrCycle if a child offset points back at a node
// already on the path.
func (t *Trie) Lookup(symbol string) ([]byte, error) {
	var strIndex int
	var offset, nodeOffset uint64

	visited := []uint64{0}
	r := bytes.NewReader(t.data)

	for {
		r.Seek(int64(offset), io.SeekStart)

		terminalSize, err := ReadUleb128(r)
		if err != nil {
			return nil, err
		}

		if strIndex == len(symbol) && terminalSize != 0 {
			payloadStart := offset + uint64(Uleb128Size(terminalSize))
			if payloadStart+terminalSize > uint64(len(t.data)) {
				return nil, errors.Wrap(ErrMalformed, "terminal payload extends beyond trie data")
			}
			return t.data[payloadStart : payloadStart+terminalSize], nil
		}

		childrenOffset := offset + uint64(Uleb128Size(terminalSize)) + terminalSize
		if childrenOffset >= uint64(len(t.data)) {
			return nil, errors.Wrap(ErrMalformed, "terminal size extends beyond trie data")
		}
		r.Seek(int64(childrenOffset), io.SeekStart)

		childrenRemaining, err := r.ReadByte()
		if err == io.EOF {
			break
		}

		nodeOffset = 0

		for i := childrenRemaining; i > 0; i-- {
			searchStrIndex := strIndex
			wrongEdge := false

			for {
				c, err := r.ReadByte()
				if err == io.EOF {
					return nil, errors.Wrap(ErrMalformed, "edge string extends beyond trie data")
				}
				if c == '\x00' {
					break
				}
				if !wrongEdge {
					if searchStrIndex == len(symbol) || c != symbol[searchStrIndex] {
						wrongEdge = true
					}
					searchStrIndex++
				}
			}

			if wrongEdge {
				// skip this child's offset and advance to the next sibling
				if _, err := ReadUleb128(r); err != nil {
					return nil, err
				}
			} else {
				// the symbol so far matches this edge (child)
				// so advance to the child's node
				nodeOffset, err = ReadUleb128(r)
				if err != nil {
					return nil, err
				}
				strIndex = searchStrIndex
				break
			}
		}

		if nodeOffset == 0 {
			break
		}
		if nodeOffset >= uint64(len(t.data)) {
			return nil, errors.Wrap(ErrMalformed, "node offset extends beyond trie data")
		}
		for _, v := range visited {
			if v == nodeOffset {
				return nil, errors.Wrapf(ErrCycle, "node offset %#x revisited", nodeOffset)
			}
		}
		visited = append(visited, nodeOffset)
		offset = nodeOffset
	}

	return nil, ErrNotFound
}

// ForEachEntry walks every terminal in the trie in depth-first (sorted) order.
// Returning true from the callback stops the walk early.
func (t *Trie) ForEachEntry(fn func(Entry) bool) error {
	if len(t.data) == 0 {
		// linkers emit an empty trie as a placeholder for "no exports"
		return nil
	}
	visited := make(map[uint64]struct{})
	_, err := t.recurse(0, nil, visited, fn)
	return err
}

// EntryCount returns the number of terminals in the trie.
func (t *Trie) EntryCount() (int, error) {
	var count int
	err := t.ForEachEntry(func(Entry) bool {
		count++
		return false
	})
	return count, err
}

// Entries decodes the whole trie into a slice in sorted order.
func (t *Trie) Entries() ([]Entry, error) {
	var entries []Entry
	err := t.ForEachEntry(func(e Entry) bool {
		entries = append(entries, e)
		return false
	})
	return entries, err
}

func (t *Trie) recurse(offset uint64, cum []byte, visited map[uint64]struct{}, fn func(Entry) bool) (bool, error) {
	if offset >= uint64(len(t.data)) {
		return false, errors.Wrap(ErrMalformed, "node past end of trie data")
	}
	if _, ok := visited[offset]; ok {
		return false, errors.Wrapf(ErrCycle, "node offset %#x revisited", offset)
	}
	visited[offset] = struct{}{}

	r := bytes.NewReader(t.data)
	r.Seek(int64(offset), io.SeekStart)

	terminalSize, err := ReadUleb128(r)
	if err != nil {
		return false, err
	}
	payloadStart := offset + uint64(Uleb128Size(terminalSize))
	if payloadStart+terminalSize > uint64(len(t.data)) {
		return false, errors.Wrap(ErrMalformed, "terminal size extends beyond trie data")
	}

	if terminalSize != 0 {
		if fn(Entry{Name: string(cum), Payload: t.data[payloadStart : payloadStart+terminalSize]}) {
			return true, nil
		}
	}

	r.Seek(int64(payloadStart+terminalSize), io.SeekStart)
	childCount, err := r.ReadByte()
	if err != nil {
		return false, errors.Wrap(ErrMalformed, "child count past end of trie data")
	}

	for i := 0; i < int(childCount); i++ {
		edge := make([]byte, len(cum), len(cum)+32)
		copy(edge, cum)
		for {
			c, err := r.ReadByte()
			if err != nil {
				return false, errors.Wrap(ErrMalformed, "edge string extends beyond trie data")
			}
			if c == '\x00' {
				break
			}
			edge = append(edge, c)
		}
		childOffset, err := ReadUleb128(r)
		if err != nil {
			return false, err
		}
		if childOffset == 0 {
			return false, errors.Wrap(ErrMalformed, "child node offset is zero")
		}

		next, _ := r.Seek(0, io.SeekCurrent)
		stop, err := t.recurse(childOffset, edge, visited, fn)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
		r.Seek(next, io.SeekStart)
	}

	return false, nil
}
