package trie

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries() []Entry {
	return []Entry{
		{Name: "_free", Payload: []byte{0x00, 0x30}},
		{Name: "_main", Payload: []byte{0x00, 0x10}},
		{Name: "_malloc", Payload: []byte{0x00, 0x20}},
		{Name: "_mallocate", Payload: []byte{0x00, 0x25}},
		{Name: "_read", Payload: []byte{0x00, 0x40}},
		{Name: "_write", Payload: []byte{0x00, 0x50}},
	}
}

func TestBuildLookupRoundTrip(t *testing.T) {
	entries := testEntries()
	data, err := Build(entries)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Zero(t, len(data)%8)

	tr := New(data)
	for _, e := range entries {
		payload, err := tr.Lookup(e.Name)
		require.NoError(t, err, e.Name)
		assert.Equal(t, e.Payload, payload, e.Name)
	}

	for _, missing := range []string{"_mall", "_mainframe", "_zzz", ""} {
		_, err := tr.Lookup(missing)
		assert.ErrorIs(t, err, ErrNotFound, missing)
	}
}

func TestForEachEntry(t *testing.T) {
	entries := testEntries()
	data, err := Build(entries)
	require.NoError(t, err)

	got, err := New(data).Entries()
	require.NoError(t, err)
	assert.Equal(t, entries, got) // enumeration is sorted, like the input

	count, err := New(data).EntryCount()
	require.NoError(t, err)
	assert.Equal(t, len(entries), count)

	// short-circuit after the first terminal
	var seen int
	err = New(data).ForEachEntry(func(Entry) bool {
		seen++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestBuildIdempotent(t *testing.T) {
	data, err := Build(testEntries())
	require.NoError(t, err)

	entries, err := New(data).Entries()
	require.NoError(t, err)

	rebuilt, err := Build(entries)
	require.NoError(t, err)
	assert.Equal(t, data, rebuilt)
}

func TestBuildSortsWhenAsked(t *testing.T) {
	entries := testEntries()
	shuffled := []Entry{entries[4], entries[0], entries[5], entries[2], entries[1], entries[3]}

	sorted, err := Build(entries)
	require.NoError(t, err)
	resorted, err := Build(shuffled, NeedsSort())
	require.NoError(t, err)
	assert.Equal(t, sorted, resorted)
}

func TestDuplicateSymbolRejected(t *testing.T) {
	tests := [][]Entry{
		{{Name: "_dup"}, {Name: "_dup"}},
		{{Name: "_dup"}, {Name: "_dup"}, {Name: "_duplicate"}},
		{{Name: "_a"}, {Name: "_dup"}, {Name: "_dup"}},
	}
	for _, entries := range tests {
		data, err := Build(entries)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.EqualError(t, err, "duplicate symbol '_dup'")
		assert.Nil(t, data)
	}
}

func TestLookupCycleDetected(t *testing.T) {
	// two nodes whose edges point at each other forever
	corrupted := []byte{
		0x00, 0x01, 'a', 0x00, 0x05, // node at 0: edge "a" -> 5
		0x00, 0x01, 'a', 0x00, 0x05, // node at 5: edge "a" -> 5
	}
	tr := New(corrupted)

	_, err := tr.Lookup("aaaaaaaa")
	assert.ErrorIs(t, err, ErrCycle)

	err = tr.ForEachEntry(func(Entry) bool { return false })
	assert.ErrorIs(t, err, ErrCycle)
}

func TestLookupMalformed(t *testing.T) {
	// terminal size runs past the end of the buffer
	_, err := New([]byte{0x7f, 0x01}).Lookup("")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed) || errors.Is(err, ErrNotFound))

	// child offset out of bounds
	_, err = New([]byte{0x00, 0x01, 'a', 0x00, 0x7f}).Lookup("a")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEmptyTrie(t *testing.T) {
	count, err := New(nil).EntryCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestParallelBuildMatchesSerial(t *testing.T) {
	entries := make([]Entry, 0, 0x9000)
	for i := 0; i < 0x9000; i++ {
		entries = append(entries, Entry{
			Name:    fmt.Sprintf("_symbol%06x", i),
			Payload: AppendUleb128([]byte{0x00}, uint64(i)),
		})
	}

	parallel, err := Build(entries)
	require.NoError(t, err)
	serial, err := Build(entries, SerialWork())
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)

	tr := New(parallel)
	count, err := tr.EntryCount()
	require.NoError(t, err)
	assert.Equal(t, len(entries), count)

	for _, i := range []int{0, 1, 0x3fff, 0x4000, 0x8fff} {
		payload, err := tr.Lookup(entries[i].Name)
		require.NoError(t, err)
		assert.Equal(t, entries[i].Payload, payload)
	}
}

func TestFilter(t *testing.T) {
	data, err := Build(testEntries())
	require.NoError(t, err)
	tr := New(data)

	identical, err := tr.Filter(func(Entry) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, data, identical)

	pruned, err := tr.Filter(func(e Entry) bool { return e.Name != "_malloc" })
	require.NoError(t, err)

	_, err = New(pruned).Lookup("_malloc")
	assert.ErrorIs(t, err, ErrNotFound)
	payload, err := New(pruned).Lookup("_mallocate")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x25}, payload)
}

func TestDylibsPathTrie(t *testing.T) {
	data, err := BuildDylibsPathTrie(map[string]int{
		"/usr/lib/libSystem.B.dylib":       0,
		"/usr/lib/libc.dylib":              0, // alias install name
		"/usr/lib/libc++.1.dylib":          1,
		"/System/Library/Frameworks/F":     2,
		"/System/Library/Frameworks/Fancy": 3,
	})
	require.NoError(t, err)

	dt := NewDylibsPathTrie(data)
	idx, found := dt.HasPath("/usr/lib/libc.dylib")
	require.True(t, found)
	assert.Equal(t, 0, idx)
	idx, found = dt.HasPath("/System/Library/Frameworks/Fancy")
	require.True(t, found)
	assert.Equal(t, 3, idx)
	_, found = dt.HasPath("/usr/lib/libc")
	assert.False(t, found)

	paths := make(map[string]int)
	err = dt.ForEachDylibPath(func(path string, dylibIndex int) bool {
		paths[path] = dylibIndex
		return false
	})
	require.NoError(t, err)
	assert.Len(t, paths, 5)
	assert.Equal(t, 1, paths["/usr/lib/libc++.1.dylib"])
}

func TestLookupLargeTerminalPayload(t *testing.T) {
	// a 200-byte terminal payload needs a two-byte size uleb, pushing the
	// child records further out than a minimal node's
	big := bytes.Repeat([]byte{0x5a}, 200)
	entries := []Entry{
		{Name: "_a", Payload: big},
		{Name: "_ab", Payload: []byte{0x01}},
	}
	data, err := Build(entries)
	require.NoError(t, err)

	tr := New(data)
	payload, err := tr.Lookup("_a")
	require.NoError(t, err)
	assert.Equal(t, big, payload)

	payload, err = tr.Lookup("_ab")
	require.NoError(t, err, "entries past a large terminal stay findable")
	assert.Equal(t, []byte{0x01}, payload)

	got, err := tr.Entries()
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}
