package trie

import (
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Subtrees with fewer entries than this are queued and built concurrently;
// above it the recursion stays serial to bound fan-out overhead.
const parallelSubtreeThreshold = 0x4000

// Nodes deeper than this are grouped per subtree for concurrent serialization.
const writeDepthThreshold = 4

type duplicateSymbolError string

func (e duplicateSymbolError) Error() string {
	return fmt.Sprintf("duplicate symbol '%s'", string(e))
}

func (e duplicateSymbolError) Is(target error) bool { return target == ErrDuplicate }

type builderNode struct {
	cum      string // cumulative string from the root
	payload  []byte // terminal payload, nil when not a terminal
	children []builderEdge
	offset   uint32
	size     uint32
}

type builderEdge struct {
	label string
	child *builderNode
}

type subtreeRoot struct {
	parent  *builderNode
	entries []Entry
}

type builder struct {
	needsSort bool
	serial    bool
}

// BuildOption customizes trie construction.
type BuildOption func(*builder)

// NeedsSort makes Build sort the entries lexicographically first.
func NeedsSort() BuildOption {
	return func(b *builder) { b.needsSort = true }
}

// SerialWork disables parallel subtree construction and serialization.
func SerialWork() BuildOption {
	return func(b *builder) { b.serial = true }
}

// Build serializes the entries into trie bytes. Entries must be sorted by
// name unless NeedsSort is given; two entries with the same name abort the
// build. The returned buffer is padded so anything following it in a
// container stays 8-byte aligned.
func Build(entries []Entry, opts ...BuildOption) ([]byte, error) {
	var b builder
	for _, opt := range opts {
		opt(&b)
	}

	if b.needsSort {
		entries = append([]Entry(nil), entries...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	}

	root := &builderNode{}
	var roots []subtreeRoot
	if len(entries) > 0 {
		collect := &roots
		if b.serial {
			collect = nil
		}
		if err := buildSubtree(root, 0, entries, collect); err != nil {
			return nil, err
		}
	}

	if len(roots) > 0 {
		var eg errgroup.Group
		eg.SetLimit(runtime.GOMAXPROCS(0))
		for _, sub := range roots {
			sub := sub
			eg.Go(func() error {
				return buildSubtree(sub.parent, len(sub.parent.cum), sub.entries, nil)
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	// The root is measured first with oversized dummy child offsets so its
	// size stays stable once the real offsets are known. Everything below it
	// gets an offset in a single postorder traversal.
	for _, e := range root.children {
		e.child.offset = 0xFFFFFFFF
	}
	var curOffset uint32
	root.updateOffset(&curOffset)
	for _, e := range root.children {
		updateOffsetPostorder(e.child, &curOffset)
	}

	size := curOffset
	if pad := size % 8; pad != 0 {
		size += 8 - pad
	}

	buf := make([]byte, size)
	writeNodes(buf, root, b.serial)
	return buf, nil
}

// buildSubtree partitions sorted entries into edges under parentNode. Entries
// sharing the character at offset form one edge; binary search over the
// sorted slice finds the break instead of a linear scan. When roots is
// non-nil, subtrees below the parallelism threshold are queued there instead
// of being built inline.
func buildSubtree(parentNode *builderNode, offset int, entries []Entry, roots *[]subtreeRoot) error {
	for len(entries) > 0 {
		// one entry left, it ends this branch
		if len(entries) == 1 {
			addTerminalNode(parentNode, entries[0])
			return nil
		}

		// name exhausted at the current offset, so this entry is the
		// parent's own terminal
		if len(entries[0].Name) == offset {
			addTerminalNode(parentNode, entries[0])
			entries = entries[1:]

			// a second entry of the same length in the same edge can only
			// be the same name
			if len(entries[0].Name) == offset {
				return duplicateSymbolError(entries[0].Name)
			}
		}

		edgeBreak, err := nextEdgeBreak(&offset, entries)
		if err != nil {
			return err
		}
		edgeNodes := entries[:edgeBreak]
		entries = entries[edgeBreak:]

		if len(edgeNodes) == 1 {
			addTerminalNode(parentNode, edgeNodes[0])
			continue
		}

		// multiple entries share the character at offset; make the edge
		// string as long as their common run
		commonLen := offset
		if err := findFirstDifferentChar(&commonLen, edgeNodes); err != nil {
			return err
		}

		cum := edgeNodes[0].Name[:commonLen]
		child := &builderNode{cum: cum}
		parentNode.children = append(parentNode.children, builderEdge{
			label: cum[len(parentNode.cum):],
			child: child,
		})

		if roots != nil && len(edgeNodes) < parallelSubtreeThreshold {
			*roots = append(*roots, subtreeRoot{parent: child, entries: edgeNodes})
		} else {
			if err := buildSubtree(child, commonLen, edgeNodes, roots); err != nil {
				return err
			}
		}
	}
	return nil
}

func addTerminalNode(parentNode *builderNode, entry Entry) {
	tail := entry.Name[len(parentNode.cum):]
	if tail == "" {
		parentNode.payload = entry.Payload
		return
	}
	parentNode.children = append(parentNode.children, builderEdge{
		label: tail,
		child: &builderNode{cum: entry.Name, payload: entry.Payload},
	})
}

// findFirstDifferentChar advances offset past the run of characters shared by
// every entry. Entries are sorted, so comparing the first and last entry
// covers all of them.
func findFirstDifferentChar(offset *int, entries []Entry) error {
	if len(entries) < 2 {
		return nil
	}
	first, last := entries[0].Name, entries[len(entries)-1].Name
	diff := *offset
	for diff < len(first) && diff < len(last) && first[diff] == last[diff] {
		diff++
	}
	*offset = diff
	if diff == len(last) {
		// first and last only converge fully when the names are equal
		return duplicateSymbolError(last)
	}
	return nil
}

// nextEdgeBreak counts the leading entries that share the character at
// offset. If every entry shares it, offset is moved back to the last common
// character and all entries form the edge.
func nextEdgeBreak(offset *int, entries []Entry) (int, error) {
	diff := *offset
	if err := findFirstDifferentChar(&diff, entries); err != nil {
		return 0, err
	}
	if diff != *offset {
		*offset = diff - 1
		return len(entries), nil
	}
	return binSearchNumEntriesWithChar(entries, *offset, entries[0].Name[*offset]), nil
}

// binSearchNumEntriesWithChar returns how many leading entries have ch at
// offset, exploiting the sort order.
func binSearchNumEntriesWithChar(entries []Entry, offset int, ch byte) int {
	if len(entries) == 1 {
		return 1
	}
	match := func(e Entry) bool {
		return offset < len(e.Name) && e.Name[offset] == ch
	}
	if match(entries[len(entries)-1]) {
		return len(entries)
	}
	if !match(entries[1]) {
		return 1
	}
	low, high := 0, len(entries)-1
	for high-low > 1 {
		middle := low + (high-low)/2
		if match(entries[middle]) {
			low = middle
		} else {
			high = middle
		}
	}
	return low + 1
}

// updateOffset computes the node's serialized size from its children's
// already assigned offsets and claims the next byte range for it.
func (n *builderNode) updateOffset(curOffset *uint32) {
	n.size = 1 // single zero byte when there is no terminal payload
	if len(n.payload) != 0 {
		n.size = uint32(len(n.payload))
		n.size += uint32(Uleb128Size(uint64(n.size)))
	}
	n.size++ // child count byte
	for _, e := range n.children {
		n.size += uint32(len(e.label)) + 1 + uint32(Uleb128Size(uint64(e.child.offset)))
	}
	n.offset = *curOffset
	*curOffset += n.size
}

func updateOffsetPostorder(n *builderNode, curOffset *uint32) {
	for _, e := range n.children {
		updateOffsetPostorder(e.child, curOffset)
	}
	n.updateOffset(curOffset)
}

// writeNode serializes one node into its pre-assigned byte range. Every
// node's range is disjoint, so concurrent writers need no locking.
func writeNode(buf []byte, n *builderNode) {
	out := buf[n.offset : n.offset+n.size]
	pos := 0
	if len(n.payload) != 0 {
		pos += copy(out[pos:], AppendUleb128(nil, uint64(len(n.payload))))
		pos += copy(out[pos:], n.payload)
	} else {
		out[pos] = 0
		pos++
	}
	out[pos] = byte(len(n.children))
	pos++
	for _, e := range n.children {
		pos += copy(out[pos:], e.label)
		out[pos] = 0
		pos++
		pos += copy(out[pos:], AppendUleb128(nil, uint64(e.child.offset)))
	}
}

func writeRecursive(buf []byte, n *builderNode) {
	writeNode(buf, n)
	for _, e := range n.children {
		writeRecursive(buf, e.child)
	}
}

func collectWriteWork(n *builderNode, depth int, standalone *[]*builderNode, subtrees *[]*builderNode) {
	*standalone = append(*standalone, n)
	if depth+1 > writeDepthThreshold {
		for _, e := range n.children {
			*subtrees = append(*subtrees, e.child)
		}
	} else {
		for _, e := range n.children {
			collectWriteWork(e.child, depth+1, standalone, subtrees)
		}
	}
}

func writeNodes(buf []byte, root *builderNode, serial bool) {
	var standalone, subtrees []*builderNode
	collectWriteWork(root, 0, &standalone, &subtrees)

	if serial {
		for _, n := range subtrees {
			writeRecursive(buf, n)
		}
		for _, n := range standalone {
			writeNode(buf, n)
		}
		return
	}

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, n := range subtrees {
		n := n
		eg.Go(func() error {
			writeRecursive(buf, n)
			return nil
		})
	}
	for _, n := range standalone {
		n := n
		eg.Go(func() error {
			writeNode(buf, n)
			return nil
		})
	}
	eg.Wait()
}
