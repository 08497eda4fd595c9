// Package index implements the B+-tree index engine used for directories
// ($I30), the security descriptor stream indexes ($SII, $SDH), and other
// collation-ordered attributes. An index is a root node (held resident in
// $INDEX_ROOT) whose entries either hold the data directly or point at a
// child $INDEX_ALLOCATION block (a non-leaf entry carries a VCN), with
// leaves possibly spilling into further $INDEX_ALLOCATION blocks.
//
// This package models the tree logically, independent of how its nodes are
// packed into attribute bytes: Store supplies access to $INDEX_ALLOCATION
// blocks, so the tree can be built over one real MFT record or purely in
// memory for tests.
package index

import (
	"sort"

	"github.com/nfistri/gontfs/internal/ntfserr"
)

// Comparator orders two keys the way a specific index does: $I30 uses
// NTFS's UTF-16 collation, $SII/$SDH use integer or composite-integer keys.
type Comparator func(a, b []byte) int

// Entry is one index entry: a key, its associated data (for a leaf entry)
// and, for a non-leaf entry, the VCN of the child block it precedes.
type Entry struct {
	Key      []byte
	Data     []byte
	HasChild bool
	ChildVCN int64
}

// Store gives the tree access to the index's allocation blocks by VCN; node
// 0 is conventionally reserved for the root's overflow and is addressed the
// same way as any other block by the tree's logic (the root's entries
// themselves are kept separately, in Tree.root).
type Store interface {
	ReadBlock(vcn int64) (*Node, error)
	WriteBlock(vcn int64, n *Node) error
	AllocBlock() (vcn int64, err error)
	FreeBlock(vcn int64) error
}

// Node is one B+-tree node's worth of entries, kept in key order. A
// non-leaf node with n entries has n+1 children: Entries[i].ChildVCN holds
// keys less than Entries[i].Key, and LastChild holds keys greater than
// every entry's key (the trailing pointer reference NTFS index nodes store
// on their INDEX_ENTRY_END marker).
type Node struct {
	Entries   []Entry
	Leaf      bool
	LastChild int64
}

// Tree is a B+-tree index bound to a Comparator and a Store for its non-root
// blocks.
type Tree struct {
	cmp        Comparator
	store      Store
	root       Node
	maxEntries int // per-node fanout before a split is triggered
}

// New returns an index tree with an empty root, ready to have entries
// inserted into it. maxEntries bounds how many entries a node holds before
// Insert splits it; reference NTFS indexes size this from the index block
// size (commonly 4096 bytes) divided by the typical entry size, but callers
// may pick any value appropriate to their entry sizes.
func New(cmp Comparator, store Store, maxEntries int) *Tree {
	return &Tree{cmp: cmp, store: store, root: Node{Leaf: true}, maxEntries: maxEntries}
}

// Root exposes the root node, e.g. for serializing into $INDEX_ROOT.
func (t *Tree) Root() *Node { return &t.root }

// LoadRoot replaces the tree's root node, e.g. after reading $INDEX_ROOT.
func (t *Tree) LoadRoot(n Node) { t.root = n }

// cursor records the path taken from the root down to a leaf, so Insert and
// Delete can walk back up to fix up parent entries after a split or merge.
type cursor struct {
	nodes []*Node
	vcns  []int64 // vcns[i] is the block holding nodes[i], or -1 for the root
	idx   []int   // idx[i] is the position within nodes[i] that was descended through
}

// Find locates key in the tree. ok is true on an exact match; entry is then
// that match. On a miss, entry/ok are zero/false but no error is returned:
// callers use Find both to test membership and to locate an insertion
// point.
func (t *Tree) Find(key []byte) (entry Entry, ok bool, err error) {
	node := &t.root
	for {
		i := sort.Search(len(node.Entries), func(i int) bool {
			return t.cmp(node.Entries[i].Key, key) >= 0
		})
		if node.Leaf {
			if i < len(node.Entries) && t.cmp(node.Entries[i].Key, key) == 0 {
				return node.Entries[i], true, nil
			}
			return Entry{}, false, nil
		}
		// An internal separator equal to key was copied up from the right
		// subtree's first leaf entry; descend right (i+1), not into the
		// "less than" child at i.
		if i < len(node.Entries) && t.cmp(node.Entries[i].Key, key) == 0 {
			i++
		}
		childVCN := childAt(node, i)
		child, err := t.store.ReadBlock(childVCN)
		if err != nil {
			return Entry{}, false, err
		}
		node = child
	}
}

// childAt returns the VCN of the child subtree to descend into for a search
// key that sorted to position i among node's entries.
func childAt(node *Node, i int) int64 {
	if i < len(node.Entries) {
		return node.Entries[i].ChildVCN
	}
	return node.LastChild
}

// descend walks from the root to the leaf that would contain key, recording
// the path for later fix-up.
func (t *Tree) descend(key []byte) (*cursor, error) {
	c := &cursor{}
	node := &t.root
	vcn := int64(-1)
	for {
		i := sort.Search(len(node.Entries), func(i int) bool {
			return t.cmp(node.Entries[i].Key, key) >= 0
		})
		c.nodes = append(c.nodes, node)
		c.vcns = append(c.vcns, vcn)
		c.idx = append(c.idx, i)
		if node.Leaf {
			return c, nil
		}
		if i < len(node.Entries) && t.cmp(node.Entries[i].Key, key) == 0 {
			i++
			c.idx[len(c.idx)-1] = i
		}
		childVCN := childAt(node, i)
		child, err := t.store.ReadBlock(childVCN)
		if err != nil {
			return nil, err
		}
		node = child
		vcn = childVCN
	}
}

// InsertEntry adds e to the tree, splitting nodes as needed. It returns
// ntfserr.Exists if an entry with the same key is already present.
func (t *Tree) InsertEntry(e Entry) error {
	c, err := t.descend(e.Key)
	if err != nil {
		return err
	}
	leaf := c.nodes[len(c.nodes)-1]
	pos := c.idx[len(c.idx)-1]
	if pos < len(leaf.Entries) && t.cmp(leaf.Entries[pos].Key, e.Key) == 0 {
		return ntfserr.New(ntfserr.Exists, "index.InsertEntry", nil)
	}
	leaf.Entries = insertAt(leaf.Entries, pos, e)

	return t.fixupAfterInsert(c)
}

func insertAt(s []Entry, i int, e Entry) []Entry {
	s = append(s, Entry{})
	copy(s[i+1:], s[i:])
	s[i] = e
	return s
}

// fixupAfterInsert splits any node on the path that grew past maxEntries,
// propagating a new separator key up toward the root.
func (t *Tree) fixupAfterInsert(c *cursor) error {
	for level := len(c.nodes) - 1; level >= 0; level-- {
		node := c.nodes[level]
		if len(node.Entries) <= t.maxEntries {
			if c.vcns[level] >= 0 {
				return t.store.WriteBlock(c.vcns[level], node)
			}
			return nil
		}
		mid := len(node.Entries) / 2
		promoted := node.Entries[mid]

		var rightEntries []Entry
		var rightLastChild int64
		if node.Leaf {
			// B+-tree leaves keep every entry; the promoted key is copied
			// (not moved) up as a separator, and both halves keep their data.
			rightEntries = append([]Entry(nil), node.Entries[mid:]...)
		} else {
			// Internal split: the median key moves up; its child becomes
			// the left node's new trailing pointer, and the old trailing
			// pointer becomes the right node's trailing pointer.
			rightEntries = append([]Entry(nil), node.Entries[mid+1:]...)
			rightLastChild = node.LastChild
			node.LastChild = promoted.ChildVCN
		}
		node.Entries = node.Entries[:mid]

		rightVCN, err := t.store.AllocBlock()
		if err != nil {
			return err
		}
		right := &Node{Entries: rightEntries, Leaf: node.Leaf, LastChild: rightLastChild}
		if err := t.store.WriteBlock(rightVCN, right); err != nil {
			return err
		}
		if c.vcns[level] >= 0 {
			if err := t.store.WriteBlock(c.vcns[level], node); err != nil {
				return err
			}
		}

		separator := Entry{Key: promoted.Key, HasChild: true, ChildVCN: rightVCN}
		if node.Leaf {
			// The separator carries no data of its own; lookups for this
			// key still resolve against the copy kept in the right leaf.
			separator.Data = nil
		}

		if level == 0 {
			newRoot := Node{Leaf: false, Entries: []Entry{separator}, LastChild: rightVCN}
			leftVCN, err := t.store.AllocBlock()
			if err != nil {
				return err
			}
			leftCopy := *node
			if err := t.store.WriteBlock(leftVCN, &leftCopy); err != nil {
				return err
			}
			newRoot.Entries[0].ChildVCN = leftVCN
			t.root = newRoot
			return nil
		}
		// The separator's "less than" child is the node just split (now the
		// left half); the parent pointer that led to it now leads to the new
		// right node.
		parent := c.nodes[level-1]
		ppos := c.idx[level-1]
		separator.ChildVCN = c.vcns[level]
		if ppos < len(parent.Entries) {
			parent.Entries[ppos].ChildVCN = rightVCN
		} else {
			parent.LastChild = rightVCN
		}
		parent.Entries = insertAt(parent.Entries, ppos, separator)
	}
	return nil
}

// DeleteEntry removes the entry with the given key. It returns
// ntfserr.NotFound if no such entry exists. The entry is removed from its
// leaf only: underflow is not rebalanced (no borrowing from or merging with a
// sibling), separator copies in internal nodes are left in place, and a leaf
// that becomes empty stays in the tree with its block still allocated
// (Store.FreeBlock is never called).
func (t *Tree) DeleteEntry(key []byte) error {
	c, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf := c.nodes[len(c.nodes)-1]
	pos := c.idx[len(c.idx)-1]
	if pos >= len(leaf.Entries) || t.cmp(leaf.Entries[pos].Key, key) != 0 {
		return ntfserr.New(ntfserr.NotFound, "index.DeleteEntry", nil)
	}
	leaf.Entries = append(leaf.Entries[:pos], leaf.Entries[pos+1:]...)
	if vcn := c.vcns[len(c.vcns)-1]; vcn >= 0 {
		return t.store.WriteBlock(vcn, leaf)
	}
	return nil
}

// UpdateDup rewrites the data bytes associated with key in place (used when
// an attribute whose value is duplicated into the index, e.g. $FILE_NAME
// timestamps, changes without the key itself changing).
func (t *Tree) UpdateDup(key, newData []byte) error {
	c, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf := c.nodes[len(c.nodes)-1]
	pos := c.idx[len(c.idx)-1]
	if pos >= len(leaf.Entries) || t.cmp(leaf.Entries[pos].Key, key) != 0 {
		return ntfserr.New(ntfserr.NotFound, "index.UpdateDup", nil)
	}
	leaf.Entries[pos].Data = newData
	if vcn := c.vcns[len(c.vcns)-1]; vcn >= 0 {
		return t.store.WriteBlock(vcn, leaf)
	}
	return nil
}

// Enumerate walks every entry of the index in collation order.
func (t *Tree) Enumerate(fn func(Entry) bool) error {
	return t.enumerateNode(&t.root, fn)
}

func (t *Tree) enumerateNode(node *Node, fn func(Entry) bool) error {
	if node.Leaf {
		for _, e := range node.Entries {
			if !fn(e) {
				return nil
			}
		}
		return nil
	}
	for _, e := range node.Entries {
		child, err := t.store.ReadBlock(e.ChildVCN)
		if err != nil {
			return err
		}
		if err := t.enumerateNode(child, fn); err != nil {
			return err
		}
	}
	last, err := t.store.ReadBlock(node.LastChild)
	if err != nil {
		return err
	}
	return t.enumerateNode(last, fn)
}
