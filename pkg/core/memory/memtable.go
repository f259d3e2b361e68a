package memory

import (
	"github.com/google/btree"
)

type Item struct {
	Key string
	Val []byte
}

func lessItem(a, b Item) bool {
	return a.Key < b.Key
}

// MemTable is an ordered key/value map. It is not safe for concurrent use;
// the owning shard's lock guards it.
type MemTable struct {
	tree *btree.BTreeG[Item]
	size int
}

func NewMemTable(degree int) *MemTable {
	return &MemTable{
		tree: btree.NewG(degree, lessItem),
	}
}

// Put inserts or replaces key. The value is stored as given.
func (mt *MemTable) Put(key string, val []byte) {
	old, replaced := mt.tree.ReplaceOrInsert(Item{Key: key, Val: val})
	if replaced {
		mt.size -= len(old.Key) + len(old.Val)
	}
	mt.size += len(key) + len(val)
}

func (mt *MemTable) Get(key string) ([]byte, bool) {
	item, ok := mt.tree.Get(Item{Key: key})
	if !ok {
		return nil, false
	}
	return item.Val, true
}

// Delete removes key and reports whether it was present.
func (mt *MemTable) Delete(key string) bool {
	old, ok := mt.tree.Delete(Item{Key: key})
	if ok {
		mt.size -= len(old.Key) + len(old.Val)
	}
	return ok
}

// Size is the total number of key and value bytes held.
func (mt *MemTable) Size() int {
	return mt.size
}

func (mt *MemTable) Count() int {
	return mt.tree.Len()
}

// Iterator visits items in ascending key order until fn returns false.
func (mt *MemTable) Iterator(fn func(key string, val []byte) bool) {
	mt.tree.Ascend(func(item Item) bool {
		return fn(item.Key, item.Val)
	})
}

// Scan returns the items with start <= key < end. An empty end means no upper bound.
func (mt *MemTable) Scan(start, end string) []Item {
	var out []Item
	visit := func(item Item) bool {
		out = append(out, item)
		return true
	}
	if end == "" {
		mt.tree.AscendGreaterOrEqual(Item{Key: start}, visit)
	} else {
		mt.tree.AscendRange(Item{Key: start}, Item{Key: end}, visit)
	}
	return out
}

func (mt *MemTable) Clear() {
	mt.tree.Clear(false)
	mt.size = 0
}
