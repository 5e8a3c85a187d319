package btree

import (
	"cmp"
	"errors"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// BoolTree is the bit-packed specialization used for the visibility tree
// (§6): a B+-tree whose leaves bit-pack their boolean values instead of
// spending a full byte per key, mirroring the prototype's
// BTreeLeafNode<KeyType, bool, size> template specialization. It shares the
// inner-node format and splitting strategy with Tree but keeps its own leaf
// layout, just as the original specializes rather than generalizes the leaf.
type BoolTree[K cmp.Ordered] struct {
	cache    *vmcache.VMCache
	rootPID  vmcache.PageID
	keyCodec Codec[K]
	innerCap int
	leafCap  int
}

// boolLeafCapacity matches the prototype's bit-exact derivation:
// (size - header - next) * 8 / (keyBits + 1).
func boolLeafCapacity(keySize int) int {
	return (vmcache.PageSize - nodeHeaderSize - pageIDSize) * 8 / (keySize*8 + 1)
}

func boolLeafKeysOffset() int { return nodeHeaderSize + pageIDSize }

func boolLeafValuesOffset(capacity, keySize int) int {
	return boolLeafKeysOffset() + capacity*keySize
}

func boolLeafGet(buf []byte, capacity, keySize, i int) bool {
	off := boolLeafValuesOffset(capacity, keySize) + i/8
	return buf[off]&(1<<uint(i%8)) != 0
}

func boolLeafSet(buf []byte, capacity, keySize, i int, v bool) {
	off := boolLeafValuesOffset(capacity, keySize) + i/8
	if v {
		buf[off] |= 1 << uint(i%8)
	} else {
		buf[off] &^= 1 << uint(i%8)
	}
}

// NewBoolTree allocates a fresh, empty bit-packed tree.
func NewBoolTree[K cmp.Ordered](cache *vmcache.VMCache, keyCodec Codec[K], workerID int) (*BoolTree[K], error) {
	t := &BoolTree[K]{
		cache:    cache,
		keyCodec: keyCodec,
		innerCap: innerCapacity(keyCodec.Size()),
		leafCap:  boolLeafCapacity(keyCodec.Size()),
	}
	root, err := vmcache.NewAllocGuard(cache, workerID)
	if err != nil {
		return nil, err
	}
	leaf, err := vmcache.NewAllocGuard(cache, workerID)
	if err != nil {
		return nil, err
	}
	writeHeader(root.Data(), 0, 1)
	setInnerChild(root.Data(), 0, leaf.PageID())
	writeHeader(leaf.Data(), 0, 0)
	setLeafNext(leaf.Data(), vmcache.InvalidPageID)
	t.rootPID = root.PageID()
	root.Release()
	leaf.Release()
	return t, nil
}

func OpenBoolTree[K cmp.Ordered](cache *vmcache.VMCache, rootPID vmcache.PageID, keyCodec Codec[K]) *BoolTree[K] {
	return &BoolTree[K]{
		cache:    cache,
		rootPID:  rootPID,
		keyCodec: keyCodec,
		innerCap: innerCapacity(keyCodec.Size()),
		leafCap:  boolLeafCapacity(keyCodec.Size()),
	}
}

func (t *BoolTree[K]) RootPageID() vmcache.PageID { return t.rootPID }

func (t *BoolTree[K]) leafKey(buf []byte, i int) K {
	return t.keyCodec.Decode(buf[boolLeafKeysOffset()+i*t.keyCodec.Size():])
}

func (t *BoolTree[K]) setLeafKey(buf []byte, i int, k K) {
	t.keyCodec.Encode(buf[boolLeafKeysOffset()+i*t.keyCodec.Size():], k)
}

func (t *BoolTree[K]) innerKey(buf []byte, i int) K {
	return t.keyCodec.Decode(buf[innerKeysOffset(t.innerCap)+i*t.keyCodec.Size():])
}

func (t *BoolTree[K]) setInnerKey(buf []byte, i int, k K) {
	t.keyCodec.Encode(buf[innerKeysOffset(t.innerCap)+i*t.keyCodec.Size():], k)
}

func (t *BoolTree[K]) traverseFrom(parent *vmcache.OptimisticGuard, key K) (vmcache.PageID, error) {
	for {
		nKeys, level := readHeader(parent.Data())
		l := lowerBound(func(i int) K { return t.innerKey(parent.Data(), i) }, int(nKeys), key)
		if l < int(nKeys) && t.innerKey(parent.Data(), l) == key {
			l++
		}
		child := innerChild(parent.Data(), l)
		if level == 1 {
			return child, nil
		}
		if err := parent.Reinit(child); err != nil {
			return 0, err
		}
	}
}

// Insert sets key's boolean value, appending to the leaf (no reordering of
// existing bits beyond what insert-in-the-middle requires — append-only
// visibility-bitmap workloads are the intended use, per the prototype's own
// comment on this specialization).
func (t *BoolTree[K]) Insert(workerID int, key K, value bool) error {
	_, err := retry(func() (struct{}, error) {
		return struct{}{}, t.tryInsert(workerID, key, value)
	})
	return err
}

func (t *BoolTree[K]) tryInsert(workerID int, key K, value bool) error {
	parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
	if err != nil {
		return err
	}
	leafPID, err := t.traverseFrom(parentO, key)
	if err != nil {
		return err
	}
	leafO, err := vmcache.NewOptimisticGuard(t.cache, leafPID)
	if err != nil {
		return err
	}
	nKeys, _ := readHeader(leafO.Data())
	if int(nKeys) < t.leafCap {
		leaf, err := leafO.Upgrade()
		if err != nil {
			return err
		}
		defer leaf.Release()
		if err := parentO.Validate(); err != nil {
			return err
		}
		return t.insertIntoLeaf(leaf, key, value)
	}
	parent, err := parentO.Upgrade()
	if err != nil {
		return err
	}
	leaf, err := leafO.Upgrade()
	if err != nil {
		parent.Release()
		return err
	}
	return t.splitLeaf(workerID, leaf, parent)
}

func (t *BoolTree[K]) insertIntoLeaf(leaf *vmcache.ExclusiveGuard, key K, value bool) error {
	buf := leaf.Data()
	nKeys, _ := readHeader(buf)
	l := lowerBound(func(i int) K { return t.leafKey(buf, i) }, int(nKeys), key)
	if l < int(nKeys) && t.leafKey(buf, l) == key {
		return ErrKeyExists
	}
	for j := int(nKeys); j > l; j-- {
		t.setLeafKey(buf, j, t.leafKey(buf, j-1))
		boolLeafSet(buf, t.leafCap, t.keyCodec.Size(), j, boolLeafGet(buf, t.leafCap, t.keyCodec.Size(), j-1))
	}
	t.setLeafKey(buf, l, key)
	boolLeafSet(buf, t.leafCap, t.keyCodec.Size(), l, value)
	writeHeader(buf, nKeys+1, 0)
	leaf.MarkDirty()
	return nil
}

func (t *BoolTree[K]) splitLeaf(workerID int, leaf, parent *vmcache.ExclusiveGuard) error {
	nKeys, _ := readHeader(parent.Data())
	if int(nKeys) >= t.innerCap {
		parentPID := parent.PageID()
		leaf.Release()
		parent.Release()
		return t.ensureSpace(workerID, parentPID)
	}
	newLeaf, err := vmcache.NewAllocGuard(t.cache, workerID)
	if err != nil {
		leaf.Release()
		parent.Release()
		return err
	}
	buf, nb := leaf.Data(), newLeaf.Data()
	total, _ := readHeader(buf)
	left := (int(total) + 7) / 16 * 8 // split at a multiple of 8, as in the original
	if left >= int(total) {
		left = int(total) / 2
	}
	right := int(total) - left
	for i := 0; i < right; i++ {
		t.setLeafKey(nb, i, t.leafKey(buf, left+i))
		boolLeafSet(nb, t.leafCap, t.keyCodec.Size(), i, boolLeafGet(buf, t.leafCap, t.keyCodec.Size(), left+i))
	}
	writeHeader(nb, uint32(right), 0)
	writeHeader(buf, uint32(left), 0)
	setLeafNext(nb, leafNext(buf))
	setLeafNext(buf, newLeaf.PageID())
	separator := t.leafKey(nb, 0)
	leaf.MarkDirty()
	newLeaf.MarkDirty()

	t.insertIntoInner(parent, separator, newLeaf.PageID())
	newLeaf.Release()
	leaf.Release()
	parent.Release()
	return ErrRestartSplit
}

func (t *BoolTree[K]) insertIntoInner(inner *vmcache.ExclusiveGuard, key K, child vmcache.PageID) {
	buf := inner.Data()
	nKeys, level := readHeader(buf)
	l := lowerBound(func(i int) K { return t.innerKey(buf, i) }, int(nKeys), key)
	for i := int(nKeys); i > l; i-- {
		t.setInnerKey(buf, i, t.innerKey(buf, i-1))
	}
	for i := int(nKeys) + 1; i > l+1; i-- {
		setInnerChild(buf, i, innerChild(buf, i-1))
	}
	t.setInnerKey(buf, l, key)
	setInnerChild(buf, l+1, child)
	writeHeader(buf, nKeys+1, level)
	inner.MarkDirty()
}

func (t *BoolTree[K]) ensureSpace(workerID int, pid vmcache.PageID) error {
	_, err := retry(func() (struct{}, error) {
		return struct{}{}, t.tryEnsureSpace(workerID, pid)
	})
	return err
}

func (t *BoolTree[K]) tryEnsureSpace(workerID int, pid vmcache.PageID) error {
	var parentPID vmcache.PageID
	havePath := false
	cur, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
	if err != nil {
		return err
	}
	for {
		nKeys, level := readHeader(cur.Data())
		if cur.PageID() == pid || level == 1 {
			break
		}
		// Any descendant key routes toward pid; since we only need to reach
		// the node (not a specific key), always take the leftmost child.
		_ = nKeys
		parentPID = cur.PageID()
		havePath = true
		child := innerChild(cur.Data(), 0)
		if err := cur.Reinit(child); err != nil {
			return err
		}
	}
	if cur.PageID() != pid {
		cur.Release()
		return nil
	}
	nKeys, _ := readHeader(cur.Data())
	if int(nKeys) < t.innerCap {
		cur.Release()
		return nil
	}
	var parent *vmcache.ExclusiveGuard
	if havePath {
		parent, err = vmcache.NewExclusiveGuard(t.cache, parentPID, workerID)
		if err != nil {
			cur.Release()
			return err
		}
	}
	node, err := cur.Upgrade()
	if err != nil {
		if parent != nil {
			parent.Release()
		}
		return err
	}
	return t.splitInner(workerID, node, parent)
}

func (t *BoolTree[K]) splitInner(workerID int, node, parent *vmcache.ExclusiveGuard) error {
	if node.PageID() == t.rootPID {
		newInner, err := vmcache.NewAllocGuard(t.cache, workerID)
		if err != nil {
			node.Release()
			return err
		}
		copy(newInner.Data(), node.Data())
		newInner.MarkDirty()
		_, newLevel := readHeader(newInner.Data())
		setInnerChild(node.Data(), 0, newInner.PageID())
		writeHeader(node.Data(), 0, newLevel+1)
		node.MarkDirty()
		parent = node
		node = &newInner.ExclusiveGuard
	}
	nKeys, _ := readHeader(parent.Data())
	if int(nKeys) >= t.innerCap {
		parentPID := parent.PageID()
		node.Release()
		parent.Release()
		return t.ensureSpace(workerID, parentPID)
	}
	left := (t.innerCap + 1) / 2
	right := t.innerCap/2 - 1
	_, level := readHeader(node.Data())
	newInner, err := vmcache.NewAllocGuard(t.cache, workerID)
	if err != nil {
		node.Release()
		parent.Release()
		return err
	}
	for i := 0; i < right; i++ {
		t.setInnerKey(newInner.Data(), i, t.innerKey(node.Data(), left+1+i))
	}
	for i := 0; i <= right; i++ {
		setInnerChild(newInner.Data(), i, innerChild(node.Data(), left+1+i))
	}
	splitKey := t.innerKey(node.Data(), left)
	writeHeader(newInner.Data(), uint32(right), level)
	writeHeader(node.Data(), uint32(left), level)
	node.MarkDirty()
	newInner.MarkDirty()

	t.insertIntoInner(parent, splitKey, newInner.PageID())
	newInner.Release()
	node.Release()
	parent.Release()
	return ErrRestartSplit
}

// Get returns the boolean value stored for key.
func (t *BoolTree[K]) Get(workerID int, key K) (bool, bool, error) {
	type result struct{ v, found bool }
	r, err := retry(func() (result, error) {
		parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
		if err != nil {
			return result{}, err
		}
		leafPID, err := t.traverseFrom(parentO, key)
		if err != nil {
			return result{}, err
		}
		if err := parentO.Release(); err != nil {
			return result{}, err
		}
		leaf, err := vmcache.NewSharedGuard(t.cache, leafPID, workerID)
		if err != nil {
			return result{}, err
		}
		defer leaf.Release()
		nKeys, _ := readHeader(leaf.Data())
		l := lowerBound(func(i int) K { return t.leafKey(leaf.Data(), i) }, int(nKeys), key)
		if l >= int(nKeys) || t.leafKey(leaf.Data(), l) != key {
			return result{}, nil
		}
		return result{v: boolLeafGet(leaf.Data(), t.leafCap, t.keyCodec.Size(), l), found: true}, nil
	})
	return r.v, r.found, err
}

// Set overwrites key's value in place, without needing a split (a single
// bit flip always fits in an already-allocated leaf).
func (t *BoolTree[K]) Set(workerID int, key K, value bool) (bool, error) {
	return retry(func() (bool, error) {
		parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
		if err != nil {
			return false, err
		}
		leafPID, err := t.traverseFrom(parentO, key)
		if err != nil {
			return false, err
		}
		if err := parentO.Release(); err != nil {
			return false, err
		}
		leaf, err := vmcache.NewExclusiveGuard(t.cache, leafPID, workerID)
		if err != nil {
			return false, err
		}
		defer leaf.Release()
		nKeys, _ := readHeader(leaf.Data())
		l := lowerBound(func(i int) K { return t.leafKey(leaf.Data(), i) }, int(nKeys), key)
		if l >= int(nKeys) || t.leafKey(leaf.Data(), l) != key {
			return false, nil
		}
		boolLeafSet(leaf.Data(), t.leafCap, t.keyCodec.Size(), l, value)
		leaf.MarkDirty()
		return true, nil
	})
}

// InsertNext appends value at the next dense key, as in Tree.InsertNext.
func (t *BoolTree[K]) InsertNext(workerID int, value bool) (K, error) {
	return retry(func() (K, error) {
		parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
		if err != nil {
			return zeroValue[K](), err
		}
		leafPID, err := t.traverseFrom(parentO, maxKey[K]())
		if err != nil {
			return zeroValue[K](), err
		}
		leafO, err := vmcache.NewOptimisticGuard(t.cache, leafPID)
		if err != nil {
			return zeroValue[K](), err
		}
		nKeys, _ := readHeader(leafO.Data())
		var key K
		if nKeys == 0 {
			key = zeroValue[K]()
		} else {
			key = nextKey(t.leafKey(leafO.Data(), int(nKeys)-1))
		}
		if int(nKeys) < t.leafCap {
			leaf, err := leafO.Upgrade()
			if err != nil {
				return zeroValue[K](), err
			}
			defer leaf.Release()
			if err := parentO.Validate(); err != nil {
				return zeroValue[K](), err
			}
			if err := t.insertIntoLeaf(leaf, key, value); err != nil {
				return zeroValue[K](), err
			}
			return key, nil
		}
		parent, err := parentO.Upgrade()
		if err != nil {
			return zeroValue[K](), err
		}
		leaf, err := leafO.Upgrade()
		if err != nil {
			parent.Release()
			return zeroValue[K](), err
		}
		return zeroValue[K](), t.splitLeaf(workerID, leaf, parent)
	})
}

var errBoolRemoveUnsupported = errors.New("btree: removal is not supported for bit-packed (visibility) trees")

// Remove always fails: the original prototype does not support removal for
// the bool-valued specialization either (append-only visibility bitmap).
func (t *BoolTree[K]) Remove(workerID int, key K) error {
	return errBoolRemoveUnsupported
}
