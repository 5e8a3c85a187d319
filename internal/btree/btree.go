package btree

import (
	"cmp"
	"errors"
	"fmt"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// ErrKeyExists is returned by Insert when the key is already present — this
// tree requires unique keys, as in the original.
var ErrKeyExists = errors.New("btree: key already exists")

// Tree is a generic persistent B+-tree over vmcache pages, descended with
// optimistic latch-coupling and mutated under pessimistic exclusive leaf
// latches, with in-place root growth on inner-node overflow.
type Tree[K cmp.Ordered, V any] struct {
	cache    *vmcache.VMCache
	rootPID  vmcache.PageID
	keyCodec Codec[K]
	valCodec Codec[V]
	innerCap int
	leafCap  int
}

// New allocates a fresh, empty tree: a single-child root inner node (level
// 1) pointing at one empty leaf, matching the prototype's constructor.
func New[K cmp.Ordered, V any](cache *vmcache.VMCache, keyCodec Codec[K], valCodec Codec[V], workerID int) (*Tree[K, V], error) {
	t := &Tree[K, V]{
		cache:    cache,
		keyCodec: keyCodec,
		valCodec: valCodec,
		innerCap: innerCapacity(keyCodec.Size()),
		leafCap:  leafCapacity(keyCodec.Size(), valCodec.Size()),
	}
	root, err := vmcache.NewAllocGuard(cache, workerID)
	if err != nil {
		return nil, fmt.Errorf("btree: allocating root: %w", err)
	}
	leaf, err := vmcache.NewAllocGuard(cache, workerID)
	if err != nil {
		return nil, fmt.Errorf("btree: allocating first leaf: %w", err)
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

// Open wraps an existing tree rooted at rootPID (e.g. recovered from a
// catalog entry).
func Open[K cmp.Ordered, V any](cache *vmcache.VMCache, rootPID vmcache.PageID, keyCodec Codec[K], valCodec Codec[V]) *Tree[K, V] {
	return &Tree[K, V]{
		cache:    cache,
		rootPID:  rootPID,
		keyCodec: keyCodec,
		valCodec: valCodec,
		innerCap: innerCapacity(keyCodec.Size()),
		leafCap:  leafCapacity(keyCodec.Size(), valCodec.Size()),
	}
}

func (t *Tree[K, V]) RootPageID() vmcache.PageID { return t.rootPID }

func (t *Tree[K, V]) innerKey(buf []byte, i int) K {
	return t.keyCodec.Decode(buf[innerKeysOffset(t.innerCap)+i*t.keyCodec.Size():])
}

func (t *Tree[K, V]) setInnerKey(buf []byte, i int, k K) {
	t.keyCodec.Encode(buf[innerKeysOffset(t.innerCap)+i*t.keyCodec.Size():], k)
}

func (t *Tree[K, V]) leafKey(buf []byte, i int) K {
	return t.keyCodec.Decode(buf[leafKeysOffset()+i*t.keyCodec.Size():])
}

func (t *Tree[K, V]) setLeafKey(buf []byte, i int, k K) {
	t.keyCodec.Encode(buf[leafKeysOffset()+i*t.keyCodec.Size():], k)
}

func (t *Tree[K, V]) leafValOffset(i int) int {
	return leafValuesOffset(t.leafCap, t.keyCodec.Size()) + i*t.valCodec.Size()
}

func (t *Tree[K, V]) leafValue(buf []byte, i int) V {
	return t.valCodec.Decode(buf[t.leafValOffset(i):])
}

func (t *Tree[K, V]) setLeafValue(buf []byte, i int, v V) {
	t.valCodec.Encode(buf[t.leafValOffset(i):], v)
}

// retry runs fn until it returns an error other than vmcache.ErrRestart,
// matching the prototype's `for(;;) try {...} catch(OLRestartException){}`
// pattern at every mutating/reading entry point.
func retry[T any](fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if err == nil || !errors.Is(err, vmcache.ErrRestart) {
			return v, err
		}
	}
}

func (t *Tree[K, V]) getFirstLeaf(workerID int) (vmcache.PageID, error) {
	cur, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
	if err != nil {
		return 0, err
	}
	for {
		_, level := readHeader(cur.Data())
		child := innerChild(cur.Data(), 0)
		if level == 1 {
			cur.Release()
			return child, nil
		}
		if err := cur.Reinit(child); err != nil {
			return 0, err
		}
	}
}

func (t *Tree[K, V]) getLastLeaf(workerID int) (vmcache.PageID, error) {
	cur, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
	if err != nil {
		return 0, err
	}
	for {
		nKeys, level := readHeader(cur.Data())
		child := innerChild(cur.Data(), int(nKeys))
		if level == 1 {
			cur.Release()
			return child, nil
		}
		if err := cur.Reinit(child); err != nil {
			return 0, err
		}
	}
}

// Insert adds key/value, splitting leaves (and, recursively, inner nodes —
// including growing the root) as needed.
func (t *Tree[K, V]) Insert(workerID int, key K, value V) error {
	_, err := retry(func() (struct{}, error) {
		return struct{}{}, t.tryInsert(workerID, key, value)
	})
	return err
}

func (t *Tree[K, V]) tryInsert(workerID int, key K, value V) error {
	parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
	if err != nil {
		return err
	}
	leafPID, err := t.traverseFrom(parentO, workerID, key)
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
	return t.splitLeaf(workerID, leaf, parent, key)
}

// traverseFrom descends using an already-open root guard, for call sites
// that also need that guard afterward: on return it has been moved to the
// returned leaf's parent (Insert keeps it open until the leaf is confirmed
// not to need a split).
func (t *Tree[K, V]) traverseFrom(parent *vmcache.OptimisticGuard, workerID int, key K) (vmcache.PageID, error) {
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

func (t *Tree[K, V]) insertIntoLeaf(leaf *vmcache.ExclusiveGuard, key K, value V) error {
	buf := leaf.Data()
	nKeys, _ := readHeader(buf)
	l := lowerBound(func(i int) K { return t.leafKey(buf, i) }, int(nKeys), key)
	if l < int(nKeys) && t.leafKey(buf, l) == key {
		return ErrKeyExists
	}
	for j := int(nKeys); j > l; j-- {
		t.setLeafKey(buf, j, t.leafKey(buf, j-1))
		t.setLeafValue(buf, j, t.leafValue(buf, j-1))
	}
	t.setLeafKey(buf, l, key)
	t.setLeafValue(buf, l, value)
	writeHeader(buf, nKeys+1, 0)
	leaf.MarkDirty()
	return nil
}

func (t *Tree[K, V]) insertIntoInner(inner *vmcache.ExclusiveGuard, key K, child vmcache.PageID) {
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

// splitLeaf splits a full leaf in two and inserts the new separator key
// into the parent, recursing into inner-node splitting (and root growth)
// if the parent is itself full.
func (t *Tree[K, V]) splitLeaf(workerID int, leaf, parent *vmcache.ExclusiveGuard, key K) error {
	nKeys, _ := readHeader(parent.Data())
	if int(nKeys) >= t.innerCap {
		parentPID := parent.PageID()
		leaf.Release()
		parent.Release()
		return t.ensureSpace(workerID, parentPID, key)
	}
	newLeaf, err := vmcache.NewAllocGuard(t.cache, workerID)
	if err != nil {
		leaf.Release()
		parent.Release()
		return err
	}
	buf, nb := leaf.Data(), newLeaf.Data()
	total, _ := readHeader(buf)
	left := (int(total) + 1) / 2
	right := int(total) - left
	for i := 0; i < right; i++ {
		t.setLeafKey(nb, i, t.leafKey(buf, left+i))
		t.setLeafValue(nb, i, t.leafValue(buf, left+i))
	}
	writeHeader(nb, uint32(right), 0)
	writeHeader(buf, uint32(left), 0)
	setLeafNext(nb, leafNext(buf))
	setLeafNext(buf, newLeaf.PageID())
	separator := t.leafKey(nb, 0)
	leaf.MarkDirty()
	newLeaf.MarkDirty()
	_ = key // the pending insert is not retried here; caller restarts from the top

	t.insertIntoInner(parent, separator, newLeaf.PageID())
	newLeaf.Release()
	leaf.Release()
	parent.Release()
	return ErrRestartSplit
}

func zeroValue[V any]() V {
	var z V
	return z
}

// ErrRestartSplit is returned internally after a structural split to signal
// the caller to redo the original operation from the top — splitting never
// performs the pending insert itself, matching the prototype's "restart
// after split" comment in BTree::insert.
var ErrRestartSplit = vmcache.ErrRestart

// ensureSpace walks from the root toward pid, splitting it (and recursing
// upward through ensureSpace into the grandparent, etc., and growing the
// root if pid is the root) if it is still full by the time it's reached —
// a concurrent split may have already made room.
func (t *Tree[K, V]) ensureSpace(workerID int, pid vmcache.PageID, key K) error {
	_, err := retry(func() (struct{}, error) {
		return struct{}{}, t.tryEnsureSpace(workerID, pid, key)
	})
	return err
}

func (t *Tree[K, V]) tryEnsureSpace(workerID int, pid vmcache.PageID, key K) error {
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
		l := lowerBound(func(i int) K { return t.innerKey(cur.Data(), i) }, int(nKeys), key)
		if l < int(nKeys) && t.innerKey(cur.Data(), l) == key {
			l++
		}
		parentPID = cur.PageID()
		havePath = true
		child := innerChild(cur.Data(), l)
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
		return nil // a concurrent split already made room
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
	return t.splitInner(workerID, node, parent, key)
}

// splitInner splits a full inner node, growing the root in place if node is
// currently the root (mirroring trySplit's root-growth branch exactly).
func (t *Tree[K, V]) splitInner(workerID int, node, parent *vmcache.ExclusiveGuard, key K) error {
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

	nKeys, pLevel := readHeader(parent.Data())
	if int(nKeys) >= t.innerCap {
		parentPID := parent.PageID()
		node.Release()
		parent.Release()
		return t.ensureSpace(workerID, parentPID, key)
	}

	total, level := readHeader(node.Data())
	left := (t.innerCap + 1) / 2
	right := t.innerCap/2 - 1
	_ = total
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
	_ = pLevel

	t.insertIntoInner(parent, splitKey, newInner.PageID())
	newInner.Release()
	node.Release()
	parent.Release()
	return ErrRestartSplit
}

// Lookup returns the value stored under key, if any.
func (t *Tree[K, V]) Lookup(workerID int, key K) (V, bool, error) {
	type result struct {
		v     V
		found bool
	}
	r, err := retry(func() (result, error) {
		parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
		if err != nil {
			return result{}, err
		}
		leafPID, err := t.traverseFrom(parentO, workerID, key)
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
		return result{v: t.leafValue(leaf.Data(), l), found: true}, nil
	})
	return r.v, r.found, err
}

// UpdateGuard is an exclusive leaf latch held across a read-then-possibly-
// write update, so a caller can inspect PrevValue() and conditionally call
// Update without another tree descent — mirrors the prototype's UpdateGuard.
type UpdateGuard[V any] struct {
	leaf      *vmcache.ExclusiveGuard
	valCodec  Codec[V]
	index     int
	prevValue V
}

func (g *UpdateGuard[V]) PrevValue() V { return g.prevValue }

func (g *UpdateGuard[V]) Update(newValue V) {
	g.valCodec.Encode(g.leaf.Data()[g.index:], newValue)
	g.leaf.MarkDirty()
}

func (g *UpdateGuard[V]) Release() { g.leaf.Release() }

// LatchForUpdate descends to key's leaf and returns an UpdateGuard over it
// if key is present, holding the exclusive latch until Release.
func (t *Tree[K, V]) LatchForUpdate(workerID int, key K) (*UpdateGuard[V], error) {
	return retry(func() (*UpdateGuard[V], error) {
		parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
		if err != nil {
			return nil, err
		}
		leafPID, err := t.traverseFrom(parentO, workerID, key)
		if err != nil {
			return nil, err
		}
		if err := parentO.Release(); err != nil {
			return nil, err
		}
		leaf, err := vmcache.NewExclusiveGuard(t.cache, leafPID, workerID)
		if err != nil {
			return nil, err
		}
		nKeys, _ := readHeader(leaf.Data())
		l := lowerBound(func(i int) K { return t.leafKey(leaf.Data(), i) }, int(nKeys), key)
		if l >= int(nKeys) || t.leafKey(leaf.Data(), l) != key {
			leaf.Release()
			return nil, nil
		}
		return &UpdateGuard[V]{
			leaf:      leaf,
			valCodec:  t.valCodec,
			index:     t.leafValOffset(l),
			prevValue: t.leafValue(leaf.Data(), l),
		}, nil
	})
}

// InsertNext inserts value at the smallest key greater than every existing
// key (0 if the tree is empty), for dense RowID assignment, and returns the
// assigned key.
func (t *Tree[K, V]) InsertNext(workerID int, value V) (K, error) {
	return retry(func() (K, error) {
		parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
		if err != nil {
			return zeroValue[K](), err
		}
		leafPID, err := t.traverseFrom(parentO, workerID, maxKey[K]())
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
		return zeroValue[K](), t.splitLeaf(workerID, leaf, parent, key)
	})
}

// maxKey returns a key value that sorts after every real key, for steering
// traversal to the rightmost leaf in InsertNext — matching the prototype's
// use of std::numeric_limits<KeyType>::max(). Only uint64 and int64 keys get
// their maximum; any other key type gets its zero value.
func maxKey[K cmp.Ordered]() K {
	var z K
	switch any(z).(type) {
	case uint64:
		return any(^uint64(0)).(K)
	case int64:
		return any(int64(^uint64(0) >> 1)).(K)
	default:
		return z
	}
}

// nextKey returns k+1 for the key types InsertNext supports (uint64 and
// int64); it panics for any other key type.
func nextKey[K cmp.Ordered](k K) K {
	switch v := any(k).(type) {
	case uint64:
		return any(v + 1).(K)
	case int64:
		return any(v + 1).(K)
	default:
		panic(fmt.Sprintf("btree: InsertNext does not support key type %T", k))
	}
}

// Remove deletes key if present. Matches the prototype's currently-shipped
// behavior: underfull leaves are not merged back together (the original
// gates that path behind a permanently-false condition pending a finished
// merge implementation), so deletions never reclaim leaf pages.
func (t *Tree[K, V]) Remove(workerID int, key K) (bool, error) {
	return retry(func() (bool, error) {
		parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
		if err != nil {
			return false, err
		}
		leafPID, err := t.traverseFrom(parentO, workerID, key)
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
		buf := leaf.Data()
		nKeys, _ := readHeader(buf)
		l := lowerBound(func(i int) K { return t.leafKey(buf, i) }, int(nKeys), key)
		if l >= int(nKeys) || t.leafKey(buf, l) != key {
			return false, nil
		}
		for j := l; j < int(nKeys)-1; j++ {
			t.setLeafKey(buf, j, t.leafKey(buf, j+1))
			t.setLeafValue(buf, j, t.leafValue(buf, j+1))
		}
		writeHeader(buf, nKeys-1, 0)
		leaf.MarkDirty()
		return true, nil
	})
}

// Cardinality walks the leaf chain summing n_keys, as in getCardinality.
func (t *Tree[K, V]) Cardinality(workerID int) (int, error) {
	return retry(func() (int, error) {
		pid, err := t.getFirstLeaf(workerID)
		if err != nil {
			return 0, err
		}
		total := 0
		for pid != vmcache.InvalidPageID {
			leaf, err := vmcache.NewSharedGuard(t.cache, pid, workerID)
			if err != nil {
				return 0, err
			}
			nKeys, _ := readHeader(leaf.Data())
			total += int(nKeys)
			next := leafNext(leaf.Data())
			leaf.Release()
			pid = next
		}
		return total, nil
	})
}

// Each visits every (key, value) pair in ascending key order, stopping
// early if visit returns false.
func (t *Tree[K, V]) Each(workerID int, visit func(K, V) bool) error {
	_, err := retry(func() (struct{}, error) {
		pid, err := t.getFirstLeaf(workerID)
		if err != nil {
			return struct{}{}, err
		}
		for pid != vmcache.InvalidPageID {
			leaf, err := vmcache.NewSharedGuard(t.cache, pid, workerID)
			if err != nil {
				return struct{}{}, err
			}
			nKeys, _ := readHeader(leaf.Data())
			next := leafNext(leaf.Data())
			cont := true
			for i := 0; i < int(nKeys) && cont; i++ {
				cont = visit(t.leafKey(leaf.Data(), i), t.leafValue(leaf.Data(), i))
			}
			leaf.Release()
			if !cont {
				return struct{}{}, nil
			}
			pid = next
		}
		return struct{}{}, nil
	})
	return err
}

// Last returns the greatest key currently in the tree and its value, or
// found=false if the tree is empty. Used to seed InsertNext-style dense-key
// assignment from a recovered tree without a full leaf-chain scan.
func (t *Tree[K, V]) Last(workerID int) (K, V, bool, error) {
	type result struct {
		k     K
		v     V
		found bool
	}
	r, err := retry(func() (result, error) {
		pid, err := t.getLastLeaf(workerID)
		if err != nil {
			return result{}, err
		}
		leaf, err := vmcache.NewSharedGuard(t.cache, pid, workerID)
		if err != nil {
			return result{}, err
		}
		defer leaf.Release()
		nKeys, _ := readHeader(leaf.Data())
		if nKeys == 0 {
			return result{}, nil
		}
		i := int(nKeys) - 1
		return result{k: t.leafKey(leaf.Data(), i), v: t.leafValue(leaf.Data(), i), found: true}, nil
	})
	return r.k, r.v, r.found, err
}

// Range visits every (key, value) pair with from <= key <= to, in ascending
// order, stopping early if visit returns false. Used by IndexScan for
// inclusive from/to range probes over a primary-key index (spec §4.6).
func (t *Tree[K, V]) Range(workerID int, from, to K, visit func(K, V) bool) error {
	_, err := retry(func() (struct{}, error) {
		parentO, err := vmcache.NewOptimisticGuard(t.cache, t.rootPID)
		if err != nil {
			return struct{}{}, err
		}
		pid, err := t.traverseFrom(parentO, workerID, from)
		if err != nil {
			return struct{}{}, err
		}
		if err := parentO.Release(); err != nil {
			return struct{}{}, err
		}
		for pid != vmcache.InvalidPageID {
			leaf, err := vmcache.NewSharedGuard(t.cache, pid, workerID)
			if err != nil {
				return struct{}{}, err
			}
			nKeys, _ := readHeader(leaf.Data())
			next := leafNext(leaf.Data())
			start := lowerBound(func(i int) K { return t.leafKey(leaf.Data(), i) }, int(nKeys), from)
			cont := true
			for i := start; i < int(nKeys) && cont; i++ {
				k := t.leafKey(leaf.Data(), i)
				if k > to {
					cont = false
					next = vmcache.InvalidPageID
					break
				}
				cont = visit(k, t.leafValue(leaf.Data(), i))
			}
			leaf.Release()
			if !cont {
				return struct{}{}, nil
			}
			pid = next
		}
		return struct{}{}, nil
	})
	return err
}
