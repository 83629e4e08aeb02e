// Package avltree implements a height balanced binary search tree keyed by
// epoch milliseconds. Keys may repeat; entries sharing a key are told apart
// by a match predicate on their values.
package avltree

// Node is an entry of the tree. A node handle stays valid until the next
// mutation of the tree that removes it.
type Node[V any] struct {
	Key   int64
	Value V

	left, right *Node[V]
	height      int
}

// Tree is not safe for concurrent use; callers serialize writers and keep
// readers out while it is mutated.
type Tree[V any] struct {
	root *Node[V]
	size int
}

// New returns an empty tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{}
}

// Size returns the number of entries.
func (t *Tree[V]) Size() int {
	return t.size
}

// Height returns the height of the root, 0 for an empty tree.
func (t *Tree[V]) Height() int {
	return height(t.root)
}

// Clear removes every entry.
func (t *Tree[V]) Clear() {
	t.root = nil
	t.size = 0
}

// Insert adds value under key. Entries with an equal key are kept after the
// existing ones in iteration order.
func (t *Tree[V]) Insert(key int64, value V) *Node[V] {
	n := &Node[V]{Key: key, Value: value, height: 1}
	t.root = insert(t.root, n)
	t.size++
	return n
}

func insert[V any](n, nn *Node[V]) *Node[V] {
	if n == nil {
		return nn
	}
	if nn.Key < n.Key {
		n.left = insert(n.left, nn)
	} else {
		n.right = insert(n.right, nn)
	}
	return rebalance(n)
}

// Remove deletes one entry with the given key whose value satisfies match.
// A nil match removes any one entry with that key. It reports whether an
// entry was removed.
func (t *Tree[V]) Remove(key int64, match func(V) bool) bool {
	var removed bool
	t.root, removed = remove(t.root, key, match)
	if removed {
		t.size--
	}
	return removed
}

func remove[V any](n *Node[V], key int64, match func(V) bool) (*Node[V], bool) {
	if n == nil {
		return nil, false
	}

	var removed bool
	switch {
	case key < n.Key:
		n.left, removed = remove(n.left, key, match)
	case key > n.Key:
		n.right, removed = remove(n.right, key, match)
	default:
		if match == nil || match(n.Value) {
			return unlink(n), true
		}
		// Rotations can leave equal keys on either side.
		n.left, removed = remove(n.left, key, match)
		if !removed {
			n.right, removed = remove(n.right, key, match)
		}
	}

	if !removed {
		return n, false
	}
	return rebalance(n), true
}

// unlink detaches n and returns the subtree that replaces it. The in-order
// successor node is moved into place so other node handles stay valid.
func unlink[V any](n *Node[V]) *Node[V] {
	if n.left == nil {
		r := n.right
		n.right = nil
		return r
	}
	if n.right == nil {
		l := n.left
		n.left = nil
		return l
	}

	right, succ := removeMin(n.right)
	succ.left = n.left
	succ.right = right
	n.left, n.right = nil, nil
	return rebalance(succ)
}

func removeMin[V any](n *Node[V]) (*Node[V], *Node[V]) {
	if n.left == nil {
		r := n.right
		n.right = nil
		return r, n
	}
	var m *Node[V]
	n.left, m = removeMin(n.left)
	return rebalance(n), m
}

// Find returns an entry with the given key whose value satisfies match, or
// nil. A nil match accepts any value.
func (t *Tree[V]) Find(key int64, match func(V) bool) *Node[V] {
	return find(t.root, key, match)
}

func find[V any](n *Node[V], key int64, match func(V) bool) *Node[V] {
	for n != nil && n.Key != key {
		if key < n.Key {
			n = n.left
		} else {
			n = n.right
		}
	}
	if n == nil {
		return nil
	}
	if match == nil || match(n.Value) {
		return n
	}
	if f := find(n.left, key, match); f != nil {
		return f
	}
	return find(n.right, key, match)
}

// Min returns the entry with the smallest key, or nil.
func (t *Tree[V]) Min() *Node[V] {
	return minNode(t.root)
}

// Max returns the entry with the largest key, or nil.
func (t *Tree[V]) Max() *Node[V] {
	return maxNode(t.root)
}

// Ceiling returns the first entry in order whose key is >= key, or nil.
func (t *Tree[V]) Ceiling(key int64) *Node[V] {
	var best *Node[V]
	for n := t.root; n != nil; {
		if n.Key >= key {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	return best
}

// Floor returns the last entry in order whose key is <= key, or nil.
func (t *Tree[V]) Floor(key int64) *Node[V] {
	var best *Node[V]
	for n := t.root; n != nil; {
		if n.Key <= key {
			best = n
			n = n.right
		} else {
			n = n.left
		}
	}
	return best
}

// Next returns the in-order successor of n, or nil.
func (t *Tree[V]) Next(n *Node[V]) *Node[V] {
	if n == nil {
		return nil
	}
	if n.right != nil {
		return minNode(n.right)
	}
	path := t.pathTo(n)
	for i := len(path) - 2; i >= 0; i-- {
		if path[i].left == path[i+1] {
			return path[i]
		}
	}
	return nil
}

// Prev returns the in-order predecessor of n, or nil.
func (t *Tree[V]) Prev(n *Node[V]) *Node[V] {
	if n == nil {
		return nil
	}
	if n.left != nil {
		return maxNode(n.left)
	}
	path := t.pathTo(n)
	for i := len(path) - 2; i >= 0; i-- {
		if path[i].right == path[i+1] {
			return path[i]
		}
	}
	return nil
}

// Ascend calls fn for every entry with from <= key < to in order, stopping
// early when fn returns false.
func (t *Tree[V]) Ascend(from, to int64, fn func(n *Node[V]) bool) {
	ascend(t.root, from, to, fn)
}

func ascend[V any](n *Node[V], from, to int64, fn func(*Node[V]) bool) bool {
	if n == nil {
		return true
	}
	if from <= n.Key {
		if !ascend(n.left, from, to, fn) {
			return false
		}
	}
	if n.Key >= from && n.Key < to {
		if !fn(n) {
			return false
		}
	}
	if n.Key < to {
		return ascend(n.right, from, to, fn)
	}
	return true
}

// pathTo returns the nodes from the root down to target, or nil when target
// is not in the tree.
func (t *Tree[V]) pathTo(target *Node[V]) []*Node[V] {
	var path []*Node[V]
	var walk func(n *Node[V]) bool
	walk = func(n *Node[V]) bool {
		if n == nil {
			return false
		}
		path = append(path, n)
		if n == target {
			return true
		}
		switch {
		case target.Key < n.Key:
			if walk(n.left) {
				return true
			}
		case target.Key > n.Key:
			if walk(n.right) {
				return true
			}
		default:
			if walk(n.left) || walk(n.right) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if !walk(t.root) {
		return nil
	}
	return path
}

func minNode[V any](n *Node[V]) *Node[V] {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

func maxNode[V any](n *Node[V]) *Node[V] {
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

func height[V any](n *Node[V]) int {
	if n == nil {
		return 0
	}
	return n.height
}

func fix[V any](n *Node[V]) {
	n.height = 1 + max(height(n.left), height(n.right))
}

func balance[V any](n *Node[V]) int {
	return height(n.left) - height(n.right)
}

func rotateRight[V any](n *Node[V]) *Node[V] {
	l := n.left
	n.left = l.right
	l.right = n
	fix(n)
	fix(l)
	return l
}

func rotateLeft[V any](n *Node[V]) *Node[V] {
	r := n.right
	n.right = r.left
	r.left = n
	fix(n)
	fix(r)
	return r
}

func rebalance[V any](n *Node[V]) *Node[V] {
	fix(n)
	switch b := balance(n); {
	case b > 1:
		if balance(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case b < -1:
		if balance(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}
