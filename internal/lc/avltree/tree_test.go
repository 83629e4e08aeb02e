package avltree

import (
	"math"
	"math/rand"
	"testing"
)

type entry struct {
	id  string
	seq int
}

// checkBalanced verifies the AVL invariant and cached heights, returning the subtree height.
func checkBalanced[V any](t *testing.T, n *Node[V]) int {
	t.Helper()
	if n == nil {
		return 0
	}
	lh := checkBalanced(t, n.left)
	rh := checkBalanced(t, n.right)
	if d := lh - rh; d > 1 || d < -1 {
		t.Fatalf("node %d unbalanced: left=%d right=%d", n.Key, lh, rh)
	}
	h := 1 + max(lh, rh)
	if n.height != h {
		t.Fatalf("node %d cached height %d, actual %d", n.Key, n.height, h)
	}
	return h
}

func inOrder[V any](tr *Tree[V]) []*Node[V] {
	var out []*Node[V]
	tr.Ascend(math.MinInt64, math.MaxInt64, func(n *Node[V]) bool {
		out = append(out, n)
		return true
	})
	return out
}

func TestInsertRemoveStaysBalanced(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := New[entry]()
	live := map[int]int64{}

	for i := 0; i < 2000; i++ {
		key := int64(rng.Intn(300))
		tr.Insert(key, entry{seq: i})
		live[i] = key

		if i%3 == 0 {
			// Remove a random live entry by key and identity.
			for seq, k := range live {
				s := seq
				if !tr.Remove(k, func(e entry) bool { return e.seq == s }) {
					t.Fatalf("entry %d with key %d not removed", s, k)
				}
				delete(live, seq)
				break
			}
		}
		if i%97 == 0 {
			checkBalanced(t, tr.root)
		}
	}

	checkBalanced(t, tr.root)
	if tr.Size() != len(live) {
		t.Fatalf("Size() = %d, want %d", tr.Size(), len(live))
	}

	nodes := inOrder(tr)
	if len(nodes) != len(live) {
		t.Fatalf("in-order walk found %d nodes, want %d", len(nodes), len(live))
	}
	for i := 1; i < len(nodes); i++ {
		if nodes[i-1].Key > nodes[i].Key {
			t.Fatalf("keys out of order at %d: %d > %d", i, nodes[i-1].Key, nodes[i].Key)
		}
	}
}

func TestRemoveDuplicateKeyByPredicate(t *testing.T) {
	tr := New[entry]()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tr.Insert(100, entry{id: id})
	}
	tr.Insert(50, entry{id: "low"})
	tr.Insert(150, entry{id: "high"})

	if !tr.Remove(100, func(e entry) bool { return e.id == "c" }) {
		t.Fatal("c not removed")
	}
	if tr.Remove(100, func(e entry) bool { return e.id == "c" }) {
		t.Fatal("c removed twice")
	}
	if tr.Remove(100, func(e entry) bool { return e.id == "missing" }) {
		t.Fatal("removed an entry that never existed")
	}

	var ids []string
	for _, n := range inOrder(tr) {
		ids = append(ids, n.Value.id)
	}
	want := []string{"low", "a", "b", "d", "e", "high"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	checkBalanced(t, tr.root)
}

func TestFind(t *testing.T) {
	tr := New[entry]()
	tr.Insert(10, entry{id: "x"})
	tr.Insert(10, entry{id: "y"})
	tr.Insert(20, entry{id: "z"})

	if n := tr.Find(10, func(e entry) bool { return e.id == "y" }); n == nil || n.Value.id != "y" {
		t.Errorf("Find(10, y) = %v", n)
	}
	if n := tr.Find(10, nil); n == nil || n.Key != 10 {
		t.Errorf("Find(10, nil) = %v", n)
	}
	if n := tr.Find(15, nil); n != nil {
		t.Errorf("Find(15) = %v, want nil", n)
	}

	n := tr.Find(20, nil)
	n.Value.id = "replaced"
	if tr.Find(20, nil).Value.id != "replaced" {
		t.Error("node values should be updatable in place")
	}
}

func TestNeighbours(t *testing.T) {
	tr := New[int]()
	for i, k := range []int64{50, 20, 80, 10, 30, 70, 90, 30, 30} {
		tr.Insert(k, i)
	}

	// Forward walk from Min equals the in-order walk.
	var fwd []*Node[int]
	for n := tr.Min(); n != nil; n = tr.Next(n) {
		fwd = append(fwd, n)
	}
	all := inOrder(tr)
	if len(fwd) != len(all) {
		t.Fatalf("Next walk visited %d nodes, want %d", len(fwd), len(all))
	}
	for i := range all {
		if fwd[i] != all[i] {
			t.Fatalf("Next walk differs at %d", i)
		}
	}

	var back []*Node[int]
	for n := tr.Max(); n != nil; n = tr.Prev(n) {
		back = append(back, n)
	}
	for i := range all {
		if back[len(back)-1-i] != all[i] {
			t.Fatalf("Prev walk differs at %d", i)
		}
	}
}

func TestCeilingFloor(t *testing.T) {
	tr := New[string]()
	tr.Insert(10, "a")
	tr.Insert(20, "b1")
	tr.Insert(20, "b2")
	tr.Insert(30, "c")

	if n := tr.Ceiling(15); n == nil || n.Value != "b1" {
		t.Errorf("Ceiling(15) = %v", n)
	}
	if n := tr.Ceiling(20); n == nil || n.Value != "b1" {
		t.Errorf("Ceiling(20) should be the first of the duplicates, got %v", n)
	}
	if n := tr.Floor(20); n == nil || n.Value != "b2" {
		t.Errorf("Floor(20) should be the last of the duplicates, got %v", n)
	}
	if n := tr.Floor(5); n != nil {
		t.Errorf("Floor(5) = %v, want nil", n)
	}
	if n := tr.Ceiling(31); n != nil {
		t.Errorf("Ceiling(31) = %v, want nil", n)
	}
}

func TestAscendRange(t *testing.T) {
	tr := New[int]()
	for k := int64(0); k < 100; k += 10 {
		tr.Insert(k, int(k))
	}

	var got []int64
	tr.Ascend(20, 50, func(n *Node[int]) bool {
		got = append(got, n.Key)
		return true
	})
	want := []int64{20, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("Ascend(20, 50) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ascend(20, 50) = %v, want %v", got, want)
		}
	}

	count := 0
	tr.Ascend(0, 100, func(n *Node[int]) bool {
		count++
		return count < 3
	})
	if count != 3 {
		t.Errorf("early stop visited %d nodes, want 3", count)
	}
}

func TestClear(t *testing.T) {
	tr := New[int]()
	tr.Insert(1, 1)
	tr.Insert(2, 2)
	tr.Clear()
	if tr.Size() != 0 || tr.Min() != nil || tr.Height() != 0 {
		t.Error("Clear() left entries behind")
	}
}
