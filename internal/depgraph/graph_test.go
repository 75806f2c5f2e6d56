package depgraph

import (
	"testing"

	"github.com/ncmirror/ncmirror/internal/storepath"
)

func hash(b byte) storepath.Hash {
	var h storepath.Hash
	h[0] = b
	return h
}

func indexOf(order []storepath.Hash, v storepath.Hash) int {
	for i, x := range order {
		if x == v {
			return i
		}
	}
	return -1
}

func TestTopoSortLinearChain(t *testing.T) {
	a, b, c := hash(1), hash(2), hash(3)

	g := New()
	g.AddNode(a)
	g.AddNode(b)
	g.AddNode(c)
	g.AddDep(a, b) // a depends on b
	g.AddDep(b, c) // b depends on c

	order := g.TopoSort()
	if len(order) != 3 {
		t.Fatalf("len(order) = %d, want 3", len(order))
	}
	if indexOf(order, a) >= indexOf(order, b) || indexOf(order, b) >= indexOf(order, c) {
		t.Fatalf("order = %v, want a before b before c (sources first)", order)
	}
}

func TestTopoSortDiamond(t *testing.T) {
	// a depends on b and c, both of which depend on d.
	a, b, c, d := hash(1), hash(2), hash(3), hash(4)

	g := New()
	g.AddNode(a)
	g.AddNode(b)
	g.AddNode(c)
	g.AddNode(d)
	g.AddDep(a, b)
	g.AddDep(a, c)
	g.AddDep(b, d)
	g.AddDep(c, d)

	order := g.TopoSort()
	if len(order) != 4 {
		t.Fatalf("len(order) = %d, want 4", len(order))
	}
	dPos, bPos, cPos, aPos := indexOf(order, d), indexOf(order, b), indexOf(order, c), indexOf(order, a)
	if aPos >= bPos || aPos >= cPos {
		t.Fatalf("order = %v, want a before b and c", order)
	}
	if bPos >= dPos || cPos >= dPos {
		t.Fatalf("order = %v, want b and c before d", order)
	}
}

func TestTopoSortDisconnectedNodes(t *testing.T) {
	a, b := hash(1), hash(2)

	g := New()
	g.AddNode(a)
	g.AddNode(b)

	order := g.TopoSort()
	if len(order) != 2 {
		t.Fatalf("len(order) = %d, want 2", len(order))
	}
}

func TestAddNodeDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("AddNode with duplicate hash did not panic")
		}
	}()

	a := hash(1)
	g := New()
	g.AddNode(a)
	g.AddNode(a)
}

func TestAddDepUnknownNodePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("AddDep with unknown node did not panic")
		}
	}()

	a, b := hash(1), hash(2)
	g := New()
	g.AddNode(a)
	g.AddDep(a, b)
}

func TestHas(t *testing.T) {
	a, b := hash(1), hash(2)
	g := New()
	g.AddNode(a)

	if !g.Has(a) {
		t.Fatal("Has(a) = false, want true")
	}
	if g.Has(b) {
		t.Fatal("Has(b) = true, want false")
	}
}

func TestSelfDependencyNeverResolves(t *testing.T) {
	// A self-edge a -> a leaves a's in-degree permanently at 1, so Kahn's
	// algorithm never dequeues it. Self-references are legal in narinfo
	// References but must be filtered out before building edges here.
	a := hash(1)
	g := New()
	g.AddNode(a)
	g.AddDep(a, a)

	order := g.TopoSort()
	if len(order) != 0 {
		t.Fatalf("len(order) = %d, want 0", len(order))
	}
}
