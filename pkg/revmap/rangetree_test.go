package revmap

import (
	"testing"

	"github.com/insightvmi/insightd/pkg/instance"
)

// fakeNode builds a MapNode whose Instance carries only an address (and
// no factory/vm), so RangeEnd falls back to a 1-byte span — enough to
// exercise the range tree's insert/split/query logic in isolation.
func fakeNode(addr uint64) *MapNode {
	return &MapNode{Instance: instance.Instance{Address: addr, Valid: true}, probability: 1.0}
}

// There is no wider-span helper: RangeEnd only consults Instance.Type
// (unavailable here), so tests needing a wider span construct several
// adjacent 1-byte nodes instead.

func TestMemoryRangeTree_InsertAndQuerySingleByte(t *testing.T) {
	tree := NewMemoryRangeTree(0xffff)
	n := fakeNode(0x100)
	tree.Insert(n)

	got := tree.Query(0x100, 0x100)
	if len(got) != 1 || got[0] != n {
		t.Fatalf("Query(0x100,0x100) = %v, want [n]", got)
	}

	if got := tree.Query(0x200, 0x300); len(got) != 0 {
		t.Errorf("Query(0x200,0x300) = %v, want empty", got)
	}
}

func TestMemoryRangeTree_SplitsOnPartialCoverage(t *testing.T) {
	tree := NewMemoryRangeTree(0xff)
	a := fakeNode(0x10)
	b := fakeNode(0x80)

	// A 1-byte insertion into a wide root never fully covers the root's
	// interval, so even the first insertion forces the root to split
	// down to the singleton leaf that contains it.
	tree.Insert(a)
	sizeAfterFirst := tree.Size()
	if sizeAfterFirst <= 1 {
		t.Fatalf("Size after first insert = %d, want >1 (root must have split)", sizeAfterFirst)
	}

	tree.Insert(b)
	if tree.Size() <= sizeAfterFirst {
		t.Fatalf("Size after second insert = %d, want >%d", tree.Size(), sizeAfterFirst)
	}

	got := tree.Query(0, 0xff)
	if len(got) != 2 {
		t.Fatalf("Query(0,0xff) = %d nodes, want 2", len(got))
	}
}

func TestMemoryRangeTree_QueryUnionAcrossLeaves(t *testing.T) {
	tree := NewMemoryRangeTree(0xffff)
	nodes := []*MapNode{fakeNode(0x10), fakeNode(0x4000), fakeNode(0x8000), fakeNode(0xf000)}
	for _, n := range nodes {
		tree.Insert(n)
	}

	got := tree.Query(0, 0xffff)
	if len(got) != len(nodes) {
		t.Fatalf("Query(0,0xffff) = %d nodes, want %d", len(got), len(nodes))
	}

	got = tree.Query(0x4000, 0x8000)
	foundSet := map[uint64]bool{}
	for _, n := range got {
		foundSet[n.RangeStart()] = true
	}
	if !foundSet[0x4000] || !foundSet[0x8000] {
		t.Errorf("Query(0x4000,0x8000) missed an expected node: %v", got)
	}
	if foundSet[0x10] || foundSet[0xf000] {
		t.Errorf("Query(0x4000,0x8000) returned an out-of-range node: %v", got)
	}
}

func TestMemoryRangeTree_RootPropertiesTrackProbability(t *testing.T) {
	tree := NewMemoryRangeTree(0xffff)
	a := fakeNode(0x10)
	a.probability = 0.9
	b := fakeNode(0x20)
	b.probability = 0.3

	tree.Insert(a)
	tree.Insert(b)

	props := tree.RootProperties()
	if props.ObjectCount != 2 {
		t.Errorf("ObjectCount = %d, want 2", props.ObjectCount)
	}
	if props.MinProbability != 0.3 || props.MaxProbability != 0.9 {
		t.Errorf("Min/Max = %v/%v, want 0.3/0.9", props.MinProbability, props.MaxProbability)
	}
}
