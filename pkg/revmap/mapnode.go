package revmap

import (
	"sync"

	"github.com/insightvmi/insightd/pkg/instance"
)

// MapNode is one accepted object in a MemoryMap's reverse-mapped forest:
// a typed Instance at a fixed address, the parent it was reached from,
// the children discovered beneath it, and a probability score that
// reflects how likely the node is to be a genuine instance of its type
// rather than a false positive produced by chasing a stray pointer.
type MapNode struct {
	Instance   instance.Instance
	Name       string
	Parent     *MapNode
	Generation int

	mu          sync.RWMutex
	probability float64
	children    []*MapNode
}

// Probability returns the node's current score.
func (n *MapNode) Probability() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.probability
}

func (n *MapNode) setProbability(p float64) {
	n.mu.Lock()
	n.probability = p
	n.mu.Unlock()
}

// Children returns a snapshot of the node's discovered children.
func (n *MapNode) Children() []*MapNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MapNode, len(n.children))
	copy(out, n.children)
	return out
}

func (n *MapNode) addChild(c *MapNode) {
	n.mu.Lock()
	n.children = append(n.children, c)
	n.mu.Unlock()
}

// RangeStart is the node's virtual address, the lower bound of the span
// it occupies in the MemoryRangeTree.
func (n *MapNode) RangeStart() uint64 { return n.Instance.Address }

// RangeEnd is the exclusive upper bound of the node's span: its address
// plus its type's size, or 1 byte for a type of unknown/zero size.
func (n *MapNode) RangeEnd() uint64 {
	size := uint64(1)
	if bt, ok := n.Instance.Type(); ok && bt.Size > 0 {
		size = bt.Size
	}
	return n.Instance.Address + size
}
