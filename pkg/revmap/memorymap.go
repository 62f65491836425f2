package revmap

import (
	"sort"
	"strconv"
	"sync"

	"github.com/insightvmi/insightd/pkg/instance"
	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

// Probability-decay constants applied per §4.5's scoring rule: each is a
// monotone factor multiplied into a candidate's inherited probability,
// never additive, so a node's score can only ever fall relative to the
// path that produced it.
const (
	decayGeneration                = 0.99
	decayUnalignedAddress          = 0.80
	decayUserSpaceAddress          = 0.95
	decayInvalidAddress            = 0.10
	decayInvalidEmbeddedPointer    = 0.90
	decayMisalignedEmbeddedPointer = 0.95

	// replaceMargin is the minimum probability improvement a re-discovered
	// candidate must bring for the same-type node already accepted at its
	// address to take over its probability; smaller improvements are
	// dropped. Nodes of different types at one address coexist, since the
	// range tree tolerates overlaps.
	replaceMargin = 0.1

	// userSpaceBoundary is the canonical x86-64 split between user and
	// kernel halves of the address space.
	userSpaceBoundary = uint64(0x0000800000000000)
)

// MemoryMap is the rooted forest of typed kernel objects reachable from
// global variables, as reconstructed by a Builder over one finalized
// symbol graph and one live address space. A MemoryMap is safe for
// concurrent use by a Builder's worker pool and by read-only queries
// running alongside it.
type MemoryMap struct {
	factory *symbols.SymbolFactory
	vm      *vmem.VirtualMemory

	tree     *MemoryRangeTree
	inFlight *inFlightSet

	propagate bool // recompute children's scores when a node's score improves

	mu     sync.RWMutex
	byAddr map[uint64][]*MapNode
}

// NewMemoryMap creates an empty map over factory's symbol graph and vm's
// address space, whose range tree spans [0, addrSpaceEnd].
func NewMemoryMap(factory *symbols.SymbolFactory, vm *vmem.VirtualMemory, addrSpaceEnd uint64) *MemoryMap {
	return &MemoryMap{
		factory:  factory,
		vm:       vm,
		tree:     NewMemoryRangeTree(addrSpaceEnd),
		inFlight: newInFlightSet(),
		byAddr:   make(map[uint64][]*MapNode),
	}
}

// Tree exposes the underlying MemoryRangeTree for direct queries.
func (mm *MemoryMap) Tree() *MemoryRangeTree { return mm.tree }

// Query returns every accepted node whose range intersects [start, end].
func (mm *MemoryMap) Query(start, end uint64) []*MapNode {
	return mm.tree.Query(start, end)
}

// NodesAt returns every accepted node at the exact address addr (there
// may be more than one, each a different reinterpretation of the same
// bytes, if they coexist rather than replace one another).
func (mm *MemoryMap) NodesAt(addr uint64) []*MapNode {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]*MapNode, len(mm.byAddr[addr]))
	copy(out, mm.byAddr[addr])
	return out
}

// Flatten returns every accepted node in ascending address order, the
// flat representation a GUI or a CLI memory-map visualizer consumes.
func (mm *MemoryMap) Flatten() []*MapNode {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]*MapNode, 0, len(mm.byAddr))
	for _, nodes := range mm.byAddr {
		out = append(out, nodes...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RangeStart() < out[j].RangeStart() })
	return out
}

// underlyingRealType follows Const/Volatile/Typedef modifier chains
// until it reaches the concrete type they wrap, so that member
// classification (pointer? structured?) works through a typedef'd
// pointer or a const-qualified struct.
func underlyingRealType(f *symbols.SymbolFactory, id symbols.TypeID) (*symbols.BaseType, bool) {
	bt, ok := f.Type(id)
	for ok && bt.RealType&(symbols.RtConst|symbols.RtVolatile|symbols.RtTypedef) != 0 {
		bt, ok = f.Type(bt.RefTypeID)
	}
	return bt, ok
}

// candidate is a not-yet-scored child discovered while expanding a node.
type candidate struct {
	name string
	in   instance.Instance
}

// expand performs the structural recursion step of §4.5's algorithm:
// for a struct/union it enqueues pointer- and struct-typed members, for
// an array it enqueues every element, for a pointer it dereferences and
// enqueues the target if the target is itself structured or an array.
// It returns the MapNodes accepted as new children of node.
func (mm *MemoryMap) expand(node *MapNode) []*MapNode {
	if !node.Instance.Valid {
		return nil
	}
	bt, ok := node.Instance.Type()
	if !ok {
		return nil
	}

	var candidates []candidate
	switch {
	case bt.RealType&symbols.RtStructured != 0 && bt.Structured != nil:
		for _, m := range bt.Structured.Members {
			mt, ok := underlyingRealType(mm.factory, m.TypeID)
			if !ok || mt.RealType&(symbols.RtPointer|symbols.RtStructured) == 0 {
				continue
			}
			child, err := node.Instance.Member(m.Name, nil, 0)
			if err != nil || !child.Valid {
				continue
			}
			candidates = append(candidates, candidate{name: m.Name, in: child})
		}

	case bt.RealType == symbols.RtArray:
		for i := int64(0); i < int64(bt.ArrayLength); i++ {
			elem, err := node.Instance.ArrayElem(i)
			if err != nil || !elem.Valid {
				continue
			}
			candidates = append(candidates, candidate{name: arrayElemName(i), in: elem})
		}

	case bt.RealType&symbols.RtPointer != 0:
		target, err := node.Instance.Dereference(instance.TrPointer)
		if err == nil && target.Valid {
			if tt, ok := target.Type(); ok && tt.RealType&(symbols.RtStructured|symbols.RtArray) != 0 {
				candidates = append(candidates, candidate{name: "*" + node.Name, in: target})
			}
		}
	}

	out := make([]*MapNode, 0, len(candidates))
	for _, c := range candidates {
		if n := mm.accept(node, c); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func arrayElemName(i int64) string {
	return "[" + strconv.FormatInt(i, 10) + "]"
}

// scoreCandidate computes a candidate's probability per §4.5: the
// parent's probability decayed once for the generation step, then
// further decayed for an unaligned or user-space address, then either
// decayed hard for an untranslatable address or, for a structured type,
// once per embedded pointer member that is itself invalid or misaligned.
func (mm *MemoryMap) scoreCandidate(parentProbability float64, in instance.Instance) float64 {
	p := parentProbability * decayGeneration

	if in.Address%4 != 0 {
		p *= decayUnalignedAddress
	}
	if in.Address < userSpaceBoundary {
		p *= decayUserSpaceAddress
	}
	if !in.Valid || !mm.vm.SafeSeek(in.Address) {
		return p * decayInvalidAddress
	}

	bt, ok := in.Type()
	if !ok || bt.RealType&symbols.RtStructured == 0 || bt.Structured == nil {
		return p
	}
	for _, m := range bt.Structured.Members {
		mt, ok := underlyingRealType(mm.factory, m.TypeID)
		if !ok || mt.RealType&symbols.RtPointer == 0 {
			continue
		}
		ptrVal, err := mm.vm.ReadUint64(in.Address + m.ByteOffset)
		if err != nil || ptrVal == 0 {
			continue
		}
		if !mm.vm.SafeSeek(ptrVal) {
			p *= decayInvalidEmbeddedPointer
		} else if ptrVal%4 != 0 {
			p *= decayMisalignedEmbeddedPointer
		}
	}
	return p
}

// accept implements §4.5 steps 2c/2d: a candidate at an address holding
// no node of its type is inserted outright; one whose type matches a node
// already at its address is never inserted: if its probability exceeds
// the existing node's by more than replaceMargin, the existing node takes
// that probability (and its children are rescored when propagation is
// on), otherwise the candidate is dropped. Locks are acquired in the mandated
// order: the address-in-flight slot, then the range tree, then (via the
// caller pushing the returned node) the work queue.
func (mm *MemoryMap) accept(parent *MapNode, c candidate) *MapNode {
	addr := c.in.Address
	lock := mm.inFlight.acquire(addr)
	defer mm.inFlight.release(lock)

	prob := mm.scoreCandidate(parent.Probability(), c.in)

	mm.mu.Lock()
	for _, existing := range mm.byAddr[addr] {
		if existing.Instance.TypeID == c.in.TypeID {
			if prob > existing.Probability()+replaceMargin {
				existing.setProbability(prob)
				if mm.propagate {
					mm.rescoreChildrenLocked(existing)
				}
			}
			mm.mu.Unlock()
			return nil
		}
	}

	node := &MapNode{
		Instance:    c.in,
		Name:        c.name,
		Parent:      parent,
		Generation:  parent.Generation + 1,
		probability: prob,
	}
	mm.byAddr[addr] = append(mm.byAddr[addr], node)
	mm.mu.Unlock()

	mm.tree.Insert(node)
	parent.addChild(node)
	return node
}

// rescoreChildrenLocked recomputes a node's descendants' probabilities
// after the node's own score changed, when probability propagation is
// enabled. Called with mm.mu held.
func (mm *MemoryMap) rescoreChildrenLocked(n *MapNode) {
	for _, c := range n.Children() {
		c.setProbability(mm.scoreCandidate(n.Probability(), c.Instance))
		mm.rescoreChildrenLocked(c)
	}
}

// seedRoots constructs the initial root set: one Instance per global
// variable whose address translates, per §4.5 step 1.
func (mm *MemoryMap) seedRoots() []*MapNode {
	var roots []*MapNode
	for _, v := range mm.factory.Variables() {
		if v.Address == 0 || !mm.vm.SafeSeek(v.Address) {
			continue
		}
		in := instance.New(mm.factory, mm.vm, v.Address, v.TypeID)
		root := &MapNode{Instance: in, Name: v.Name, Generation: 0, probability: 1.0}

		mm.mu.Lock()
		mm.byAddr[v.Address] = append(mm.byAddr[v.Address], root)
		mm.mu.Unlock()

		roots = append(roots, root)
	}
	return roots
}
