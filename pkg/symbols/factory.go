package symbols

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/insightvmi/insightd/pkg/wireformat"
)

// SymbolFactory accumulates TypeInfo/VariableInfo records fed by an
// upstream producer (typically pkg/symbols/dwarfsource), resolves their
// producer-local references into a closed TypeID graph, deduplicates
// structurally identical types by content hash — tolerant of the reference
// cycles that self-referential kernel structures introduce — and exposes
// the finalized graph for lookup by pkg/vmem and pkg/instance.
//
// # Lifecycle
//
// A SymbolFactory is fed with zero or more Feed/FeedVariable calls, then
// exactly one Finalize call, after which it becomes read-only and Lookup*
// methods may be used. Calling Feed/FeedVariable after Finalize returns an
// error; Lookup* methods return no error and find nothing before Finalize.
type SymbolFactory struct {
	finalized bool

	pending     []TypeInfo
	pendingVars []VariableInfo

	producerToID map[uint64]TypeID
	types        map[TypeID]*BaseType
	variables    map[VariableID]*Variable

	typesByName map[string][]TypeID
	varsByName  map[string]VariableID
	typesByHash map[string]TypeID

	nextTypeID TypeID
	nextVarID  VariableID
}

// New creates an empty SymbolFactory ready to receive Feed/FeedVariable
// calls.
func New() *SymbolFactory {
	return &SymbolFactory{
		producerToID: make(map[uint64]TypeID),
		types:        make(map[TypeID]*BaseType),
		variables:    make(map[VariableID]*Variable),
		typesByName:  make(map[string][]TypeID),
		varsByName:   make(map[string]VariableID),
		typesByHash:  make(map[string]TypeID),
		nextTypeID:   InvalidTypeID + 1,
		nextVarID:    1,
	}
}

// Feed registers one producer-supplied type record. Records may reference
// each other (via RefProducerID/TypeInfoMember.RefProducerID/
// TypeInfoParam.RefProducerID) in any order, including forward references
// and cycles; Finalize resolves them all in a single pass.
func (f *SymbolFactory) Feed(ti TypeInfo) error {
	if f.finalized {
		return fmt.Errorf("symbols: Feed called after Finalize")
	}
	f.pending = append(f.pending, ti)
	return nil
}

// FeedVariable registers one producer-supplied global/static variable
// declaration.
func (f *SymbolFactory) FeedVariable(vi VariableInfo) error {
	if f.finalized {
		return fmt.Errorf("symbols: FeedVariable called after Finalize")
	}
	f.pendingVars = append(f.pendingVars, vi)
	return nil
}

// Finalize resolves all fed records into a closed TypeID graph, merges
// structurally identical types, and makes the factory read-only. It
// returns a non-nil error (one message listing every individual problem
// found, one per line) if any record references a ProducerID that was
// never fed.
func (f *SymbolFactory) Finalize() error {
	if f.finalized {
		return fmt.Errorf("symbols: Finalize called twice")
	}

	// Pass 1: assign a provisional TypeID to every pending record.
	provisional := make(map[TypeID]*TypeInfo, len(f.pending))
	for i := range f.pending {
		ti := &f.pending[i]
		id := f.nextTypeID
		f.nextTypeID++
		f.producerToID[ti.ProducerID] = id
		provisional[id] = ti
	}

	// Pass 2: materialize BaseTypes, resolving producer-local references
	// via producerToID. A reference to a ProducerID never fed is recorded
	// as an error but does not abort resolution of the rest of the graph,
	// matching the "warn and continue" error-handling posture used
	// throughout this engine for per-record problems.
	var unresolved []error
	resolve := func(producerID uint64, context string) TypeID {
		if producerID == 0 {
			return InvalidTypeID
		}
		id, ok := f.producerToID[producerID]
		if !ok {
			unresolved = append(unresolved, fmt.Errorf("symbols: %s references unknown producer id %d", context, producerID))
			return InvalidTypeID
		}
		return id
	}

	for id, ti := range provisional {
		bt := &BaseType{
			ID:          id,
			RealType:    ti.RealType,
			Name:        ti.Name,
			Size:        ti.Size,
			ArrayLength: ti.ArrayLength,
		}
		bt.RefTypeID = resolve(ti.RefProducerID, fmt.Sprintf("type %q", ti.Name))

		if ti.RealType&RtStructured != 0 {
			st := &Structured{Members: make([]StructuredMember, len(ti.Members))}
			for i, m := range ti.Members {
				st.Members[i] = StructuredMember{
					Name:       m.Name,
					TypeID:     resolve(m.RefProducerID, fmt.Sprintf("member %q of %q", m.Name, ti.Name)),
					ByteOffset: m.ByteOffset,
					BitSize:    m.BitSize,
					BitOffset:  m.BitOffset,
				}
			}
			bt.Structured = st
		}

		if ti.RealType == RtFunction || ti.RealType == RtFuncPointer {
			fn := &Function{Variadic: ti.Variadic, Params: make([]FunctionParam, len(ti.Params)), PcLow: ti.PcLow, PcHigh: ti.PcHigh}
			for i, p := range ti.Params {
				fn.Params[i] = FunctionParam{
					Name:   p.Name,
					TypeID: resolve(p.RefProducerID, fmt.Sprintf("parameter %q of %q", p.Name, ti.Name)),
				}
			}
			bt.Function = fn
		}

		if ti.RealType == RtEnum {
			bt.Enumerators = append([]Enumerator(nil), ti.Enumerators...)
		}

		f.types[id] = bt
		if bt.Name != "" {
			f.typesByName[bt.Name] = append(f.typesByName[bt.Name], id)
		}
	}

	// Variables.
	for _, vi := range f.pendingVars {
		id := f.nextVarID
		f.nextVarID++
		v := &Variable{
			ID:      id,
			Name:    vi.Name,
			Address: vi.Address,
			TypeID:  resolve(vi.RefProducerID, fmt.Sprintf("variable %q", vi.Name)),
		}
		f.variables[id] = v
		f.varsByName[v.Name] = id
	}

	f.dedupe()

	f.finalized = true
	f.pending = nil
	f.pendingVars = nil

	if len(unresolved) > 0 {
		return joinErrors(unresolved)
	}
	return nil
}

// joinErrors is a small local errors.Join substitute kept separate so the
// message lists every unresolved reference on its own line, which reads
// better for a potentially long list of DWARF-reference gaps than the
// stdlib's newline-joined %v formatting alone.
func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := fmt.Sprintf("symbols: %d unresolved reference(s) during finalize:", len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// dedupe merges structurally identical BaseTypes using an iterative
// content hash refinement (similar in spirit to Weisfeiler–Lehman color
// refinement): each round's hash folds in the previous round's hash of
// every type a given type refers to, so that after enough rounds two types
// that are identical except for a difference reachable only through a long
// reference chain are told apart, while cyclic references (e.g. a struct
// containing a pointer to itself) stabilize to the same hash on both sides
// of the cycle rather than causing non-termination.
//
// Only anonymous composite types (no Name) are merged automatically; named
// types are deduplicated only when both name and structural hash agree,
// since two distinctly-named structs that happen to have identical layouts
// (common for small kernel wrapper types) must remain distinct symbols.
func (f *SymbolFactory) dedupe() {
	hash := computeContentHashes(f.types)

	ids := make([]TypeID, 0, len(f.types))
	for id := range f.types {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Group by final hash, but only within the auto-mergeable set
	// (anonymous types), or within same-name groups for named types.
	groups := make(map[string][]TypeID)
	for _, id := range ids {
		bt := f.types[id]
		key := hash[id]
		if bt.Name != "" {
			key = "named:" + bt.Name + ":" + key
		} else {
			key = "anon:" + key
		}
		groups[key] = append(groups[key], id)
	}

	remap := make(map[TypeID]TypeID, len(f.types))
	for _, group := range groups {
		if len(group) == 1 {
			remap[group[0]] = group[0]
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i] < group[j] })
		canonical := group[0]
		for _, id := range group {
			remap[id] = canonical
		}
	}

	// Rewrite every surviving type's internal references through remap,
	// then drop the non-canonical entries.
	for id, bt := range f.types {
		if remap[id] != id {
			continue // will be dropped below
		}
		bt.RefTypeID = remapID(bt.RefTypeID, remap)
		if bt.Structured != nil {
			for i := range bt.Structured.Members {
				bt.Structured.Members[i].TypeID = remapID(bt.Structured.Members[i].TypeID, remap)
			}
		}
		if bt.Function != nil {
			for i := range bt.Function.Params {
				bt.Function.Params[i].TypeID = remapID(bt.Function.Params[i].TypeID, remap)
			}
		}
	}
	for id := range f.types {
		if remap[id] != id {
			delete(f.types, id)
		}
	}

	// Rebuild the by-name index and fix up variables.
	f.typesByName = make(map[string][]TypeID)
	for id, bt := range f.types {
		if bt.Name != "" {
			f.typesByName[bt.Name] = append(f.typesByName[bt.Name], id)
		}
	}
	for _, v := range f.variables {
		v.TypeID = remapID(v.TypeID, remap)
	}

	// hash[id] is still the final-round content hash for every surviving
	// (canonical) id: it is what grouped the merge above, so every type in
	// a merged group shares it. Keep it addressable by hash instead of
	// discarding it once the merge decision is made.
	f.typesByHash = make(map[string]TypeID, len(f.types))
	for id := range f.types {
		f.typesByHash[hash[id]] = id
	}
}

// computeContentHashes runs the iterative content-hash refinement
// described on dedupe over an arbitrary closed type set, so that Load can
// rebuild the same hashes a freshly-Finalized factory would have computed
// without needing them persisted alongside the graph.
func computeContentHashes(types map[TypeID]*BaseType) map[TypeID]string {
	const rounds = 4

	ids := make([]TypeID, 0, len(types))
	hash := make(map[TypeID]string, len(types))
	for id := range types {
		ids = append(ids, id)
		hash[id] = ""
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for round := 0; round < rounds; round++ {
		next := make(map[TypeID]string, len(types))
		for _, id := range ids {
			next[id] = contentHash(types[id], hash)
		}
		hash = next
	}
	return hash
}

func remapID(id TypeID, remap map[TypeID]TypeID) TypeID {
	if id == InvalidTypeID {
		return InvalidTypeID
	}
	if canon, ok := remap[id]; ok {
		return canon
	}
	return id
}

// contentHash computes one refinement round's hash for bt, folding in the
// previous round's hashes (via prevRound) of every type it references.
func contentHash(bt *BaseType, prevRound map[TypeID]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "rt=%d|name=%s|size=%d|arrlen=%d|ref=%s",
		bt.RealType, bt.Name, bt.Size, bt.ArrayLength, prevRound[bt.RefTypeID])

	if bt.Structured != nil {
		members := append([]StructuredMember(nil), bt.Structured.Members...)
		sort.Slice(members, func(i, j int) bool { return members[i].ByteOffset < members[j].ByteOffset })
		for _, m := range members {
			fmt.Fprintf(h, "|m(%s,%d,%d,%d,%s)", m.Name, m.ByteOffset, m.BitSize, m.BitOffset, prevRound[m.TypeID])
		}
	}
	if bt.Function != nil {
		fmt.Fprintf(h, "|variadic=%v|pc=%d-%d", bt.Function.Variadic, bt.Function.PcLow, bt.Function.PcHigh)
		for _, p := range bt.Function.Params {
			fmt.Fprintf(h, "|p(%s,%s)", p.Name, prevRound[p.TypeID])
		}
	}
	if len(bt.Enumerators) > 0 {
		enums := append([]Enumerator(nil), bt.Enumerators...)
		sort.Slice(enums, func(i, j int) bool { return enums[i].Value < enums[j].Value })
		for _, e := range enums {
			fmt.Fprintf(h, "|e(%s,%d)", e.Name, e.Value)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Type returns the BaseType with the given ID. ok is false if Finalize has
// not yet merged/assigned that ID (including IDs that were merged away by
// dedupe — use the ID returned by LookupTypeByName or a member/ref lookup
// instead of caching a pre-Finalize ID).
func (f *SymbolFactory) Type(id TypeID) (*BaseType, bool) {
	bt, ok := f.types[id]
	return bt, ok
}

// LookupTypeByName returns every BaseType registered under name (kernels
// frequently declare multiple distinct anonymous-union member types that
// happen to share a tag name across translation units).
func (f *SymbolFactory) LookupTypeByName(name string) []*BaseType {
	ids := f.typesByName[name]
	out := make([]*BaseType, 0, len(ids))
	for _, id := range ids {
		if bt, ok := f.types[id]; ok {
			out = append(out, bt)
		}
	}
	return out
}

// TypeByHash returns the BaseType whose post-dedupe content hash (as
// computed by contentHash, hex-encoded) equals h. Two BaseTypes that
// dedupe merged into one canonical ID share this hash regardless of which
// producer(s) fed them, so it is the stable way to correlate a type across
// separate Persist/Load round-trips or separate kernel builds whose
// structurally identical types were assigned different TypeIDs.
func (f *SymbolFactory) TypeByHash(h string) (*BaseType, bool) {
	id, ok := f.typesByHash[h]
	if !ok {
		return nil, false
	}
	bt, ok := f.types[id]
	return bt, ok
}

// Variable returns the Variable with the given ID.
func (f *SymbolFactory) Variable(id VariableID) (*Variable, bool) {
	v, ok := f.variables[id]
	return v, ok
}

// LookupVariableByName returns the global/static variable named name.
func (f *SymbolFactory) LookupVariableByName(name string) (*Variable, bool) {
	id, ok := f.varsByName[name]
	if !ok {
		return nil, false
	}
	return f.variables[id], true
}

// TypeCount returns the number of distinct types remaining after
// deduplication. Meaningful only after Finalize.
func (f *SymbolFactory) TypeCount() int { return len(f.types) }

// VariableCount returns the number of fed variables. Meaningful only after
// Finalize.
func (f *SymbolFactory) VariableCount() int { return len(f.variables) }

// Types returns every known type after deduplication, ordered by ID. Used
// by the debug/query API to serve "list types" without the caller needing
// to know the ID range survives Finalize's merge with gaps.
func (f *SymbolFactory) Types() []*BaseType {
	out := make([]*BaseType, 0, len(f.types))
	for id := InvalidTypeID + 1; id <= f.nextTypeID; id++ {
		if bt, ok := f.types[id]; ok {
			out = append(out, bt)
		}
	}
	return out
}

// Variables returns every known global/static variable, ordered by ID. Used
// by pkg/revmap to seed a MemoryMap build's root set.
func (f *SymbolFactory) Variables() []*Variable {
	out := make([]*Variable, 0, len(f.variables))
	for id := VariableID(1); id <= f.nextVarID; id++ {
		if v, ok := f.variables[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Persist writes the finalized symbol graph to w using pkg/wireformat.
// Finalize must have been called first.
func (f *SymbolFactory) Persist(w io.Writer) error {
	if !f.finalized {
		return fmt.Errorf("symbols: Persist called before Finalize")
	}

	enc, err := wireformat.NewWriter(w)
	if err != nil {
		return fmt.Errorf("symbols: persist: %w", err)
	}

	ids := make([]TypeID, 0, len(f.types))
	for id := range f.types {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	enc.WriteUint32(uint32(len(ids)))
	for _, id := range ids {
		bt := f.types[id]
		enc.WriteUint32(uint32(id))
		enc.WriteUint32(uint32(bt.RealType))
		enc.WriteString(bt.Name)
		enc.WriteUint64(bt.Size)
		enc.WriteUint32(uint32(bt.RefTypeID))
		enc.WriteUint64(bt.ArrayLength)

		hasStruct := bt.Structured != nil
		enc.WriteBool(hasStruct)
		if hasStruct {
			enc.WriteUint32(uint32(len(bt.Structured.Members)))
			for _, m := range bt.Structured.Members {
				enc.WriteString(m.Name)
				enc.WriteUint32(uint32(m.TypeID))
				enc.WriteUint64(m.ByteOffset)
				enc.WriteUint32(m.BitSize)
				enc.WriteUint32(m.BitOffset)
			}
		}

		hasFunc := bt.Function != nil
		enc.WriteBool(hasFunc)
		if hasFunc {
			enc.WriteBool(bt.Function.Variadic)
			enc.WriteUint64(bt.Function.PcLow)
			enc.WriteUint64(bt.Function.PcHigh)
			enc.WriteUint32(uint32(len(bt.Function.Params)))
			for _, p := range bt.Function.Params {
				enc.WriteString(p.Name)
				enc.WriteUint32(uint32(p.TypeID))
			}
		}

		enc.WriteUint32(uint32(len(bt.Enumerators)))
		for _, e := range bt.Enumerators {
			enc.WriteString(e.Name)
			enc.WriteInt64(e.Value)
		}
	}

	varIDs := make([]VariableID, 0, len(f.variables))
	for id := range f.variables {
		varIDs = append(varIDs, id)
	}
	sort.Slice(varIDs, func(i, j int) bool { return varIDs[i] < varIDs[j] })

	enc.WriteUint32(uint32(len(varIDs)))
	for _, id := range varIDs {
		v := f.variables[id]
		enc.WriteUint32(uint32(id))
		enc.WriteString(v.Name)
		enc.WriteUint32(uint32(v.TypeID))
		enc.WriteUint64(v.Address)
	}

	if err := enc.Err(); err != nil {
		return fmt.Errorf("symbols: persist: %w", err)
	}
	return enc.Flush()
}

// Load reads a previously Persist-ed symbol graph from r into a fresh,
// already-finalized SymbolFactory.
func Load(r io.Reader) (*SymbolFactory, error) {
	dec, err := wireformat.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("symbols: load: %w", err)
	}

	f := New()

	typeCount := dec.ReadUint32()
	for i := uint32(0); i < typeCount; i++ {
		id := TypeID(dec.ReadUint32())
		bt := &BaseType{
			ID:          id,
			RealType:    RealType(dec.ReadUint32()),
			Name:        dec.ReadString(),
			Size:        dec.ReadUint64(),
			RefTypeID:   TypeID(dec.ReadUint32()),
			ArrayLength: dec.ReadUint64(),
		}

		if dec.ReadBool() {
			n := dec.ReadUint32()
			st := &Structured{Members: make([]StructuredMember, n)}
			for j := uint32(0); j < n; j++ {
				st.Members[j] = StructuredMember{
					Name:       dec.ReadString(),
					TypeID:     TypeID(dec.ReadUint32()),
					ByteOffset: dec.ReadUint64(),
					BitSize:    dec.ReadUint32(),
					BitOffset:  dec.ReadUint32(),
				}
			}
			bt.Structured = st
		}

		if dec.ReadBool() {
			fn := &Function{Variadic: dec.ReadBool()}
			fn.PcLow = dec.ReadUint64()
			fn.PcHigh = dec.ReadUint64()
			n := dec.ReadUint32()
			fn.Params = make([]FunctionParam, n)
			for j := uint32(0); j < n; j++ {
				fn.Params[j] = FunctionParam{Name: dec.ReadString(), TypeID: TypeID(dec.ReadUint32())}
			}
			bt.Function = fn
		}

		enumCount := dec.ReadUint32()
		if enumCount > 0 {
			bt.Enumerators = make([]Enumerator, enumCount)
			for j := uint32(0); j < enumCount; j++ {
				bt.Enumerators[j] = Enumerator{Name: dec.ReadString(), Value: dec.ReadInt64()}
			}
		}

		f.types[id] = bt
		if bt.Name != "" {
			f.typesByName[bt.Name] = append(f.typesByName[bt.Name], id)
		}
		if uint32(id) >= uint32(f.nextTypeID) {
			f.nextTypeID = id + 1
		}
	}

	varCount := dec.ReadUint32()
	for i := uint32(0); i < varCount; i++ {
		id := VariableID(dec.ReadUint32())
		v := &Variable{
			ID:      id,
			Name:    dec.ReadString(),
			TypeID:  TypeID(dec.ReadUint32()),
			Address: dec.ReadUint64(),
		}
		f.variables[id] = v
		f.varsByName[v.Name] = id
		if uint32(id) >= uint32(f.nextVarID) {
			f.nextVarID = id + 1
		}
	}

	if err := dec.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("symbols: load: %w", err)
	}

	hash := computeContentHashes(f.types)
	f.typesByHash = make(map[string]TypeID, len(f.types))
	for id := range f.types {
		f.typesByHash[hash[id]] = id
	}

	f.finalized = true
	return f, nil
}
