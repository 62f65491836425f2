package pathquery_test

import (
	"encoding/binary"
	"testing"

	"github.com/insightvmi/insightd/internal/pathquery"
	"github.com/insightvmi/insightd/pkg/memspecs"
	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

// flatMem/identityVM mirror pkg/revmap's test harness: a physical image
// with a single-level x86_64 page table chain identity-mapping the first
// 16 pages.
type flatMem struct{ data []byte }

func (m *flatMem) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	return copy(buf, m.data[paddr:]), nil
}

func identityVM(t *testing.T, size int) (*vmem.VirtualMemory, *flatMem) {
	t.Helper()
	mem := &flatMem{data: make([]byte, size)}
	const pml4 = 0xf000
	binary.LittleEndian.PutUint64(mem.data[pml4:], 0xf100|1)
	binary.LittleEndian.PutUint64(mem.data[0xf100:], 0xf200|1)
	binary.LittleEndian.PutUint64(mem.data[0xf200:], 0xf300|1)
	for i := 0; i < 16; i++ {
		pagePhys := uint64(i * 0x1000)
		binary.LittleEndian.PutUint64(mem.data[0xf300+uint64(i)*8:], pagePhys|1)
	}
	specs := &memspecs.MemSpecs{Arch: memspecs.ArchX86_64, InitLevel4Pgt: pml4}
	return vmem.New(specs, mem), mem
}

// buildFactory feeds a "task { pid int; name_ptr *name }" + "name { value
// int }" type graph and a global "init_task task" variable, to exercise
// plain member chains, null-pointer short-circuiting, and casts.
func buildFactory(t *testing.T) *symbols.SymbolFactory {
	t.Helper()
	f := symbols.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	must(f.Feed(symbols.TypeInfo{ProducerID: 1, RealType: symbols.RtInt32, Name: "int", Size: 4}))
	must(f.Feed(symbols.TypeInfo{
		ProducerID: 2, RealType: symbols.RtStruct, Name: "name", Size: 4,
		Members: []symbols.TypeInfoMember{
			{Name: "value", RefProducerID: 1, ByteOffset: 0, BitSize: 32},
		},
	}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 3, RealType: symbols.RtPointer, Size: 8, RefProducerID: 2}))
	must(f.Feed(symbols.TypeInfo{
		ProducerID: 4, RealType: symbols.RtStruct, Name: "task", Size: 16,
		Members: []symbols.TypeInfoMember{
			{Name: "pid", RefProducerID: 1, ByteOffset: 0, BitSize: 32},
			{Name: "name_ptr", RefProducerID: 3, ByteOffset: 8, BitSize: 64},
		},
	}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 9, RealType: symbols.RtVoid}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 10, RealType: symbols.RtPointer, Size: 8, RefProducerID: 9}))
	must(f.Feed(symbols.TypeInfo{
		ProducerID: 11, RealType: symbols.RtStruct, Name: "holder", Size: 32,
		Members: []symbols.TypeInfoMember{
			{Name: "tag", RefProducerID: 1, ByteOffset: 0, BitSize: 32},
			{Name: "embedded", RefProducerID: 4, ByteOffset: 16, BitSize: 128},
		},
	}))

	must(f.FeedVariable(symbols.VariableInfo{Name: "init_task", RefProducerID: 4, Address: 0x1000}))
	must(f.FeedVariable(symbols.VariableInfo{Name: "genptr", RefProducerID: 10, Address: 0x300}))
	must(f.FeedVariable(symbols.VariableInfo{Name: "holder_inst", RefProducerID: 11, Address: 0x3000}))
	if err := f.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return f
}

func TestEval_MemberChain(t *testing.T) {
	vm, mem := identityVM(t, 0x10000)
	f := buildFactory(t)

	const (
		task   = 0x1000
		nameAt = 0x2000
	)
	binary.LittleEndian.PutUint32(mem.data[task:], 42)      // pid
	binary.LittleEndian.PutUint64(mem.data[task+8:], nameAt) // name_ptr
	binary.LittleEndian.PutUint32(mem.data[nameAt:], 7)      // name.value

	expr, err := pathquery.Parse("init_task.name_ptr.value")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, err := expr.Eval(f, vm)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !in.Valid {
		t.Fatal("expected valid instance")
	}
	bt, _ := in.Type()
	if bt.Name != "int" {
		t.Errorf("resolved type = %q, want int", bt.Name)
	}
}

func TestEval_NullPointerYieldsInvalidInstanceNotError(t *testing.T) {
	vm, mem := identityVM(t, 0x10000)
	f := buildFactory(t)

	binary.LittleEndian.PutUint64(mem.data[0x1000+8:], 0) // name_ptr = NULL

	expr, err := pathquery.Parse("init_task.name_ptr.value")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, err := expr.Eval(f, vm)
	if err != nil {
		t.Fatalf("Eval should not error on a null pointer chain: %v", err)
	}
	if in.Valid {
		t.Error("expected invalid instance for a null-pointer chain")
	}
}

func TestEval_UnknownRootSymbolErrors(t *testing.T) {
	vm, _ := identityVM(t, 0x10000)
	f := buildFactory(t)

	expr, err := pathquery.Parse("no_such_var.field")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := expr.Eval(f, vm); err == nil {
		t.Fatal("expected error for unknown root symbol")
	}
}

func TestEval_CastDereferencesGenericPointerAsNamedType(t *testing.T) {
	vm, mem := identityVM(t, 0x10000)
	f := buildFactory(t)

	binary.LittleEndian.PutUint64(mem.data[0x300:], 0x2000) // genptr -> 0x2000
	binary.LittleEndian.PutUint32(mem.data[0x2000:], 99)    // *genptr, reinterpreted as name.value

	expr, err := pathquery.Parse("(name *)genptr.value")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, err := expr.Eval(f, vm)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !in.Valid {
		t.Fatal("expected valid instance")
	}
	if in.Address != 0x2000 {
		t.Errorf("address = %#x, want %#x", in.Address, uint64(0x2000))
	}
	bt, _ := in.Type()
	if bt.Name != "int" {
		t.Errorf("resolved type = %q, want int", bt.Name)
	}
}

func TestEval_CastReinterpretsRootInPlace(t *testing.T) {
	vm, mem := identityVM(t, 0x10000)
	f := buildFactory(t)

	binary.LittleEndian.PutUint32(mem.data[0x1000:], 77) // task.pid, reinterpreted as name.value

	expr, err := pathquery.Parse("(name)init_task.value")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, err := expr.Eval(f, vm)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if in.Address != 0x1000 {
		t.Errorf("address = %#x, want %#x", in.Address, uint64(0x1000))
	}
}

func TestEval_CastOffsetWalksBackToContainer(t *testing.T) {
	vm, mem := identityVM(t, 0x10000)
	f := buildFactory(t)

	binary.LittleEndian.PutUint32(mem.data[0x3000:], 7) // holder.tag

	expr, err := pathquery.Parse("holder_inst.(holder-16)embedded")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, err := expr.Eval(f, vm)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if in.Address != 0x3000 {
		t.Errorf("address = %#x, want %#x (walked back from the embedded member to the container)", in.Address, uint64(0x3000))
	}
	bt, _ := in.Type()
	if bt.Name != "holder" {
		t.Errorf("resolved type = %q, want holder", bt.Name)
	}
}

func TestEval_ArrayIndexSubscript(t *testing.T) {
	vm, mem := identityVM(t, 0x10000)
	f := symbols.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	must(f.Feed(symbols.TypeInfo{ProducerID: 1, RealType: symbols.RtInt32, Name: "int", Size: 4}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 2, RealType: symbols.RtArray, Size: 16, RefProducerID: 1, ArrayLength: 4}))
	must(f.FeedVariable(symbols.VariableInfo{Name: "counters", RefProducerID: 2, Address: 0x500}))
	if err := f.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	binary.LittleEndian.PutUint32(mem.data[0x500+8:], 123) // counters[2]

	expr, err := pathquery.Parse("counters[2]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, err := expr.Eval(f, vm)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if in.Address != 0x500+8 {
		t.Errorf("address = %#x, want %#x", in.Address, uint64(0x500+8))
	}
}

func TestParse_RejectsEmptyExpression(t *testing.T) {
	if _, err := pathquery.Parse(""); err == nil {
		t.Fatal("expected error for empty expression")
	}
}

func TestParse_RejectsMissingSymbol(t *testing.T) {
	if _, err := pathquery.Parse("(int)"); err == nil {
		t.Fatal("expected error for a cast with no symbol")
	}
}

// buildFileFactory builds a "file { id int; private_data *name }" type
// graph and then attaches an AlternativeSet directly to private_data's
// pointer type, mirroring how TestAlternativeSet_Resolve in
// pkg/symbols's own test suite constructs one: nothing in pkg/symbols
// feeds alternative rules from TypeInfo today, so a CLI-facing candidate
// selector must work against whatever gets attached to a BaseType post
// Finalize, by a future rule loader or, here, by the test itself.
func buildFileFactory(t *testing.T) (*symbols.SymbolFactory, symbols.TypeID) {
	t.Helper()
	f := symbols.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	must(f.Feed(symbols.TypeInfo{ProducerID: 1, RealType: symbols.RtInt32, Name: "int", Size: 4}))
	must(f.Feed(symbols.TypeInfo{
		ProducerID: 2, RealType: symbols.RtStruct, Name: "name", Size: 4,
		Members: []symbols.TypeInfoMember{
			{Name: "value", RefProducerID: 1, ByteOffset: 0, BitSize: 32},
		},
	}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 3, RealType: symbols.RtPointer, Size: 8, RefProducerID: 2}))
	must(f.Feed(symbols.TypeInfo{
		ProducerID: 6, RealType: symbols.RtStruct, Name: "sock", Size: 4,
		Members: []symbols.TypeInfoMember{
			{Name: "value", RefProducerID: 1, ByteOffset: 0, BitSize: 32},
		},
	}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 7, RealType: symbols.RtPointer, Size: 8, RefProducerID: 6}))
	must(f.Feed(symbols.TypeInfo{
		ProducerID: 8, RealType: symbols.RtStruct, Name: "file", Size: 16,
		Members: []symbols.TypeInfoMember{
			{Name: "id", RefProducerID: 1, ByteOffset: 0, BitSize: 32},
			{Name: "private_data", RefProducerID: 3, ByteOffset: 8, BitSize: 64},
		},
	}))
	must(f.FeedVariable(symbols.VariableInfo{Name: "afile", RefProducerID: 8, Address: 0x4000}))
	if err := f.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	file, ok := f.Type(mustStructID(t, f, "file"))
	if !ok || file.Structured == nil {
		t.Fatalf("expected to find the 'file' struct type")
	}
	privMember, ok := file.Structured.MemberByName("private_data")
	if !ok {
		t.Fatalf("expected to find private_data member")
	}
	privBt, ok := f.Type(privMember.TypeID)
	if !ok {
		t.Fatalf("expected private_data's pointer type to exist")
	}
	privBt.Alternatives = &symbols.AlternativeSet{
		Alternatives: []symbols.Alternative{
			{ResultTypeID: mustPointerTo(t, f, "name"), Description: "name pointer"},
			{ResultTypeID: mustPointerTo(t, f, "sock"), Description: "sock pointer"},
		},
	}
	return f, privMember.TypeID
}

func mustStructID(t *testing.T, f *symbols.SymbolFactory, name string) symbols.TypeID {
	t.Helper()
	types := f.LookupTypeByName(name)
	if len(types) == 0 {
		t.Fatalf("no type named %q", name)
	}
	return types[0].ID
}

// mustPointerTo returns the TypeID of a pointer-to-name type already fed
// into f (RtPointer types carry no name of their own, so this walks every
// registered type looking for a pointer whose RefTypeID resolves to name).
func mustPointerTo(t *testing.T, f *symbols.SymbolFactory, name string) symbols.TypeID {
	t.Helper()
	target := mustStructID(t, f, name)
	for _, bt := range f.Types() {
		if bt.RealType == symbols.RtPointer && bt.RefTypeID == target {
			return bt.ID
		}
	}
	t.Fatalf("no pointer type found referring to %q", name)
	return symbols.InvalidTypeID
}

func TestEval_CandidateSelectorForcesAlternative(t *testing.T) {
	vm, mem := identityVM(t, 0x10000)
	f, _ := buildFileFactory(t)

	binary.LittleEndian.PutUint64(mem.data[0x4000+8:], 0x5000) // private_data -> 0x5000
	binary.LittleEndian.PutUint32(mem.data[0x5000:], 55)       // sock.value at that address

	expr, err := pathquery.Parse("afile.private_data<2>.value")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, err := expr.Eval(f, vm)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !in.Valid {
		t.Fatal("expected valid instance")
	}
	bt, _ := in.Type()
	if bt.Name != "int" {
		t.Errorf("resolved through candidate 2 got type %q, want int (via sock.value)", bt.Name)
	}
}

func TestEval_OutOfRangeCandidateErrors(t *testing.T) {
	vm, _ := identityVM(t, 0x10000)
	f, _ := buildFileFactory(t)

	expr, err := pathquery.Parse("afile.private_data<5>.value")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := expr.Eval(f, vm); err == nil {
		t.Fatal("expected error for out-of-range candidate index")
	}
}
