package pageverify

import (
	"encoding/binary"
	"testing"

	"github.com/insightvmi/insightd/pkg/memspecs"
	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

type classifyMem struct{ data []byte }

func (m *classifyMem) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	return copy(buf, m.data[paddr:]), nil
}

func identityVMFor(size int) (*vmem.VirtualMemory, *classifyMem) {
	mem := &classifyMem{data: make([]byte, size)}
	const pml4 = 0xf000
	binary.LittleEndian.PutUint64(mem.data[pml4:], 0xf100|1)
	binary.LittleEndian.PutUint64(mem.data[0xf100:], 0xf200|1)
	binary.LittleEndian.PutUint64(mem.data[0xf200:], 0xf300|1)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint64(mem.data[0xf300+uint64(i)*8:], uint64(i*0x1000)|1)
	}
	specs := &memspecs.MemSpecs{Arch: memspecs.ArchX86_64, InitLevel4Pgt: pml4}
	return vmem.New(specs, mem), mem
}

func TestNewKernelBounds(t *testing.T) {
	sm := fakeSystemMap{"_text": 0x1000, "_etext": 0x2000, "__bss_stop": 0x3000}
	b, ok := NewKernelBounds(sm)
	if !ok {
		t.Fatal("NewKernelBounds: ok = false")
	}
	if b.TextBegin != 0x1000 || b.TextEnd != 0x2000 || b.DataExecEnd != 0x3000 {
		t.Errorf("bounds = %+v", b)
	}
	if b.VsyscallPage != 0 {
		t.Errorf("VsyscallPage = %#x, want 0 (absent from map)", b.VsyscallPage)
	}
}

func TestClassifyPage_KernelCodeAndExecData(t *testing.T) {
	bounds := KernelBounds{TextBegin: 0x1000, TextEnd: 0x2000, DataExecEnd: 0x3000, VsyscallPage: 0x4000}
	f := symbols.New()
	if err := f.Finalize(); err != nil {
		t.Fatal(err)
	}
	vm, _ := identityVMFor(0x10000)

	if c, _ := ClassifyPage(f, vm, 0x1800, bounds); c != ClassKernelCode {
		t.Errorf("ClassifyPage(0x1800) = %v, want kernel code", c)
	}
	if c, _ := ClassifyPage(f, vm, 0x2800, bounds); c != ClassKernelExecData {
		t.Errorf("ClassifyPage(0x2800) = %v, want kernel exec-data", c)
	}
	if c, _ := ClassifyPage(f, vm, 0x4000, bounds); c != ClassVsyscall {
		t.Errorf("ClassifyPage(0x4000) = %v, want vsyscall", c)
	}
}

// buildModuleListFactory constructs a minimal "struct module" type plus a
// circular one-element "modules" list_head, so findOwningModule's
// container_of-style walk can be exercised end to end.
func buildModuleListFactory(t *testing.T) *symbols.SymbolFactory {
	t.Helper()
	f := symbols.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	must(f.Feed(symbols.TypeInfo{ProducerID: 1, RealType: symbols.RtUInt64, Name: "unsigned long", Size: 8}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 10, RealType: symbols.RtStruct, Name: "list_head", Size: 16,
		Members: []symbols.TypeInfoMember{
			{Name: "next", RefProducerID: 11, ByteOffset: 0, BitSize: 64},
			{Name: "prev", RefProducerID: 11, ByteOffset: 8, BitSize: 64},
		}}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 11, RealType: symbols.RtPointer, Size: 8, RefProducerID: 10}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 30, RealType: symbols.RtVoid, Name: "void"}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 31, RealType: symbols.RtPointer, Size: 8, RefProducerID: 30}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 40, RealType: symbols.RtInt8, Name: "char", Size: 1}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 41, RealType: symbols.RtArray, RefProducerID: 40, ArrayLength: 56, Size: 56}))
	must(f.Feed(symbols.TypeInfo{ProducerID: 20, RealType: symbols.RtStruct, Name: "module", Size: 96,
		Members: []symbols.TypeInfoMember{
			{Name: "list", RefProducerID: 10, ByteOffset: 0, BitSize: 128},
			{Name: "module_core", RefProducerID: 31, ByteOffset: 16, BitSize: 64},
			{Name: "core_text_size", RefProducerID: 1, ByteOffset: 24, BitSize: 64},
			{Name: "name", RefProducerID: 41, ByteOffset: 32, BitSize: 448},
		}}))
	must(f.FeedVariable(symbols.VariableInfo{Name: "modules", RefProducerID: 10, Address: 0x9000}))
	if err := f.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return f
}

func TestClassifyPage_ModuleCode(t *testing.T) {
	const (
		headAddr   = 0x9000
		module1    = 0x9100
		moduleCore = 0x9400
	)
	f := buildModuleListFactory(t)
	vm, mem := identityVMFor(0x20000)

	binary.LittleEndian.PutUint64(mem.data[headAddr:], module1) // modules.next -> module1.list
	binary.LittleEndian.PutUint64(mem.data[module1:], headAddr) // module1.list.next -> head (circular, one element)
	binary.LittleEndian.PutUint64(mem.data[module1+16:], moduleCore)
	binary.LittleEndian.PutUint64(mem.data[module1+24:], 0x1000)
	copy(mem.data[module1+32:], []byte("testmod\x00"))

	bounds := KernelBounds{TextBegin: 1, TextEnd: 1, DataExecEnd: 1} // out of range, forces the module-list path
	class, name := ClassifyPage(f, vm, moduleCore+0x10, bounds)
	if class != ClassModuleCode {
		t.Fatalf("ClassifyPage = %v, want module code", class)
	}
	if name != "testmod" {
		t.Errorf("module name = %q, want testmod", name)
	}
}

func TestClassifyPage_UnknownWhenNothingMatches(t *testing.T) {
	f := buildModuleListFactory(t)
	vm, mem := identityVMFor(0x20000)
	binary.LittleEndian.PutUint64(mem.data[0x9000:], 0x9000) // empty list: head points to itself

	bounds := KernelBounds{TextBegin: 1, TextEnd: 1, DataExecEnd: 1}
	class, _ := ClassifyPage(f, vm, 0xabcdef, bounds)
	if class != ClassUnknown {
		t.Errorf("ClassifyPage = %v, want unknown", class)
	}
}
