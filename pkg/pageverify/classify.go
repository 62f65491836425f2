package pageverify

import (
	"bytes"

	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

// KernelBounds are the address-range facts the per-dump classification
// needs, read once from System.map: grounded on detect.cpp's Detect
// constructor, which reads _text/_etext/__bss_stop/VDSO64_PRELINK at
// startup rather than re-resolving them for every page.
type KernelBounds struct {
	TextBegin, TextEnd uint64 // [_text, _etext]
	DataExecEnd        uint64 // __bss_stop
	VsyscallPage       uint64 // VDSO64_PRELINK; 0 if the build has none
}

// NewKernelBounds resolves a KernelBounds from a System.map-style lookup.
// ok is false if any of the mandatory bounds (everything but the
// vsyscall page, which some kernel builds omit) couldn't be resolved.
func NewKernelBounds(sm SystemMapLookup) (b KernelBounds, ok bool) {
	var ok1, ok2, ok3 bool
	b.TextBegin, ok1 = sm.Lookup("_text")
	b.TextEnd, ok2 = sm.Lookup("_etext")
	b.DataExecEnd, ok3 = sm.Lookup("__bss_stop")
	b.VsyscallPage, _ = sm.Lookup("VDSO64_PRELINK")
	return b, ok1 && ok2 && ok3
}

// vmapLazyFreeFlag mirrors VM_LAZY_FREE from include/linux/vmalloc.h.
const vmapLazyFreeFlag = 1 << 1

// ClassifyPage assigns one PageClass to a present, supervisor, executable
// page at addr, per detect.cpp's hiddenCode sweep: kernel code/exec-data
// by KernelBounds, the vsyscall page by exact match, module code by
// walking the kernel's "modules" list_head and each module's
// module_core/core_text_size span, and otherwise a vmap_area_root
// rb-tree lookup distinguishing a live area from a lazily-freed one.
//
// Field offsets are resolved from the live symbol graph rather than
// assumed, since struct layout varies across kernel builds; the walk
// itself reads raw pointer-sized values straight out of the dump (rather
// than going through pkg/instance's Member/Dereference, which has no
// public numeric-value accessor) the same way pkg/revmap's scoreCandidate
// reads embedded pointers directly through VirtualMemory.
func ClassifyPage(f *symbols.SymbolFactory, vm *vmem.VirtualMemory, addr uint64, b KernelBounds) (class PageClass, moduleName string) {
	switch {
	case addr >= b.TextBegin && addr <= b.TextEnd:
		return ClassKernelCode, ""
	case addr >= b.TextEnd && addr <= b.DataExecEnd:
		return ClassKernelExecData, ""
	case b.VsyscallPage != 0 && addr == b.VsyscallPage:
		return ClassVsyscall, ""
	}

	if name, ok := findOwningModule(f, vm, addr); ok {
		return ClassModuleCode, name
	}
	if flags, ok := vmapAreaFlags(f, vm, addr); ok {
		if flags&vmapLazyFreeFlag != 0 {
			return ClassVmapLazy, ""
		}
		return ClassVmap, ""
	}
	return ClassUnknown, ""
}

func firstType(f *symbols.SymbolFactory, name string) (*symbols.BaseType, bool) {
	ts := f.LookupTypeByName(name)
	if len(ts) == 0 {
		return nil, false
	}
	return ts[0], true
}

func fieldOffset(bt *symbols.BaseType, name string) (uint64, bool) {
	if bt == nil || bt.Structured == nil {
		return 0, false
	}
	m, ok := bt.Structured.MemberByName(name)
	if !ok {
		return 0, false
	}
	return m.ByteOffset, true
}

func readCStringAt(vm *vmem.VirtualMemory, addr uint64, maxLen int) (string, bool) {
	buf := make([]byte, maxLen)
	n, err := vm.ReadAt(addr, buf)
	if err != nil && n == 0 {
		return "", false
	}
	if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
		return string(buf[:i]), true
	}
	return string(buf[:n]), true
}

// findOwningModule walks the "modules" list_head, recovering each "struct
// module" by subtracting its embedded list member's offset (the same
// container_of pattern detect.cpp's hiddenCode uses), and reports the
// first module whose [module_core, module_core+core_text_size] covers
// addr.
func findOwningModule(f *symbols.SymbolFactory, vm *vmem.VirtualMemory, addr uint64) (string, bool) {
	modulesVar, ok := f.LookupVariableByName("modules")
	if !ok {
		return "", false
	}
	listType, ok := f.Type(modulesVar.TypeID)
	if !ok {
		return "", false
	}
	nextOff, ok := fieldOffset(listType, "next")
	if !ok {
		return "", false
	}
	moduleType, ok := firstType(f, "module")
	if !ok {
		return "", false
	}
	listOff, ok := fieldOffset(moduleType, "list")
	if !ok {
		return "", false
	}
	coreOff, okC := fieldOffset(moduleType, "module_core")
	sizeOff, okS := fieldOffset(moduleType, "core_text_size")
	nameOff, okN := fieldOffset(moduleType, "name")
	if !okC || !okS || !okN {
		return "", false
	}

	headAddr := modulesVar.Address
	cur, err := vm.ReadUint64(headAddr + nextOff)
	if err != nil {
		return "", false
	}

	seen := map[uint64]bool{}
	for cur != 0 && cur != headAddr && !seen[cur] {
		seen[cur] = true
		modAddr := cur - listOff

		core, e1 := vm.ReadUint64(modAddr + coreOff)
		size, e2 := vm.ReadUint64(modAddr + sizeOff)
		if e1 == nil && e2 == nil && addr >= core && addr <= core+size {
			if name, ok := readCStringAt(vm, modAddr+nameOff, 56); ok {
				return name, true
			}
			return "", true
		}

		next, err := vm.ReadUint64(cur + nextOff)
		if err != nil {
			break
		}
		cur = next
	}
	return "", false
}

// vmapAreaFlags locates the vmap_area covering addr via an in-order
// rb-tree search of vmap_area_root, recovering each vmap_area the same
// way findOwningModule recovers a module, grounded on detect.cpp's
// inVmap.
func vmapAreaFlags(f *symbols.SymbolFactory, vm *vmem.VirtualMemory, addr uint64) (uint64, bool) {
	rootVar, ok := f.LookupVariableByName("vmap_area_root")
	if !ok {
		return 0, false
	}
	rootType, ok := f.Type(rootVar.TypeID)
	if !ok {
		return 0, false
	}
	rootNodeOff, ok := fieldOffset(rootType, "rb_node")
	if !ok {
		return 0, false
	}

	areaType, ok := firstType(f, "vmap_area")
	if !ok {
		return 0, false
	}
	rbOff, ok := fieldOffset(areaType, "rb_node")
	if !ok {
		return 0, false
	}
	vaStartOff, ok1 := fieldOffset(areaType, "va_start")
	vaEndOff, ok2 := fieldOffset(areaType, "va_end")
	flagsOff, ok3 := fieldOffset(areaType, "flags")
	if !ok1 || !ok2 || !ok3 {
		return 0, false
	}

	rbNodeType, ok := firstType(f, "rb_node")
	if !ok {
		return 0, false
	}
	leftOff, okL := fieldOffset(rbNodeType, "rb_left")
	rightOff, okR := fieldOffset(rbNodeType, "rb_right")
	if !okL || !okR {
		return 0, false
	}

	node, err := vm.ReadUint64(rootVar.Address + rootNodeOff)
	if err != nil {
		return 0, false
	}

	seen := map[uint64]bool{}
	for node != 0 && !seen[node] {
		seen[node] = true
		areaAddr := node - rbOff
		start, e1 := vm.ReadUint64(areaAddr + vaStartOff)
		end, e2 := vm.ReadUint64(areaAddr + vaEndOff)
		if e1 != nil || e2 != nil {
			return 0, false
		}

		switch {
		case addr < start:
			next, err := vm.ReadUint64(node + leftOff)
			if err != nil {
				return 0, false
			}
			node = next
		case addr >= end:
			next, err := vm.ReadUint64(node + rightOff)
			if err != nil {
				return 0, false
			}
			node = next
		default:
			flags, err := vm.ReadUint64(areaAddr + flagsOff)
			if err != nil {
				return 0, false
			}
			return flags, true
		}
	}
	return 0, false
}
