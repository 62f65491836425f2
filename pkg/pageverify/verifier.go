package pageverify

import (
	"fmt"

	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

// Finding is one reportable outcome of the per-dump or per-module flow,
// per the failure semantics: a missing .ko is reported per module and
// processing continues; an unresolved relocation is reported and the
// instruction left unrelocated; a surviving byte mismatch is reported
// with its offset, old/new bytes, and context.
type Finding struct {
	Kind      string // "missing-module" | "unresolved-relocation" | "mismatch"
	Module    string
	Reloc     *UnresolvedRelocation
	Mismatch  *Mismatch
	PageClass PageClass
}

// Verifier ties together a finalized symbol graph, a live VirtualMemory,
// the reconstructed kernel image, and every successfully reconstructed
// module image, to drive the per-dump page walk.
type Verifier struct {
	Factory *symbols.SymbolFactory
	VM      *vmem.VirtualMemory
	Bounds  KernelBounds

	Kernel  *ModuleImage
	Modules map[string]*ModuleImage

	PageSize int // defaults to ModulePageSize when zero
}

// pageBytes extracts the page-sized, zero-padded reconstructed bytes that
// cover addr from img's CodeImage, mirroring the padding HashCodeImage
// applied when it computed img.Pages.
func pageBytes(img *ModuleImage, addr uint64, baseAddr uint64, pageSize int) ([]byte, bool) {
	if addr < baseAddr {
		return nil, false
	}
	off := int(addr - baseAddr)
	page := make([]byte, pageSize)
	if off >= len(img.Code.Data) {
		return page, true // entirely past the end: all padding
	}
	end := off + pageSize
	if end > len(img.Code.Data) {
		end = len(img.Code.Data)
	}
	copy(page, img.Code.Data[off:end])
	return page, true
}

// VerifyPage classifies the live page at addr and, if a reconstruction is
// available for its class, hashes and (on mismatch) byte-diffs it against
// the live bytes, returning the page's classification and any findings
// that survive benign-difference filtering.
func (v *Verifier) VerifyPage(addr uint64, live []byte) (PageClass, string, []Finding) {
	class, modName := ClassifyPage(v.Factory, v.VM, addr, v.Bounds)

	pageSize := v.PageSize
	if pageSize == 0 {
		pageSize = ModulePageSize
	}

	var img *ModuleImage
	var baseAddr uint64
	switch class {
	case ClassKernelCode, ClassKernelExecData, ClassVsyscall:
		img = v.Kernel
		if img != nil {
			baseAddr = v.Bounds.TextBegin
		}
		pageSize = KernelPageSize
	case ClassModuleCode:
		img = v.Modules[modName]
		if img != nil {
			baseAddr = img.Code.spans[0].addr
		}
	}
	if img == nil {
		return class, modName, nil
	}

	recon, ok := pageBytes(img, addr, baseAddr, pageSize)
	if !ok {
		return class, modName, nil
	}

	ctx := CompareContext{
		SMPLockAddrs: img.SMPLockAddrs,
		JumpPatches:  img.JumpPatches,
		TextLen:      int(baseAddr) + img.TextLen,
		NopFamily:    NopFamilyK8,
	}
	mismatches := ComparePage(live, recon, addr, ctx)
	if len(mismatches) == 0 {
		return class, modName, nil
	}

	findings := make([]Finding, 0, len(mismatches))
	for i := range mismatches {
		findings = append(findings, Finding{Kind: "mismatch", Module: modName, Mismatch: &mismatches[i], PageClass: class})
	}
	return class, modName, findings
}

// String renders a Finding the way the per-dump flow's failure semantics
// describe it, for logging or a findings sink.
func (f Finding) String() string {
	switch f.Kind {
	case "missing-module":
		return fmt.Sprintf("module %q: .ko file not found", f.Module)
	case "unresolved-relocation":
		return f.Reloc.Error()
	case "mismatch":
		return fmt.Sprintf("%s page %#x+%#x: byte %#02x != expected %#02x",
			f.PageClass, f.Mismatch.Addr, f.Mismatch.Offset, f.Mismatch.New, f.Mismatch.Old)
	default:
		return f.Kind
	}
}
