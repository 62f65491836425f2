package pageverify

import "fmt"

// ModuleImage is the fully patched, page-hashed reconstruction of one
// module (or the kernel's own text), plus the bookkeeping the live-dump
// diff needs to recognize benign differences.
type ModuleImage struct {
	Name         string
	Code         *CodeImage
	TextLen      int // length of the original, unpadded .text + exec sections
	Pages        []PageHash
	JumpPatches  []JumpPatch
	SMPLockAddrs []uint64
	McountAddrs  []uint64
	Unresolved   []UnresolvedRelocation
}

// ReconstructOptions bundles the live-kernel context a module's patching
// passes need: CPU feature bits, SMP enablement, the NOP family for the
// running CPU, percpu base, and callbacks into the dump for values only
// the running kernel knows (paravirt targets, jump-label enablement).
type ReconstructOptions struct {
	CPUFeature     func(bit uint16) bool
	SMPEnabled     bool
	NopFamily      NopFamily
	PercpuBase     uint64
	ParavirtKind   func(slot uint32) ParavirtOpKind
	ParavirtTarget func(slot uint32) (uint64, bool)
	JumpKeyEnabled func(keyAddr uint64) (bool, error)
	PageSize       int // defaults to ModulePageSize when zero
}

// ReconstructModule runs the full per-module flow against an already
// ELF-parsed module: relocation resolution and application, alternative-
// instruction/paravirt/smp-lock/mcount/jump-label patching, and page
// hashing. Missing optional sections (a module with no .parainstructions,
// say) are simply skipped.
func ReconstructModule(m *ModuleELF, resolver *SymbolResolver, opt ReconstructOptions) (*ModuleImage, error) {
	text := m.Sections[".text"]
	if text == nil {
		return nil, fmt.Errorf("%s: missing .text section", m.Name)
	}

	var replAddr uint64
	if repl := m.Sections[".altinstr_replacement"]; repl != nil {
		replAddr = repl.Addr
	}

	img := &ModuleImage{Name: m.Name}

	// Relocations mutate each section's raw bytes in place, so they must
	// run before the sections are concatenated into the CodeImage.
	for _, secName := range []string{".text", ".data"} {
		sec := m.Sections[secName]
		if sec == nil {
			continue
		}
		img.Unresolved = append(img.Unresolved, m.applyRelocations(sec, resolver, opt.PercpuBase, 0)...)
	}
	if alt := m.Sections[".altinstructions"]; alt != nil {
		img.Unresolved = append(img.Unresolved, m.applyRelocations(alt, resolver, opt.PercpuBase, replAddr)...)
	}
	if repl := m.Sections[".altinstr_replacement"]; repl != nil {
		img.Unresolved = append(img.Unresolved, m.applyRelocations(repl, resolver, opt.PercpuBase, 0)...)
	}

	var others []*Section
	for _, name := range m.ExecSections {
		if s := m.Sections[name]; s != nil {
			others = append(others, s)
		}
	}
	code := NewCodeImage(text, others)
	img.Code, img.TextLen = code, len(code.Data)

	if alt := m.Sections[".altinstructions"]; alt != nil {
		if repl := m.Sections[".altinstr_replacement"]; repl != nil && opt.CPUFeature != nil {
			alts := ParseAltInstrs(alt)
			if err := ApplyAltInstrs(code, repl, alts, opt.CPUFeature, opt.NopFamily); err != nil {
				return nil, fmt.Errorf("%s: alt-instruction patch: %w", m.Name, err)
			}
		}
	}

	if pv := m.Sections[".parainstructions"]; pv != nil && opt.ParavirtTarget != nil {
		classify := opt.ParavirtKind
		if classify == nil {
			classify = func(uint32) ParavirtOpKind { return ParavirtOpCall }
		}
		sites := ParseParavirtSites(pv, classify)
		ApplyParavirtPatches(code, sites, opt.ParavirtTarget, opt.NopFamily)
	}

	if sl := m.Sections[".smp_locks"]; sl != nil {
		img.SMPLockAddrs = ApplySMPLockPatches(code, sl, opt.SMPEnabled)
	}

	if mc := m.Sections["__mcount_loc"]; mc != nil {
		img.McountAddrs = ApplyMcountPatches(code, mc, opt.NopFamily)
	}

	if jt := m.Sections["__jump_table"]; jt != nil && opt.JumpKeyEnabled != nil {
		entries := ParseJumpEntries(jt)
		patches, err := ApplyJumpLabelPatches(code, entries, opt.JumpKeyEnabled, opt.NopFamily)
		if err != nil {
			return nil, fmt.Errorf("%s: jump-label patch: %w", m.Name, err)
		}
		img.JumpPatches = patches
	}

	pageSize := opt.PageSize
	if pageSize == 0 {
		pageSize = ModulePageSize
	}
	img.Pages = HashCodeImage(code, text.Addr, pageSize)

	return img, nil
}
