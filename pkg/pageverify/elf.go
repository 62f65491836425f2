package pageverify

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// wantedSections are the sections the per-module flow collects verbatim;
// every other section (besides relocation and symbol sections, which the
// elf package surfaces separately) is ignored.
var wantedSections = map[string]bool{
	".text": true, ".data": true, ".bss": true,
	".altinstructions": true, ".altinstr_replacement": true,
	".parainstructions": true, ".smp_locks": true,
	"__mcount_loc": true, "__jump_table": true, ".modinfo": true,
}

// ModuleELF holds the sections, symbols and unresolved relocations parsed
// out of one .ko (or vmlinux) object file.
type ModuleELF struct {
	Name     string
	file     *elf.File
	Sections map[string]*Section
	// execSections are sections other than .text that the object marks
	// SHF_EXECINSTR, concatenated after .text per the per-module flow.
	ExecSections []string
	symbols      []elf.Symbol
	relocs       map[string][]elfReloc // target section name -> records
	Depends      []string              // from .modinfo's "depends=" field
}

type elfReloc struct {
	offset  uint64
	symIdx  int
	relType elf.R_X86_64
	addend  int64
}

// ParseModuleELF reads a module or vmlinux ELF object, collecting the
// sections the per-module flow needs and every relocation against them.
// Grounded on the teacher's parseBPFELF, which does the same kind of
// section/relocation collection for a BPF object instead of a kernel
// module.
func ParseModuleELF(name string, r io.ReaderAt) (*ModuleELF, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF %q: %w", name, err)
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%q: expected x86-64 64-bit ELF", name)
	}

	out := &ModuleELF{
		Name:     name,
		file:     f,
		Sections: make(map[string]*Section),
		relocs:   make(map[string][]elfReloc),
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%q: read symbols: %w", name, err)
	}
	out.symbols = syms

	for _, sec := range f.Sections {
		switch {
		case wantedSections[sec.Name]:
			data, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("%q: read section %s: %w", name, sec.Name, err)
			}
			out.Sections[sec.Name] = &Section{Name: sec.Name, Addr: sec.Addr, Data: data}
			if sec.Name != ".text" && sec.Flags&elf.SHF_EXECINSTR != 0 {
				out.ExecSections = append(out.ExecSections, sec.Name)
			}

		case sec.Type == elf.SHT_RELA || sec.Type == elf.SHT_REL:
			target := strings.TrimPrefix(sec.Name, ".rela")
			target = strings.TrimPrefix(target, ".rel")
			if !wantedSections[target] {
				continue
			}
			recs, err := readElfRelocs(sec)
			if err != nil {
				return nil, fmt.Errorf("%q: relocations for %s: %w", name, sec.Name, err)
			}
			out.relocs[target] = recs

		default:
			if sec.Flags&elf.SHF_EXECINSTR != 0 && sec.Name != ".text" {
				data, err := sec.Data()
				if err == nil {
					out.Sections[sec.Name] = &Section{Name: sec.Name, Addr: sec.Addr, Data: data}
					out.ExecSections = append(out.ExecSections, sec.Name)
				}
			}
		}
	}

	if mi := out.Sections[".modinfo"]; mi != nil {
		out.Depends = parseModinfoDepends(mi.Data)
	}

	return out, nil
}

// Symbol returns the named defined symbol's value and section, if any.
func (m *ModuleELF) Symbol(name string) (Symbol, bool) {
	for _, s := range m.symbols {
		if s.Name != name || s.Section == elf.SHN_UNDEF {
			continue
		}
		secName := ""
		if int(s.Section) < len(m.file.Sections) {
			secName = m.file.Sections[s.Section].Name
		}
		return Symbol{
			Name: s.Name, Value: s.Value, Section: secName,
			Global: elf.ST_BIND(s.Info) == elf.STB_GLOBAL, Defined: true,
		}, true
	}
	return Symbol{}, false
}

// GlobalFunctionSymbols returns every defined, globally-bound function
// symbol as a name→value map, for building the cross-module and
// kernel-function resolution tables the per-module relocation cascade
// consults (see SymbolResolver).
func (m *ModuleELF) GlobalFunctionSymbols() map[string]uint64 {
	out := make(map[string]uint64)
	for _, s := range m.symbols {
		if s.Section == elf.SHN_UNDEF || elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		out[s.Name] = s.Value
	}
	return out
}

// parseModinfoDepends extracts "depends=a,b,c\0" style key-value records
// from a .modinfo section's NUL-separated string table.
func parseModinfoDepends(data []byte) []string {
	for _, rec := range strings.Split(string(data), "\x00") {
		if v, ok := strings.CutPrefix(rec, "depends="); ok && v != "" {
			return strings.Split(v, ",")
		}
	}
	return nil
}

// LocateKoFile finds the .ko file for a module named modName under dir,
// tolerating '-'/'_' name substitution as the kernel's own module loader
// does (e.g. "my-module" on disk may be named my_module in /proc/modules).
func LocateKoFile(dir, modName string) (string, error) {
	normalize := func(s string) string { return strings.NewReplacer("-", "_").Replace(s) }
	want := normalize(modName)

	entries, err := readDirNames(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e, ".ko") {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(e), ".ko")
		if normalize(base) == want {
			return filepath.Join(dir, e), nil
		}
	}
	return "", fmt.Errorf("module %q: no .ko file found under %s", modName, dir)
}
