// Package memspecs loads the architecture and kernel-build constants that
// anchor every virtual-to-physical translation performed by pkg/vmem, plus
// the System.map-derived symbol-name-to-address table consulted when a
// symbol file alone does not carry an address for a given variable.
//
// MemSpecs themselves are never computed from a running kernel or a kernel
// source tree here — that is an out-of-band step (compiling and running a
// tiny kernel module against the target's exact build, as the original
// project's memspecparser did) whose output this package only parses, as a
// small YAML document of key/value constants.
package memspecs

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Arch is a bitmask describing the target kernel's architecture and paging
// mode, mirroring the combinations the original project distinguished.
type Arch uint8

const (
	ArchUndefined  Arch = 0
	ArchI386       Arch = 1 << 0
	ArchX86_64     Arch = 1 << 1
	ArchPAEEnabled Arch = 1 << 2
)

func (a Arch) String() string {
	switch {
	case a&ArchX86_64 != 0:
		return "x86_64"
	case a&ArchPAEEnabled != 0:
		return "i386-pae"
	case a&ArchI386 != 0:
		return "i386"
	default:
		return "undefined"
	}
}

// PageSizeFamily enumerates the translation granularities a given Arch can
// produce. Table walkers in pkg/vmem dispatch on this rather than on Arch
// directly, since x86_64 and i386-PAE share a 4 KiB/2 MiB/1 GiB family while
// plain i386 uses a 4 KiB/4 MiB family.
type PageSizeFamily int

const (
	PageFamilyUnknown  PageSizeFamily = iota
	PageFamily4Level                  // x86_64: 4 KiB / 2 MiB / 1 GiB
	PageFamilyPAE                     // i386 + PAE: 4 KiB / 2 MiB
	PageFamilyLegacy32                // plain i386: 4 KiB / 4 MiB
)

// Family derives the page-size family implied by Arch, per spec.md's
// page-size-family derivation rule.
func (a Arch) Family() PageSizeFamily {
	switch {
	case a&ArchX86_64 != 0:
		return PageFamily4Level
	case a&ArchPAEEnabled != 0:
		return PageFamilyPAE
	case a&ArchI386 != 0:
		return PageFamilyLegacy32
	default:
		return PageFamilyUnknown
	}
}

// MemSpecs holds the architecture constants and kernel-build-specific
// addresses needed to walk page tables and classify address ranges.
type MemSpecs struct {
	Arch    Arch
	Created time.Time

	// PageSize is the base (smallest) translation granularity in bytes,
	// almost always 4096.
	PageSize uint64

	// PageOffset is the kernel's identity-mapped direct window: physical
	// address 0 is mapped at virtual address PageOffset on x86_64/i386.
	PageOffset uint64

	// VmallocStart/VmallocEnd bound the region used for vmalloc()'d
	// (non-contiguous-physical) kernel allocations.
	VmallocStart uint64
	VmallocEnd   uint64

	// VmemmapStart/VmemmapEnd bound the struct-page array region
	// (x86_64 only; zero on i386).
	VmemmapStart uint64
	VmemmapEnd   uint64

	// HighMemory is the highmem boundary (i386 only; zero on x86_64, where
	// the entire physical range is typically direct-mapped).
	HighMemory uint64

	// InitLevel4Pgt is the physical address of the kernel's top-level page
	// table on x86_64 (init_level4_pgt / init_top_pgt, name varies by
	// kernel version).
	InitLevel4Pgt uint64

	// SwapperPgDir is the physical address of the kernel's top-level page
	// directory on i386 (swapper_pg_dir).
	SwapperPgDir uint64

	// VmallocEarlyReserve is the size, in bytes, of the early vmalloc
	// reservation carved out of the vmalloc range at boot.
	VmallocEarlyReserve uint64

	// KernelVersion is the uname release string recorded when this
	// MemSpecs set was generated, used by CheckKernelVersion.
	KernelVersion string

	// SystemMap is the parsed System.map table, populated by LoadSystemMap.
	// It is nil until explicitly loaded.
	SystemMap *SystemMap
}

// specDocument is the on-disk YAML shape of a MemSpecs file.
type specDocument struct {
	Arch                string `yaml:"arch"`
	PageSize            uint64 `yaml:"page_size"`
	PageOffset          uint64 `yaml:"page_offset"`
	VmallocStart        uint64 `yaml:"vmalloc_start"`
	VmallocEnd          uint64 `yaml:"vmalloc_end"`
	VmemmapStart        uint64 `yaml:"vmemmap_start,omitempty"`
	VmemmapEnd          uint64 `yaml:"vmemmap_end,omitempty"`
	HighMemory          uint64 `yaml:"high_memory,omitempty"`
	InitLevel4Pgt       uint64 `yaml:"init_level4_pgt,omitempty"`
	SwapperPgDir        uint64 `yaml:"swapper_pg_dir,omitempty"`
	VmallocEarlyReserve uint64 `yaml:"vmalloc_earlyreserve,omitempty"`
	KernelVersion       string `yaml:"kernel_version,omitempty"`
}

// Load reads a MemSpecs document from path. The address-valued fields are
// expected to be written as 0x-prefixed hex or plain decimal; yaml.v3
// decodes either into a uint64 without extra handling.
func Load(path string) (*MemSpecs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memspecs: read %q: %w", path, err)
	}

	var doc specDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("memspecs: parse %q: %w", path, err)
	}

	arch, err := parseArch(doc.Arch)
	if err != nil {
		return nil, fmt.Errorf("memspecs: %q: %w", path, err)
	}

	ms := &MemSpecs{
		Arch:                arch,
		Created:             time.Now().UTC(),
		PageSize:            doc.PageSize,
		PageOffset:          doc.PageOffset,
		VmallocStart:        doc.VmallocStart,
		VmallocEnd:          doc.VmallocEnd,
		VmemmapStart:        doc.VmemmapStart,
		VmemmapEnd:          doc.VmemmapEnd,
		HighMemory:          doc.HighMemory,
		InitLevel4Pgt:       doc.InitLevel4Pgt,
		SwapperPgDir:        doc.SwapperPgDir,
		VmallocEarlyReserve: doc.VmallocEarlyReserve,
		KernelVersion:       doc.KernelVersion,
	}

	if ms.PageSize == 0 {
		ms.PageSize = 4096
	}

	if err := ms.validate(); err != nil {
		return nil, fmt.Errorf("memspecs: %q: %w", path, err)
	}

	return ms, nil
}

func parseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_64", "amd64":
		return ArchX86_64, nil
	case "i386", "x86":
		return ArchI386, nil
	case "i386-pae", "i386+pae", "x86-pae":
		return ArchI386 | ArchPAEEnabled, nil
	default:
		return ArchUndefined, fmt.Errorf("unrecognised arch %q", s)
	}
}

func (ms *MemSpecs) validate() error {
	if ms.Arch == ArchUndefined {
		return fmt.Errorf("arch is undefined")
	}
	if ms.Arch&ArchX86_64 != 0 && ms.InitLevel4Pgt == 0 {
		return fmt.Errorf("x86_64 MemSpecs require init_level4_pgt")
	}
	if ms.Arch&ArchX86_64 == 0 && ms.SwapperPgDir == 0 {
		return fmt.Errorf("i386 MemSpecs require swapper_pg_dir")
	}
	return nil
}

// LoadSystemMap parses a System.map-style symbol table at path and attaches
// it to ms, also resolving InitLevel4Pgt/SwapperPgDir from the map; an
// address found in the map replaces any value the MemSpecs document set
// (the original toolchain always sourced these two addresses from
// System.map, never from the compiled helper program).
func (ms *MemSpecs) LoadSystemMap(path string) error {
	sm, err := ParseSystemMap(path)
	if err != nil {
		return fmt.Errorf("memspecs: load system map: %w", err)
	}
	ms.SystemMap = sm

	if ms.Arch&ArchX86_64 != 0 {
		if addr, ok := sm.Lookup("init_level4_pgt"); ok {
			ms.InitLevel4Pgt = addr
		} else if addr, ok := sm.Lookup("init_top_pgt"); ok {
			ms.InitLevel4Pgt = addr
		}
		if ms.InitLevel4Pgt == 0 {
			return fmt.Errorf("memspecs: system map does not contain init_level4_pgt/init_top_pgt")
		}
	} else {
		if addr, ok := sm.Lookup("swapper_pg_dir"); ok {
			ms.SwapperPgDir = addr
		}
		if ms.SwapperPgDir == 0 {
			return fmt.Errorf("memspecs: system map does not contain swapper_pg_dir")
		}
	}

	if addr, ok := sm.Lookup("vmalloc_earlyreserve"); ok {
		ms.VmallocEarlyReserve = addr
	}

	return nil
}

// CheckKernelVersion compares liveVersion (typically read from a dump's
// init_uts_ns structure by a higher layer) against the version recorded in
// this MemSpecs set. A mismatch is not fatal — kernels are frequently
// rebuilt with identical memory layouts — but is surfaced to the caller as
// a descriptive warning string so it can be logged. An empty return value
// means the versions match or no recorded version is available to compare.
func (ms *MemSpecs) CheckKernelVersion(liveVersion string) string {
	if ms.KernelVersion == "" || liveVersion == "" {
		return ""
	}
	if strings.TrimSpace(ms.KernelVersion) == strings.TrimSpace(liveVersion) {
		return ""
	}
	return fmt.Sprintf("memspecs kernel version %q does not match dump's live version %q; "+
		"memory layout constants may not apply", ms.KernelVersion, liveVersion)
}

// IsCanonical reports whether vaddr is a canonical x86_64 virtual address:
// bits 63:48 must all equal bit 47. It always returns true for i386 targets,
// which have no canonical-address restriction.
func (ms *MemSpecs) IsCanonical(vaddr uint64) bool {
	if ms.Arch&ArchX86_64 == 0 {
		return true
	}
	const signBit = uint64(1) << 47
	top := vaddr >> 48
	if vaddr&signBit != 0 {
		return top == 0xFFFF
	}
	return top == 0
}
