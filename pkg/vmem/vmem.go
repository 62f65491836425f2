// Package vmem implements layer L3, virtual-to-physical address
// translation: walking the x86-64 4-level, i386-PAE 3-level, and legacy
// i386 2-level page table families against a raw physical memory image,
// honoring huge pages at every level that supports them, and caching
// recent translations so that pkg/instance's member-chasing does not
// re-walk the same page table on every read of a densely nested struct.
package vmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/insightvmi/insightd/pkg/memspecs"
)

// PhysicalReader reads raw bytes from a physical memory image (a dump
// file, or a live /dev/mem-equivalent source). Implementations need not be
// safe for concurrent use; VirtualMemory serializes access to it under
// its own mutex when ThreadSafe is enabled.
type PhysicalReader interface {
	ReadPhysical(paddr uint64, buf []byte) (int, error)
}

// ErrPageNotPresent is returned when a page table entry's present bit is
// clear.
var ErrPageNotPresent = errors.New("vmem: page not present")

// ErrNonCanonicalAddress is returned when translating an x86-64 address
// that fails the canonical-form check before any page table is consulted.
var ErrNonCanonicalAddress = errors.New("vmem: address is not in canonical form")

const (
	pteFlagPresent  = 1 << 0
	pteFlagPageSize = 1 << 7 // huge/large page at a non-leaf level
	pteAddrMask     = 0x000f_ffff_ffff_f000

	pageShift = 12
	pageSize  = 1 << pageShift
)

// VirtualMemory translates virtual addresses to physical ones for one
// loaded memory image, using the page table family dictated by its
// MemSpecs.Arch.
type VirtualMemory struct {
	specs *memspecs.MemSpecs
	phys  PhysicalReader

	mu         sync.Mutex
	threadSafe bool

	cache *lru.Cache[uint64, uint64] // page-aligned vaddr -> page-aligned paddr
}

// Option configures a VirtualMemory at construction time.
type Option func(*VirtualMemory)

// WithThreadSafe makes Translate/ReadAt safe for concurrent use by
// serializing all physical reads and cache accesses under a mutex. Off by
// default.
func WithThreadSafe(v bool) Option {
	return func(vm *VirtualMemory) { vm.threadSafe = v }
}

// WithCacheSize overrides the default translation-cache capacity (4096
// entries).
func WithCacheSize(n int) Option {
	return func(vm *VirtualMemory) {
		c, err := lru.New[uint64, uint64](n)
		if err == nil {
			vm.cache = c
		}
	}
}

// New creates a VirtualMemory over phys using the page table family
// described by specs.
func New(specs *memspecs.MemSpecs, phys PhysicalReader, opts ...Option) *VirtualMemory {
	cache, _ := lru.New[uint64, uint64](4096)
	vm := &VirtualMemory{specs: specs, phys: phys, cache: cache}
	for _, opt := range opts {
		opt(vm)
	}
	return vm
}

// Translate resolves vaddr to a physical address. The low bits of vaddr
// within the final page are preserved in the result.
func (vm *VirtualMemory) Translate(vaddr uint64) (uint64, error) {
	if vm.threadSafe {
		vm.mu.Lock()
		defer vm.mu.Unlock()
	}

	if vm.specs.Arch&memspecs.ArchX86_64 != 0 && !vm.specs.IsCanonical(vaddr) {
		return 0, fmt.Errorf("%w: %#x", ErrNonCanonicalAddress, vaddr)
	}

	pageVAddr := vaddr &^ (pageSize - 1)
	offset := vaddr & (pageSize - 1)

	if cached, ok := vm.cache.Get(pageVAddr); ok {
		return cached | offset, nil
	}

	var pagePAddr uint64
	var pageLen uint64
	var err error

	switch vm.specs.Arch.Family() {
	case memspecs.PageFamily4Level:
		pagePAddr, pageLen, err = vm.walk4Level(vaddr)
	case memspecs.PageFamilyPAE:
		pagePAddr, pageLen, err = vm.walkPAE(vaddr)
	case memspecs.PageFamilyLegacy32:
		pagePAddr, pageLen, err = vm.walkLegacy32(vaddr)
	default:
		return 0, fmt.Errorf("vmem: unknown page table family for arch %s", vm.specs.Arch)
	}
	if err != nil {
		return 0, err
	}

	basePAddr := pagePAddr &^ (pageLen - 1)
	baseVAddr := vaddr &^ (pageLen - 1)
	vm.cache.Add(baseVAddr, basePAddr)

	return pagePAddr + (vaddr & (pageLen - 1)), nil
}

// ReadAt reads len(buf) bytes starting at virtual address vaddr, walking
// the page table as needed for reads that stay within a single page. A
// read spanning a page boundary is split into per-page Translate calls so
// that pkg/instance can read a struct straddling a page without knowing
// about pages at all.
func (vm *VirtualMemory) ReadAt(vaddr uint64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		paddr, err := vm.Translate(vaddr + uint64(total))
		if err != nil {
			return total, err
		}
		remainInPage := pageSize - (paddr & (pageSize - 1))
		n := uint64(len(buf) - total)
		if n > remainInPage {
			n = remainInPage
		}
		if vm.threadSafe {
			vm.mu.Lock()
		}
		got, err := vm.phys.ReadPhysical(paddr, buf[total:uint64(total)+n])
		if vm.threadSafe {
			vm.mu.Unlock()
		}
		total += got
		if err != nil {
			return total, err
		}
		if uint64(got) < n {
			return total, fmt.Errorf("vmem: short physical read at %#x", paddr)
		}
	}
	return total, nil
}

func (vm *VirtualMemory) readEntry64(tablePAddr uint64, index uint64) (uint64, error) {
	var buf [8]byte
	n, err := vm.phys.ReadPhysical(tablePAddr+index*8, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("vmem: short read of page table entry at %#x", tablePAddr+index*8)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (vm *VirtualMemory) readEntry32(tablePAddr uint64, index uint64) (uint32, error) {
	var buf [4]byte
	n, err := vm.phys.ReadPhysical(tablePAddr+index*4, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, fmt.Errorf("vmem: short read of page table entry at %#x", tablePAddr+index*4)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// dirBasePAddr returns the physical address of the top-level page
// directory, given its virtual address as recorded in MemSpecs: the
// kernel's page table roots live in the direct-mapped region, so their
// physical address is simply their virtual address minus PageOffset.
func (vm *VirtualMemory) dirBasePAddr(topVAddr uint64) uint64 {
	if topVAddr >= vm.specs.PageOffset {
		return topVAddr - vm.specs.PageOffset
	}
	return topVAddr
}

// walk4Level walks the standard x86-64 4-level page table (PML4 -> PDPT ->
// PD -> PT), honoring 1 GiB PDPT-level and 2 MiB PD-level huge pages.
func (vm *VirtualMemory) walk4Level(vaddr uint64) (paddr uint64, pageLen uint64, err error) {
	pml4Index := (vaddr >> 39) & 0x1ff
	pdptIndex := (vaddr >> 30) & 0x1ff
	pdIndex := (vaddr >> 21) & 0x1ff
	ptIndex := (vaddr >> 12) & 0x1ff

	pml4Base := vm.dirBasePAddr(vm.specs.InitLevel4Pgt)
	pml4e, err := vm.readEntry64(pml4Base, pml4Index)
	if err != nil {
		return 0, 0, err
	}
	if pml4e&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pml4 entry for %#x", ErrPageNotPresent, vaddr)
	}

	pdptBase := pml4e & pteAddrMask
	pdpte, err := vm.readEntry64(pdptBase, pdptIndex)
	if err != nil {
		return 0, 0, err
	}
	if pdpte&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pdpt entry for %#x", ErrPageNotPresent, vaddr)
	}
	if pdpte&pteFlagPageSize != 0 {
		const gb1 = 1 << 30
		return (pdpte & pteAddrMask) &^ (gb1 - 1), gb1, nil
	}

	pdBase := pdpte & pteAddrMask
	pde, err := vm.readEntry64(pdBase, pdIndex)
	if err != nil {
		return 0, 0, err
	}
	if pde&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pd entry for %#x", ErrPageNotPresent, vaddr)
	}
	if pde&pteFlagPageSize != 0 {
		const mb2 = 1 << 21
		return (pde & pteAddrMask) &^ (mb2 - 1), mb2, nil
	}

	ptBase := pde & pteAddrMask
	pte, err := vm.readEntry64(ptBase, ptIndex)
	if err != nil {
		return 0, 0, err
	}
	if pte&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pt entry for %#x", ErrPageNotPresent, vaddr)
	}
	return pte & pteAddrMask, pageSize, nil
}

// walkPAE walks the i386-PAE 3-level page table (a 4-entry PDPT -> PD ->
// PT), honoring 2 MiB PD-level huge pages.
func (vm *VirtualMemory) walkPAE(vaddr uint64) (paddr uint64, pageLen uint64, err error) {
	pdptIndex := (vaddr >> 30) & 0x3
	pdIndex := (vaddr >> 21) & 0x1ff
	ptIndex := (vaddr >> 12) & 0x1ff

	pdptBase := vm.dirBasePAddr(vm.specs.SwapperPgDir)
	pdpte, err := vm.readEntry64(pdptBase, pdptIndex)
	if err != nil {
		return 0, 0, err
	}
	if pdpte&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pdpt entry for %#x", ErrPageNotPresent, vaddr)
	}

	pdBase := pdpte & pteAddrMask
	pde, err := vm.readEntry64(pdBase, pdIndex)
	if err != nil {
		return 0, 0, err
	}
	if pde&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pd entry for %#x", ErrPageNotPresent, vaddr)
	}
	if pde&pteFlagPageSize != 0 {
		const mb2 = 1 << 21
		return (pde & pteAddrMask) &^ (mb2 - 1), mb2, nil
	}

	ptBase := pde & pteAddrMask
	pte, err := vm.readEntry64(ptBase, ptIndex)
	if err != nil {
		return 0, 0, err
	}
	if pte&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pt entry for %#x", ErrPageNotPresent, vaddr)
	}
	return pte & pteAddrMask, pageSize, nil
}

// walkLegacy32 walks the non-PAE 32-bit 2-level page table (PGD -> PT),
// honoring 4 MiB PSE huge pages at the PGD level.
func (vm *VirtualMemory) walkLegacy32(vaddr uint64) (paddr uint64, pageLen uint64, err error) {
	const legacyAddrMask = 0xffff_f000

	pgdIndex := (vaddr >> 22) & 0x3ff
	ptIndex := (vaddr >> 12) & 0x3ff

	pgdBase := vm.dirBasePAddr(vm.specs.SwapperPgDir)
	pgde, err := vm.readEntry32(pgdBase, pgdIndex)
	if err != nil {
		return 0, 0, err
	}
	if uint64(pgde)&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pgd entry for %#x", ErrPageNotPresent, vaddr)
	}
	if uint64(pgde)&pteFlagPageSize != 0 {
		const mb4 = 1 << 22
		return uint64(pgde&legacyAddrMask) &^ (mb4 - 1), mb4, nil
	}

	ptBase := uint64(pgde & legacyAddrMask)
	pte, err := vm.readEntry32(ptBase, ptIndex)
	if err != nil {
		return 0, 0, err
	}
	if uint64(pte)&pteFlagPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pt entry for %#x", ErrPageNotPresent, vaddr)
	}
	return uint64(pte & legacyAddrMask), pageSize, nil
}

// PageSize is the base (non-huge) page size used by every arch family
// this package supports.
const PageSize = pageSize

// PointerSize returns the native pointer width in bytes for this memory's
// architecture: 8 on x86_64, 4 on i386 (PAE or not — PAE widens physical
// addresses, not pointers).
func (vm *VirtualMemory) PointerSize() int {
	if vm.specs.Arch&memspecs.ArchX86_64 != 0 {
		return 8
	}
	return 4
}

// SafeSeek reports whether vaddr currently translates to a physical
// address, without returning the translation or propagating the
// specific failure reason — a cheap presence check pkg/instance uses
// before deciding whether a candidate pointer is worth dereferencing.
func (vm *VirtualMemory) SafeSeek(vaddr uint64) bool {
	_, err := vm.Translate(vaddr)
	return err == nil
}

// ToPointer reads a native-width pointer value at vaddr.
func (vm *VirtualMemory) ToPointer(vaddr uint64) (uint64, error) {
	buf := make([]byte, vm.PointerSize())
	if _, err := vm.ReadAt(vaddr, buf); err != nil {
		return 0, err
	}
	if len(buf) == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// ReadUint8/16/32/64 and ReadInt8/16/32/64 read a fixed-width integer at
// vaddr. Signed readers sign-extend into int64; unsigned readers
// zero-extend into uint64.
func (vm *VirtualMemory) ReadUint8(vaddr uint64) (uint8, error) {
	var buf [1]byte
	_, err := vm.ReadAt(vaddr, buf[:])
	return buf[0], err
}

func (vm *VirtualMemory) ReadUint16(vaddr uint64) (uint16, error) {
	var buf [2]byte
	_, err := vm.ReadAt(vaddr, buf[:])
	return binary.LittleEndian.Uint16(buf[:]), err
}

func (vm *VirtualMemory) ReadUint32(vaddr uint64) (uint32, error) {
	var buf [4]byte
	_, err := vm.ReadAt(vaddr, buf[:])
	return binary.LittleEndian.Uint32(buf[:]), err
}

func (vm *VirtualMemory) ReadUint64(vaddr uint64) (uint64, error) {
	var buf [8]byte
	_, err := vm.ReadAt(vaddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:]), err
}

func (vm *VirtualMemory) ReadInt8(vaddr uint64) (int8, error) {
	v, err := vm.ReadUint8(vaddr)
	return int8(v), err
}

func (vm *VirtualMemory) ReadInt16(vaddr uint64) (int16, error) {
	v, err := vm.ReadUint16(vaddr)
	return int16(v), err
}

func (vm *VirtualMemory) ReadInt32(vaddr uint64) (int32, error) {
	v, err := vm.ReadUint32(vaddr)
	return int32(v), err
}

func (vm *VirtualMemory) ReadInt64(vaddr uint64) (int64, error) {
	v, err := vm.ReadUint64(vaddr)
	return int64(v), err
}

// ReadFloat32/64 read an IEEE-754 value at vaddr.
func (vm *VirtualMemory) ReadFloat32(vaddr uint64) (float32, error) {
	v, err := vm.ReadUint32(vaddr)
	return math.Float32frombits(v), err
}

func (vm *VirtualMemory) ReadFloat64(vaddr uint64) (float64, error) {
	v, err := vm.ReadUint64(vaddr)
	return math.Float64frombits(v), err
}
