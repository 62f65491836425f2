package pageverify

import (
	"encoding/binary"
	"fmt"
)

// NopFamily selects which "ideal NOP" byte sequences a CPU family uses,
// per the kernel's arch/x86/kernel/alternative.c tables.
type NopFamily int

const (
	NopFamilyK8 NopFamily = iota
	NopFamilyP6
)

// idealNops[family][length] is the ideal single NOP instruction of that
// byte length, used both to pad alternative-instruction sites up to
// instrlen and to NOP out mcount call sites and disabled jump labels.
var idealNops = map[NopFamily][][]byte{
	NopFamilyK8: {
		{},
		{0x90},
		{0x66, 0x90},
		{0x0f, 0x1f, 0x00},
		{0x0f, 0x1f, 0x40, 0x00},
		{0x0f, 0x1f, 0x44, 0x00, 0x00},
		{0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
		{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
		{0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	},
	NopFamilyP6: {
		{},
		{0x90},
		{0x66, 0x90},
		{0x0f, 0x1f, 0x00},
		{0x0f, 0x1f, 0x40, 0x00},
		{0x0f, 0x1f, 0x44, 0x00, 0x00},
		{0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
		{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
		{0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	},
}

// fillNops writes the ideal NOP sequence(s) that add up to exactly n bytes
// into buf, breaking n into chunks no larger than the largest table entry.
func fillNops(buf []byte, family NopFamily, n int) {
	table := idealNops[family]
	maxLen := len(table) - 1
	i := 0
	for n > 0 {
		chunk := n
		if chunk > maxLen {
			chunk = maxLen
		}
		copy(buf[i:], table[chunk])
		i += chunk
		n -= chunk
	}
}

// CodeImage is the concatenation of .text followed by the module's other
// executable sections, addressed by the virtual addresses those sections
// were linked at. Relocation, alt-instruction, paravirt, mcount and
// jump-label patching all mutate this buffer in place before hashing.
type CodeImage struct {
	Data  []byte
	spans []codeSpan
}

type codeSpan struct {
	addr, offset uint64
	length       int
}

// NewCodeImage concatenates text followed by the named other executable
// sections, in the order the per-module flow specifies.
func NewCodeImage(text *Section, others []*Section) *CodeImage {
	c := &CodeImage{}
	add := func(s *Section) {
		c.spans = append(c.spans, codeSpan{addr: s.Addr, offset: uint64(len(c.Data)), length: len(s.Data)})
		c.Data = append(c.Data, s.Data...)
	}
	add(text)
	for _, s := range others {
		add(s)
	}
	return c
}

// offsetOf maps an in-ELF address to its position in Data, if the address
// falls inside one of the concatenated spans.
func (c *CodeImage) offsetOf(addr uint64) (int, bool) {
	for _, sp := range c.spans {
		if addr >= sp.addr && addr < sp.addr+uint64(sp.length) {
			return int(sp.offset + (addr - sp.addr)), true
		}
	}
	return 0, false
}

// ParseAltInstrs decodes the .altinstructions section into AltInstr
// records. Each 12-byte record holds two PC32-relative displacements (to
// the original instruction and to the replacement, each relative to its
// own field address, per the kernel's struct alt_instr) followed by a
// cpuid/instrlen/replacementlen trailer.
func ParseAltInstrs(altSec *Section) []AltInstr {
	const recSize = 12
	var out []AltInstr
	for off := 0; off+recSize <= len(altSec.Data); off += recSize {
		rec := altSec.Data[off : off+recSize]
		instrRel := int32(binary.LittleEndian.Uint32(rec[0:4]))
		replRel := int32(binary.LittleEndian.Uint32(rec[4:8]))
		cpuid := binary.LittleEndian.Uint16(rec[8:10])
		instrLen, replLen := rec[10], rec[11]

		instrFieldAddr := altSec.Addr + uint64(off)
		replFieldAddr := altSec.Addr + uint64(off) + 4

		out = append(out, AltInstr{
			InstrOffset: uint64(int64(instrFieldAddr) + int64(instrRel)),
			ReplOffset:  uint64(int64(replFieldAddr) + int64(replRel)),
			CPUFeature:  cpuid,
			InstrLen:    instrLen,
			ReplLen:     replLen,
		})
	}
	return out
}

// ApplyAltInstrs patches code for every AltInstr whose CPU feature bit is
// set in cpuFeatures, copying the replacement bytes over the original
// site and padding any remainder with ideal NOPs, then fixing up any
// relative call (0xE8) whose displacement was computed against the
// replacement section's original link address.
func ApplyAltInstrs(code *CodeImage, replSec *Section, alts []AltInstr, cpuFeatures func(bit uint16) bool, family NopFamily) error {
	for _, a := range alts {
		if !cpuFeatures(a.CPUFeature) {
			continue
		}
		dstOff, ok := code.offsetOf(a.InstrOffset)
		if !ok {
			return fmt.Errorf("alt_instr site %#x not in code image", a.InstrOffset)
		}
		if int(a.InstrLen) > len(code.Data)-dstOff {
			return fmt.Errorf("alt_instr site %#x overruns code image", a.InstrOffset)
		}

		srcOff := int(a.ReplOffset - replSec.Addr)
		if srcOff < 0 || srcOff+int(a.ReplLen) > len(replSec.Data) {
			return fmt.Errorf("alt_instr replacement %#x out of range", a.ReplOffset)
		}

		n := copy(code.Data[dstOff:dstOff+int(a.InstrLen)], replSec.Data[srcOff:srcOff+int(a.ReplLen)])
		if rem := int(a.InstrLen) - n; rem > 0 {
			fillNops(code.Data[dstOff+n:dstOff+int(a.InstrLen)], family, rem)
		}

		// Fix up a relative call whose target lay inside the replacement:
		// recompute its displacement against the patched-in site.
		if n >= 5 && code.Data[dstOff] == 0xe8 {
			origTarget := a.ReplOffset + 5 + uint64(int32(binary.LittleEndian.Uint32(code.Data[dstOff+1:dstOff+5])))
			newDisp := int32(int64(origTarget) - int64(a.InstrOffset) - 5)
			binary.LittleEndian.PutUint32(code.Data[dstOff+1:], uint32(newDisp))
		}
	}
	return nil
}

// ParseParavirtSites decodes .parainstructions into ParavirtSite records:
// an 8-byte record of a PC32-relative instruction offset, a 2-byte ops
// vector slot, and clobber/len trailer bytes.
func ParseParavirtSites(sec *Section, classify func(slot uint32) ParavirtOpKind) []ParavirtSite {
	const recSize = 8
	var out []ParavirtSite
	for off := 0; off+recSize <= len(sec.Data); off += recSize {
		rec := sec.Data[off : off+recSize]
		instrRel := int32(binary.LittleEndian.Uint32(rec[0:4]))
		slot := uint32(binary.LittleEndian.Uint16(rec[4:6]))
		clobbers, length := rec[6], rec[7]

		fieldAddr := sec.Addr + uint64(off)
		out = append(out, ParavirtSite{
			InstrOffset: uint64(int64(fieldAddr) + int64(instrRel)),
			OpsSlot:     slot,
			ClobberLen:  length - clobbers,
			OpKind:      classify(slot),
		})
	}
	return out
}

// identMov32 is the fixed byte encoding of "mov %edi, %eax", the native
// replacement paravirt_patch_default substitutes for a 32-bit identity
// pv_op (_paravirt_ident_32): the function just returns its single
// argument, so the call site becomes the equivalent register move.
var identMov32 = []byte{0x89, 0xf8}

// identMov64 is "mov %rdi, %rax", the 64-bit counterpart
// (_paravirt_ident_64).
var identMov64 = []byte{0x48, 0x89, 0xf8}

// ApplyParavirtPatches emits, for every site, one of {NOP pad, move
// template, relative jump, relative call} following
// paravirt_patch_default's dispatch (NOP for a null op, the fixed
// identMov32/identMov64 move template for a 32/64-bit identity op, a
// relative jump for iret/usergs_sysret/irq_enable_sysexit-class ops, a
// relative call otherwise). liveTarget resolves a site's ops-vector slot
// to the live function address the running kernel patched in.
func ApplyParavirtPatches(code *CodeImage, sites []ParavirtSite, liveTarget func(slot uint32) (uint64, bool), family NopFamily) {
	for _, s := range sites {
		off, ok := code.offsetOf(s.InstrOffset)
		if !ok || int(s.ClobberLen) > len(code.Data)-off {
			continue
		}
		n := int(s.ClobberLen)
		if n == 0 {
			continue
		}

		target, haveTarget := liveTarget(s.OpsSlot)
		switch {
		case s.OpKind == ParavirtOpIdentity32 && n >= len(identMov32):
			copy(code.Data[off:off+n], identMov32)
			fillNops(code.Data[off+len(identMov32):off+n], family, n-len(identMov32))

		case s.OpKind == ParavirtOpIdentity64 && n >= len(identMov64):
			copy(code.Data[off:off+n], identMov64)
			fillNops(code.Data[off+len(identMov64):off+n], family, n-len(identMov64))

		case !haveTarget || s.OpKind == ParavirtOpIdentity32 || s.OpKind == ParavirtOpIdentity64:
			fillNops(code.Data[off:off+n], family, n)

		case s.OpKind == ParavirtOpJump && n >= 5:
			disp := int32(int64(target) - int64(s.InstrOffset) - 5)
			code.Data[off] = 0xe9
			binary.LittleEndian.PutUint32(code.Data[off+1:], uint32(disp))
			fillNops(code.Data[off+5:off+n], family, n-5)

		case n >= 5: // ParavirtOpCall
			disp := int32(int64(target) - int64(s.InstrOffset) - 5)
			code.Data[off] = 0xe8
			binary.LittleEndian.PutUint32(code.Data[off+1:], uint32(disp))
			fillNops(code.Data[off+5:off+n], family, n-5)

		default:
			fillNops(code.Data[off:off+n], family, n)
		}
	}
}

// ApplySMPLockPatches rewrites the lock-prefix byte at every .smp_locks
// entry (a 4-byte PC32-relative offset to the byte) to 0xF0 when SMP is
// enabled, or 0x3E otherwise — the kernel's documented unlock-on-UP
// transform. Returns the set of patched addresses, recorded so a later
// diff can recognize the alternate byte as benign.
func ApplySMPLockPatches(code *CodeImage, sec *Section, smpEnabled bool) []uint64 {
	var patched []uint64
	lockByte := byte(0x3e)
	if smpEnabled {
		lockByte = 0xf0
	}
	for off := 0; off+4 <= len(sec.Data); off += 4 {
		rel := int32(binary.LittleEndian.Uint32(sec.Data[off : off+4]))
		addr := uint64(int64(sec.Addr) + int64(off) + int64(rel))
		if dstOff, ok := code.offsetOf(addr); ok {
			code.Data[dstOff] = lockByte
			patched = append(patched, addr)
		}
	}
	return patched
}

// ApplyMcountPatches NOPs out the 5-byte call site at every __mcount_loc
// entry (an array of 8-byte absolute addresses on x86-64).
func ApplyMcountPatches(code *CodeImage, sec *Section, family NopFamily) []uint64 {
	var patched []uint64
	for off := 0; off+8 <= len(sec.Data); off += 8 {
		addr := binary.LittleEndian.Uint64(sec.Data[off : off+8])
		if dstOff, ok := code.offsetOf(addr); ok && dstOff+5 <= len(code.Data) {
			fillNops(code.Data[dstOff:dstOff+5], family, 5)
			patched = append(patched, addr)
		}
	}
	return patched
}

// ParseJumpEntries decodes __jump_table into JumpEntry records: a 12-byte
// record of three PC32-relative fields (code site, branch target, and the
// gating static_key), per the kernel's struct jump_entry.
func ParseJumpEntries(sec *Section) []JumpEntry {
	const recSize = 12
	var out []JumpEntry
	for off := 0; off+recSize <= len(sec.Data); off += recSize {
		rec := sec.Data[off : off+recSize]
		codeRel := int32(binary.LittleEndian.Uint32(rec[0:4]))
		targetRel := int32(binary.LittleEndian.Uint32(rec[4:8]))
		keyRel := int32(binary.LittleEndian.Uint32(rec[8:12]))

		base := sec.Addr + uint64(off)
		out = append(out, JumpEntry{
			CodeOffset:   uint64(int64(base) + int64(codeRel)),
			TargetOffset: uint64(int64(base+4) + int64(targetRel)),
			KeyAddr:      uint64(int64(base+8) + int64(keyRel)),
		})
	}
	return out
}

// ApplyJumpLabelPatches emits "E9 <rel32>" to the target when keyEnabled
// reports the gating key is on, or a five-byte ideal NOP otherwise,
// recording each outcome (Rel32 only for enabled entries) so a later
// live-page diff can treat a NOP at a recorded disabled site as "disabled
// jump label" rather than tampering.
func ApplyJumpLabelPatches(code *CodeImage, entries []JumpEntry, keyEnabled func(keyAddr uint64) (bool, error), family NopFamily) ([]JumpPatch, error) {
	var patches []JumpPatch
	for _, e := range entries {
		off, ok := code.offsetOf(e.CodeOffset)
		if !ok || off+5 > len(code.Data) {
			continue
		}
		enabled, err := keyEnabled(e.KeyAddr)
		if err != nil {
			return patches, fmt.Errorf("jump label key %#x: %w", e.KeyAddr, err)
		}
		if enabled {
			disp := int32(int64(e.TargetOffset) - int64(e.CodeOffset) - 5)
			code.Data[off] = 0xe9
			binary.LittleEndian.PutUint32(code.Data[off+1:], uint32(disp))
			patches = append(patches, JumpPatch{CodeOffset: e.CodeOffset, Enabled: true, Rel32: disp})
		} else {
			fillNops(code.Data[off:off+5], family, 5)
			patches = append(patches, JumpPatch{CodeOffset: e.CodeOffset, Enabled: false})
		}
	}
	return patches, nil
}
