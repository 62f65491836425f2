package pageverify

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

type fakeSystemMap map[string]uint64

func (m fakeSystemMap) Lookup(name string) (uint64, bool) { v, ok := m[name]; return v, ok }

func TestSymbolResolver_Cascade(t *testing.T) {
	sm := fakeSystemMap{"printk": 0xffffffff81000000}
	r := NewSymbolResolver(nil, map[string]uint64{"helper_cross": 0x2000}, map[string]uint64{"kfunc": 0x3000}, sm)

	if v, stage, ok := r.Resolve("helper_cross"); !ok || v != 0x2000 || stage != "cross-module" {
		t.Errorf("Resolve(helper_cross) = %#x,%s,%v", v, stage, ok)
	}
	if v, stage, ok := r.Resolve("kfunc"); !ok || v != 0x3000 || stage != "kernel-function" {
		t.Errorf("Resolve(kfunc) = %#x,%s,%v", v, stage, ok)
	}
	if v, stage, ok := r.Resolve("printk"); !ok || v != 0xffffffff81000000 || stage != "system.map" {
		t.Errorf("Resolve(printk) = %#x,%s,%v", v, stage, ok)
	}
	if _, _, ok := r.Resolve("nope"); ok {
		t.Error("Resolve(nope) unexpectedly succeeded")
	}
}

func TestApplyOne_Absolute64(t *testing.T) {
	buf := make([]byte, 8)
	if err := applyOne(buf, elfReloc{offset: 0, relType: elf.R_X86_64_64, addend: 4}, 0, 0x1000, 0); err != nil {
		t.Fatalf("applyOne: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 0x1004 {
		t.Errorf("R_X86_64_64 = %#x, want 0x1004", got)
	}
}

func TestApplyOne_32SOverflow(t *testing.T) {
	buf := make([]byte, 8)
	err := applyOne(buf, elfReloc{offset: 0, relType: elf.R_X86_64_32S, addend: 0}, 0, 0xffffffffff, 0)
	if err == nil {
		t.Fatal("expected overflow error for R_X86_64_32S")
	}
}

func TestApplyOne_PC32(t *testing.T) {
	buf := make([]byte, 8)
	// secAddr+offset (the PC) = 0x2000; symVal = 0x2010; expect disp = 0x10.
	if err := applyOne(buf, elfReloc{offset: 0, relType: elf.R_X86_64_PC32, addend: 0}, 0x2000, 0x2010, 0); err != nil {
		t.Fatalf("applyOne: %v", err)
	}
	if got := int32(binary.LittleEndian.Uint32(buf)); got != 0x10 {
		t.Errorf("R_X86_64_PC32 disp = %#x, want 0x10", got)
	}
}

func TestApplyOne_PC32_AltinstrSubtrahend(t *testing.T) {
	buf := make([]byte, 8)
	// altReplAddr overrides the PC used for the subtrahend.
	if err := applyOne(buf, elfReloc{offset: 0, relType: elf.R_X86_64_PC32, addend: 0}, 0x9999, 0x3010, 0x3000); err != nil {
		t.Fatalf("applyOne: %v", err)
	}
	if got := int32(binary.LittleEndian.Uint32(buf)); got != 0x10 {
		t.Errorf("R_X86_64_PC32 disp (altinstr) = %#x, want 0x10", got)
	}
}
