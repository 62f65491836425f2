package pageverify

import "testing"

func TestComparePage_AtomicNopSwapIsBenign(t *testing.T) {
	live := []byte{0x0f, 0x1f, 0x00, 0x01, 0x02}
	recon := []byte{0x90, 0x90, 0x90, 0x01, 0x02}
	got := ComparePage(live, recon, 0x1000, CompareContext{TextLen: 0x2000})
	if len(got) != 0 {
		t.Errorf("ComparePage = %+v, want no mismatches (atomic-NOP swap)", got)
	}
}

func TestComparePage_TwoByteNopSwapIsBenign(t *testing.T) {
	live := []byte{0x66, 0x90, 0x01}
	recon := []byte{0x90, 0x90, 0x01}
	got := ComparePage(live, recon, 0x1000, CompareContext{TextLen: 0x2000})
	if len(got) != 0 {
		t.Errorf("ComparePage = %+v, want no mismatches (66 90 <-> 90 90)", got)
	}
}

func TestComparePage_SMPLockSwapIsBenign(t *testing.T) {
	live := []byte{0xf0, 0x01}
	recon := []byte{0x3e, 0x01}
	ctx := CompareContext{SMPLockAddrs: []uint64{0x1000}, TextLen: 0x2000}
	got := ComparePage(live, recon, 0x1000, ctx)
	if len(got) != 0 {
		t.Errorf("ComparePage = %+v, want no mismatches (SMP-lock byte swap)", got)
	}
}

func TestComparePage_DisabledJumpLabelIsBenign(t *testing.T) {
	live := []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0xaa}
	recon := []byte{0xe9, 0x10, 0x00, 0x00, 0x00, 0xaa}
	ctx := CompareContext{JumpPatches: []JumpPatch{{CodeOffset: 0x1000, Enabled: false}}, TextLen: 0x2000}
	got := ComparePage(live, recon, 0x1000, ctx)
	if len(got) != 0 {
		t.Errorf("ComparePage = %+v, want no mismatches (disabled jump label)", got)
	}
}

func TestComparePage_TailBeyondTextLenIsBenign(t *testing.T) {
	live := []byte{0x01, 0x02, 0xff, 0xff}
	recon := []byte{0x01, 0x02, 0x00, 0x00}
	got := ComparePage(live, recon, 0x1000, CompareContext{TextLen: 0x1002})
	if len(got) != 0 {
		t.Errorf("ComparePage = %+v, want no mismatches (past .text's initialized length)", got)
	}
}

func TestComparePage_RealMismatchSurvives(t *testing.T) {
	live := []byte{0x01, 0x02, 0x03}
	recon := []byte{0x01, 0xAB, 0x03}
	got := ComparePage(live, recon, 0x1000, CompareContext{TextLen: 0x2000})
	if len(got) != 1 {
		t.Fatalf("ComparePage = %+v, want exactly one surviving mismatch", got)
	}
	if got[0].Offset != 1 || got[0].New != 0x02 || got[0].Old != 0xAB {
		t.Errorf("mismatch = %+v, want offset=1 old=0xAB new=0x02", got[0])
	}
}
