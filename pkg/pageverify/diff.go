package pageverify

import "bytes"

// isIdealNopOfLen reports whether b (length n) matches the ideal NOP for
// n bytes in either CPU family's table, used to recognize an "atomic-NOP
// swap" — the live kernel and our reconstruction choosing a different
// (but equally valid) ideal NOP encoding of the same length.
func isIdealNopOfLen(b []byte) bool {
	n := len(b)
	for _, table := range idealNops {
		if n < len(table) && bytes.Equal(table[n], b) {
			return true
		}
	}
	return false
}

// isTwoByteNopSwap recognizes the "66 90 <-> 90 90" benign variant: a
// two-byte 0x66 0x90 NOP on one side against two single-byte 0x90 NOPs on
// the other, differing only in the first byte.
func isTwoByteNopSwap(live, recon []byte) bool {
	if len(live) < 2 || len(recon) < 2 {
		return false
	}
	oneIs66 := func(a []byte) bool { return a[0] == 0x66 && a[1] == 0x90 }
	oneIs90 := func(a []byte) bool { return a[0] == 0x90 && a[1] == 0x90 }
	return (oneIs66(live) && oneIs90(recon)) || (oneIs90(live) && oneIs66(recon))
}

// CompareContext carries the recorded-patch bookkeeping a live-page diff
// needs to recognize benign differences, per the per-dump flow's filter
// list (d): SMP-lock byte swaps, (c) disabled jump labels, (e) the tail
// of the last code page beyond the initialized length of .text.
type CompareContext struct {
	SMPLockAddrs []uint64
	JumpPatches  []JumpPatch
	TextLen      int // address one past the initialized .text + exec sections (base plus unpadded length); 0 disables (e)
	NopFamily    NopFamily
}

func (c CompareContext) isSMPLockAddr(addr uint64) bool {
	for _, a := range c.SMPLockAddrs {
		if a == addr {
			return true
		}
	}
	return false
}

// matchingDisabledJumpLabel reports whether a 5-byte NOP at addr matches a
// recorded disabled jump-label patch site.
func (c CompareContext) matchingDisabledJumpLabel(addr uint64) bool {
	for _, p := range c.JumpPatches {
		if !p.Enabled && p.CodeOffset == addr {
			return true
		}
	}
	return false
}

// ComparePage byte-diffs a live page against its reconstruction (both the
// same length, addressed starting at pageAddr) and returns the mismatches
// that survive the benign-difference filter: atomic-NOP swaps, two-byte
// NOP swaps, disabled jump labels, SMP-lock byte swaps, and the tail of
// the last code page beyond the initialized length of .text.
func ComparePage(live, recon []byte, pageAddr uint64, ctx CompareContext) []Mismatch {
	var out []Mismatch
	n := len(live)
	if len(recon) < n {
		n = len(recon)
	}

	for i := 0; i < n; i++ {
		if live[i] == recon[i] {
			continue
		}
		addr := pageAddr + uint64(i)

		// (e) tail beyond .text's initialized length is expected to be
		// zero-padding on our side and arbitrary slack on the live side.
		if addr >= pageAddr && int(addr) >= ctx.TextLen && ctx.TextLen > 0 {
			continue
		}

		// (d) a recorded SMP-lock byte, allowed to be either 0xF0 or 0x3E.
		if ctx.isSMPLockAddr(addr) &&
			(live[i] == 0xf0 || live[i] == 0x3e) && (recon[i] == 0xf0 || recon[i] == 0x3e) {
			continue
		}

		// (c) a disabled jump label: the 5 bytes at a recorded disabled
		// site pass when either side holds a 5-byte NOP; a live "E9 rel32"
		// there is not compared against any recorded displacement.
		if ctx.matchingDisabledJumpLabel(addr) && i+5 <= n {
			if isNopRun(live[i:i+5]) || isNopRun(recon[i:i+5]) {
				i += 4
				continue
			}
		}

		// (b) 66 90 <-> 90 90 two-byte NOP swap.
		if i+2 <= n && isTwoByteNopSwap(live[i:i+2], recon[i:i+2]) {
			i++
			continue
		}

		// (a) atomic-NOP swap: find the longest run starting at i where
		// both sides are some ideal NOP of the same length.
		if runLen := matchingIdealNopRun(live[i:], recon[i:]); runLen > 0 {
			i += runLen - 1
			continue
		}

		ctxStart := i - 15
		if ctxStart < 0 {
			ctxStart = 0
		}
		ctxEnd := i + 15
		if ctxEnd > n {
			ctxEnd = n
		}
		out = append(out, Mismatch{
			Addr: pageAddr, Offset: i, Old: recon[i], New: live[i],
			Context: append([]byte(nil), live[ctxStart:ctxEnd]...),
		})
	}
	return out
}

// isNopRun reports whether b is an ideal NOP of its length or a run of
// single-byte 0x90 NOPs; the benign-difference filters accept either as a
// NOP of len(b) bytes.
func isNopRun(b []byte) bool {
	if isIdealNopOfLen(b) {
		return true
	}
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c != 0x90 {
			return false
		}
	}
	return true
}

// matchingIdealNopRun returns the length of the longest NOP encoding
// (1-9 bytes) for which both live and recon independently hold a NOP of
// that same length (an ideal table entry or a run of 0x90 bytes), or 0 if
// none does.
func matchingIdealNopRun(live, recon []byte) int {
	maxLen := 9
	if len(live) < maxLen {
		maxLen = len(live)
	}
	if len(recon) < maxLen {
		maxLen = len(recon)
	}
	best := 0
	for l := 1; l <= maxLen; l++ {
		if isNopRun(live[:l]) && isNopRun(recon[:l]) {
			best = l
		}
	}
	return best
}
