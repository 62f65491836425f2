package revmap

import (
	"sync"

	"github.com/insightvmi/insightd/pkg/vmem"
)

// DiffRun is one contiguous run of differing bytes between two memory
// images, in virtual-address space.
type DiffRun struct {
	Start uint64
	End   uint64 // exclusive
}

// MemoryDiffTree holds the run-length-encoded diff regions produced by
// DiffWith, in increasing address order, so a GUI can overlay change
// regions without re-scanning the underlying images.
type MemoryDiffTree struct {
	mu   sync.Mutex
	runs []DiffRun
}

func newMemoryDiffTree() *MemoryDiffTree { return &MemoryDiffTree{} }

// merge appends [start, end) to the tree, coalescing it into the
// previous run when they touch or overlap. Safe to call only with
// non-decreasing start addresses, which a single forward page scan
// naturally provides.
func (t *MemoryDiffTree) merge(start, end uint64) {
	if start >= end {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.runs); n > 0 && t.runs[n-1].End >= start {
		if end > t.runs[n-1].End {
			t.runs[n-1].End = end
		}
		return
	}
	t.runs = append(t.runs, DiffRun{Start: start, End: end})
}

// Runs returns the merged diff runs in increasing address order.
func (t *MemoryDiffTree) Runs() []DiffRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DiffRun, len(t.runs))
	copy(out, t.runs)
	return out
}

// DiffWith performs a page-by-page byte comparison of mm's address
// space against other's, over the virtual range [start, end), and
// returns the differences as run-length-encoded regions. A page that is
// unmapped in either image is skipped rather than treated as all-zero,
// since an unmapped page carries no comparable content.
func (mm *MemoryMap) DiffWith(other *vmem.VirtualMemory, start, end uint64) *MemoryDiffTree {
	out := newMemoryDiffTree()

	pageStart := start - start%vmem.PageSize
	bufA := make([]byte, vmem.PageSize)
	bufB := make([]byte, vmem.PageSize)

	for addr := pageStart; addr < end; addr += vmem.PageSize {
		na, errA := mm.vm.ReadAt(addr, bufA)
		nb, errB := other.ReadAt(addr, bufB)
		if errA != nil || errB != nil {
			continue
		}
		n := na
		if nb < n {
			n = nb
		}

		runStart := -1
		for i := 0; i < n; i++ {
			if bufA[i] != bufB[i] {
				if runStart < 0 {
					runStart = i
				}
				continue
			}
			if runStart >= 0 {
				out.merge(addr+uint64(runStart), addr+uint64(i))
				runStart = -1
			}
		}
		if runStart >= 0 {
			out.merge(addr+uint64(runStart), addr+uint64(n))
		}
	}
	return out
}
