package pageverify

import "crypto/sha1"

// KernelPageSize and ModulePageSize are the code-page sizes used to hash
// reconstructed images: the kernel's own text lives in 2 MiB huge pages;
// loaded modules are hashed 4 KiB at a time.
const (
	KernelPageSize = 2 << 20
	ModulePageSize = 4 << 10
)

// HashCodeImage zero-pads code to a multiple of pageSize and SHA-1 hashes
// each page, tagging each digest with the address it covers. baseAddr is
// the address the image's first byte occupies (the .text section's
// sh_addr).
func HashCodeImage(code *CodeImage, baseAddr uint64, pageSize int) []PageHash {
	n := len(code.Data)
	pages := (n + pageSize - 1) / pageSize
	if pages == 0 {
		return nil
	}

	out := make([]PageHash, 0, pages)
	for i := 0; i < pages; i++ {
		start := i * pageSize
		end := start + pageSize

		page := make([]byte, pageSize)
		if start < n {
			hi := end
			if hi > n {
				hi = n
			}
			copy(page, code.Data[start:hi])
		}
		out = append(out, PageHash{
			Addr: baseAddr + uint64(start),
			Sum:  sha1.Sum(page),
		})
	}
	return out
}
