// Package pageverify implements layer L6: reconstructing, from on-disk ELF
// object files, the exact byte image the kernel would hold in each
// executable page at runtime, so a hash of a live dump's page can be
// compared against the expected one.
//
// The per-module flow (ELF parse, relocation resolution, alternative-
// instruction/paravirt/smp-lock/mcount/jump-label patching, page hashing)
// is grounded on the kernel's own patching logic, which the teacher's
// internal/watcher/ebpf/loader_linux.go already demonstrates in miniature:
// that file hand-parses a different ELF object (a compiled BPF program)
// using stdlib debug/elf, walks its SHT_REL/SHT_RELA sections with
// encoding/binary, and patches LD_IMM64 instructions with resolved map
// file descriptors before loading. The structure here — parse sections,
// resolve symbols, walk relocation records, patch raw instruction bytes —
// follows that same shape, generalized to x86-64 kernel relocation types
// and several more patching passes.
//
// The per-dump flow (page classification, live hashing, benign-difference
// filtering) is grounded on original_source/trunk/libinsight/detect.cpp.
package pageverify
