package pageverify

import (
	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

// CPUFeatureProbe builds a ReconstructOptions.CPUFeature callback that
// tests bits directly against the live dump's boot_cpu_data.x86_capability
// bitmap, the same raw-offset-read technique ClassifyPage uses rather than
// going through pkg/instance. Returns nil when the running symbol graph
// does not carry boot_cpu_data (e.g. a stripped/partial symbol set), so
// ReconstructModule skips alternative-instruction patching entirely
// instead of silently treating every feature bit as unset.
func CPUFeatureProbe(f *symbols.SymbolFactory, vm *vmem.VirtualMemory) func(bit uint16) bool {
	v, ok := f.LookupVariableByName("boot_cpu_data")
	if !ok {
		return nil
	}
	bt, ok := f.Type(v.TypeID)
	if !ok {
		return nil
	}
	capOffset, ok := fieldOffset(bt, "x86_capability")
	if !ok {
		return nil
	}
	base := v.Address + capOffset
	return func(bit uint16) bool {
		word, err := vm.ReadUint32(base + 4*uint64(bit/32))
		if err != nil {
			return false
		}
		return word&(1<<(bit%32)) != 0
	}
}

// ParavirtTargetProbe builds a ReconstructOptions.ParavirtTarget callback
// reading the live pv_ops function-pointer table: slot N's target is the
// Nth 8-byte word starting at pv_ops's address, mirroring how the kernel's
// own paravirt_patch_default indexes the same table. Returns nil when
// pv_ops is not present in the symbol graph (a kernel build with
// paravirt disabled at compile time carries no such table).
func ParavirtTargetProbe(f *symbols.SymbolFactory, vm *vmem.VirtualMemory) func(slot uint32) (uint64, bool) {
	v, ok := f.LookupVariableByName("pv_ops")
	if !ok {
		return nil
	}
	base := v.Address
	return func(slot uint32) (uint64, bool) {
		val, err := vm.ReadUint64(base + 8*uint64(slot))
		if err != nil {
			return 0, false
		}
		return val, true
	}
}

// JumpKeyEnabledProbe builds a ReconstructOptions.JumpKeyEnabled callback
// reading a jump_entry's key address directly: a struct static_key's
// "enabled" field is an atomic_t at offset zero, so no symbol-graph
// lookup is needed to resolve it, only the key address ParseJumpEntries
// already extracted from the __jump_table.
func JumpKeyEnabledProbe(vm *vmem.VirtualMemory) func(keyAddr uint64) (bool, error) {
	return func(keyAddr uint64) (bool, error) {
		v, err := vm.ReadInt32(keyAddr)
		if err != nil {
			return false, err
		}
		return v > 0, nil
	}
}
