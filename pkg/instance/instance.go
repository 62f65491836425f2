// Package instance implements layer L4: a lightweight, typed, addressable
// view over a live memory image — a (virtual address, TypeID) pair plus
// the navigation operations (member access, array indexing, pointer
// dereference, equality, diffing, string rendering, and type rebinding)
// that pkg/revmap's tree builder and the query API walk kernel objects
// through.
package instance

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

// DereferenceFlag controls which reference-like types Dereference follows
// in one call.
type DereferenceFlag uint8

const (
	// TrPointer follows one level of Pointer.
	TrPointer DereferenceFlag = 1 << iota
	// TrLexical follows Const/Volatile/Typedef (type modifiers that do
	// not change the underlying value's address or bit layout).
	TrLexical
	// TrAnyNonNull combines TrPointer|TrLexical and keeps following
	// reference types until a non-reference type, or a null pointer, is
	// reached.
	TrAnyNonNull = TrPointer | TrLexical
)

// ErrInvalidInstance is returned by operations attempted on an Instance
// whose Valid field is false (the result of dereferencing a null or
// untranslatable pointer).
var ErrInvalidInstance = errors.New("instance: operation attempted on an invalid instance")

// Instance is a typed pointer plus the navigation context (factory and
// memory) needed to resolve member/array/dereference operations against
// it. The zero value is not usable; construct with New.
type Instance struct {
	Address uint64
	TypeID  symbols.TypeID

	// BitSize/BitOffset are non-zero only when this Instance denotes a
	// bit-field member; zero means "the full natural width of TypeID".
	BitSize   uint32
	BitOffset uint32

	// Valid is false for the result of dereferencing a null or
	// untranslatable pointer. Every navigation method on an invalid
	// Instance returns another invalid Instance (or ErrInvalidInstance,
	// for methods that must return an error) rather than panicking, so
	// that a long member-chase expression fails at its end rather than
	// at the first dereference.
	Valid bool

	factory *symbols.SymbolFactory
	vm      *vmem.VirtualMemory
}

// New constructs the root Instance for a global variable or any other
// already-known (address, type) pair.
func New(factory *symbols.SymbolFactory, vm *vmem.VirtualMemory, addr uint64, typeID symbols.TypeID) Instance {
	return Instance{Address: addr, TypeID: typeID, Valid: true, factory: factory, vm: vm}
}

func invalid(factory *symbols.SymbolFactory, vm *vmem.VirtualMemory) Instance {
	return Instance{factory: factory, vm: vm}
}

// Type returns the BaseType this Instance is currently bound to.
func (in Instance) Type() (*symbols.BaseType, bool) {
	if in.factory == nil {
		return nil, false
	}
	return in.factory.Type(in.TypeID)
}

// Member looks up the named member (recursing into anonymous inner
// struct/union members per C promotion rules) and returns a new Instance
// at address+offset with the member's type. If the member carries
// alternative types and fields supplies enough sibling values to resolve
// an unambiguous match, the resolved type is used instead of the member's
// statically declared one; an ambiguous match falls back to the static
// type rather than failing the whole lookup, since alternative-type
// resolution is a refinement, not a correctness requirement.
//
// flags is evaluated the same way Dereference interprets it: when it
// includes TrPointer and the member's (possibly resolved) type is a
// Pointer, Member immediately follows it one level, so that a caller
// writing `parent.Member("next", nil, TrPointer)` gets the pointee rather than
// the pointer value.
func (in Instance) Member(name string, fields map[string]int64, flags DereferenceFlag) (Instance, error) {
	if !in.Valid {
		return invalid(in.factory, in.vm), ErrInvalidInstance
	}
	bt, ok := in.Type()
	if !ok {
		return invalid(in.factory, in.vm), fmt.Errorf("instance: unknown type id %d", in.TypeID)
	}
	if bt.RealType&symbols.RtStructured == 0 {
		return invalid(in.factory, in.vm), fmt.Errorf("instance: %s is not a struct/union, has no member %q", bt.RealType, name)
	}

	member, memberBase, ok := findMember(in.factory, bt, name)
	if !ok {
		return invalid(in.factory, in.vm), fmt.Errorf("instance: no member %q in %s", name, bt.Name)
	}

	childTypeID := member.TypeID
	if memberBase.Alternatives != nil {
		if resolved, err, matched := memberBase.Alternatives.Resolve(fields); matched && err == nil {
			childTypeID = resolved
		}
	}

	child := Instance{
		Address:   in.Address + member.ByteOffset,
		TypeID:    childTypeID,
		BitSize:   member.BitSize,
		BitOffset: member.BitOffset,
		Valid:     true,
		factory:   in.factory,
		vm:        in.vm,
	}

	if flags&TrPointer != 0 {
		if ct, ok := child.Type(); ok && ct.RealType == symbols.RtPointer {
			return child.Dereference(TrPointer)
		}
	}
	return child, nil
}

// findMember resolves name against bt's members, descending into any
// anonymous (Name == "") Structured member in turn, matching how C treats
// an anonymous nested struct/union's fields as if they were promoted into
// the enclosing type.
func findMember(f *symbols.SymbolFactory, bt *symbols.BaseType, name string) (symbols.StructuredMember, *symbols.BaseType, bool) {
	if bt.Structured == nil {
		return symbols.StructuredMember{}, nil, false
	}
	if m, ok := bt.Structured.MemberByName(name); ok {
		return m, bt, true
	}
	for _, m := range bt.Structured.Members {
		if m.Name != "" {
			continue
		}
		nested, ok := f.Type(m.TypeID)
		if !ok || nested.RealType&symbols.RtStructured == 0 {
			continue
		}
		if inner, innerBase, ok := findMember(f, nested, name); ok {
			inner.ByteOffset += m.ByteOffset
			return inner, innerBase, true
		}
	}
	return symbols.StructuredMember{}, nil, false
}

// ArrayElem advances to element i: for Array, address + i*element_size
// with the array's element type; for Pointer, dereferences and then
// offsets by i*element_size; for any other type, reinterprets by
// offsetting the raw address by i*size, matching C pointer arithmetic on
// an arbitrary typed pointer. Bounds are never checked against a
// declared array length.
func (in Instance) ArrayElem(i int64) (Instance, error) {
	if !in.Valid {
		return invalid(in.factory, in.vm), ErrInvalidInstance
	}
	bt, ok := in.Type()
	if !ok {
		return invalid(in.factory, in.vm), fmt.Errorf("instance: unknown type id %d", in.TypeID)
	}

	switch bt.RealType {
	case symbols.RtArray:
		elemType, ok := in.factory.Type(bt.RefTypeID)
		if !ok {
			return invalid(in.factory, in.vm), fmt.Errorf("instance: array element type %d not found", bt.RefTypeID)
		}
		return Instance{
			Address: in.Address + uint64(i)*elemType.Size,
			TypeID:  bt.RefTypeID, Valid: true, factory: in.factory, vm: in.vm,
		}, nil
	case symbols.RtPointer:
		target, err := in.Dereference(TrPointer)
		if err != nil || !target.Valid {
			return invalid(in.factory, in.vm), err
		}
		elemType, ok := in.factory.Type(bt.RefTypeID)
		elemSize := uint64(1)
		if ok {
			elemSize = elemType.Size
		}
		return Instance{
			Address: target.Address + uint64(i)*elemSize,
			TypeID:  bt.RefTypeID, Valid: true, factory: in.factory, vm: in.vm,
		}, nil
	default:
		return Instance{
			Address: in.Address + uint64(i)*bt.Size,
			TypeID:  in.TypeID, Valid: true, factory: in.factory, vm: in.vm,
		}, nil
	}
}

// Dereference follows reference-like types according to flags. TrPointer
// follows one level of Pointer; TrLexical follows Const/Volatile/Typedef;
// TrAnyNonNull (their combination) keeps following until a non-reference
// type, or a null pointer, is reached. Dereferencing a null or
// untranslatable pointer yields an invalid Instance, not an error — per
// spec.md's failure-mode contract, only a caller-requested memory read
// (ReadValue) surfaces an error for an inaccessible address.
func (in Instance) Dereference(flags DereferenceFlag) (Instance, error) {
	if !in.Valid {
		return invalid(in.factory, in.vm), ErrInvalidInstance
	}

	cur := in
	for {
		bt, ok := cur.Type()
		if !ok {
			return invalid(in.factory, in.vm), fmt.Errorf("instance: unknown type id %d", cur.TypeID)
		}

		switch {
		case bt.RealType == symbols.RtPointer && flags&TrPointer != 0:
			ptr, err := in.vm.ToPointer(cur.Address)
			if err != nil {
				return invalid(in.factory, in.vm), nil
			}
			if ptr == 0 {
				return invalid(in.factory, in.vm), nil
			}
			cur = Instance{Address: ptr, TypeID: bt.RefTypeID, Valid: true, factory: in.factory, vm: in.vm}
		case (bt.RealType == symbols.RtConst || bt.RealType == symbols.RtVolatile || bt.RealType == symbols.RtTypedef) && flags&TrLexical != 0:
			cur = Instance{Address: cur.Address, TypeID: bt.RefTypeID, Valid: true, factory: in.factory, vm: in.vm}
		default:
			return cur, nil
		}
		if flags != TrAnyNonNull {
			return cur, nil
		}
	}
}

// numericValue reads in's raw value into a float64, suitable for
// comparing any scalar numeric RealType uniformly. ok is false if
// in's type is not a recognised scalar.
func numericValue(in Instance) (value float64, ok bool, err error) {
	bt, typeOK := in.Type()
	if !typeOK {
		return 0, false, fmt.Errorf("instance: unknown type id %d", in.TypeID)
	}
	switch bt.RealType {
	case symbols.RtFloat:
		v, err := in.vm.ReadFloat32(in.Address)
		return float64(v), true, err
	case symbols.RtDouble:
		v, err := in.vm.ReadFloat64(in.Address)
		return v, true, err
	}
	if bt.RealType&symbols.RtIntegral == 0 {
		return 0, false, nil
	}
	size := bt.Size
	if in.BitSize != 0 {
		size = uint64(in.BitSize+7) / 8
	}
	signed := bt.RealType&(symbols.RtInt8|symbols.RtInt16|symbols.RtInt32|symbols.RtInt64) != 0
	switch size {
	case 1:
		if signed {
			v, err := in.vm.ReadInt8(in.Address)
			return float64(v), true, err
		}
		v, err := in.vm.ReadUint8(in.Address)
		return float64(v), true, err
	case 2:
		if signed {
			v, err := in.vm.ReadInt16(in.Address)
			return float64(v), true, err
		}
		v, err := in.vm.ReadUint16(in.Address)
		return float64(v), true, err
	case 4:
		if signed {
			v, err := in.vm.ReadInt32(in.Address)
			return float64(v), true, err
		}
		v, err := in.vm.ReadUint32(in.Address)
		return float64(v), true, err
	default:
		if signed {
			v, err := in.vm.ReadInt64(in.Address)
			return float64(v), true, err
		}
		v, err := in.vm.ReadUint64(in.Address)
		return float64(v), true, err
	}
}

// Equals reports type-aware value equality between in and other, per
// spec.md §4.4: numeric values compare bit patterns after sign/width
// normalization; enums compare by numeric value; FuncPointer and
// untyped (void*) Pointer compare raw addresses; a typed Pointer
// delegates to the referenced type by following one level on both sides;
// Array compares element-wise when the length is known; Struct/Union
// compares members recursively but treats nested Structured members as
// always-equal (shallow comparison) — use Differences with recursive=true
// to see into those.
func (in Instance) Equals(other Instance) (bool, error) {
	if !in.Valid || !other.Valid {
		return in.Valid == other.Valid, nil
	}
	bt, ok := in.Type()
	if !ok {
		return false, fmt.Errorf("instance: unknown type id %d", in.TypeID)
	}
	obt, ok := other.Type()
	if !ok {
		return false, fmt.Errorf("instance: unknown type id %d", other.TypeID)
	}
	if bt.RealType != obt.RealType {
		return false, nil
	}

	switch bt.RealType {
	case symbols.RtFuncPointer:
		a, err := in.vm.ToPointer(in.Address)
		if err != nil {
			return false, err
		}
		b, err := other.vm.ToPointer(other.Address)
		return a == b, err

	case symbols.RtPointer:
		if bt.RefTypeID == symbols.InvalidTypeID {
			a, err := in.vm.ToPointer(in.Address)
			if err != nil {
				return false, err
			}
			b, err := other.vm.ToPointer(other.Address)
			return a == b, err
		}
		da, err := in.Dereference(TrPointer)
		if err != nil {
			return false, err
		}
		db, err := other.Dereference(TrPointer)
		if err != nil {
			return false, err
		}
		return da.Equals(db)

	case symbols.RtEnum:
		a, err := numericOrZero(in)
		if err != nil {
			return false, err
		}
		b, err := numericOrZero(other)
		return a == b, err

	case symbols.RtArray:
		if bt.ArrayLength == 0 || bt.ArrayLength != obt.ArrayLength {
			return false, fmt.Errorf("instance: Equals on array of unknown or mismatched length")
		}
		for i := int64(0); i < int64(bt.ArrayLength); i++ {
			ea, err := in.ArrayElem(i)
			if err != nil {
				return false, err
			}
			eb, err := other.ArrayElem(i)
			if err != nil {
				return false, err
			}
			eq, err := ea.Equals(eb)
			if err != nil || !eq {
				return eq, err
			}
		}
		return true, nil

	case symbols.RtStruct, symbols.RtUnion:
		if bt.Structured == nil || obt.Structured == nil {
			return bt.Structured == obt.Structured, nil
		}
		for _, m := range bt.Structured.Members {
			om, ok := obt.Structured.MemberByName(m.Name)
			if !ok {
				return false, nil
			}
			mt, _ := in.factory.Type(m.TypeID)
			if mt != nil && mt.RealType&symbols.RtStructured != 0 {
				continue // shallow-equal: nested structs are not compared
			}
			ma := Instance{Address: in.Address + m.ByteOffset, TypeID: m.TypeID, BitSize: m.BitSize, BitOffset: m.BitOffset, Valid: true, factory: in.factory, vm: in.vm}
			mb := Instance{Address: other.Address + om.ByteOffset, TypeID: om.TypeID, BitSize: om.BitSize, BitOffset: om.BitOffset, Valid: true, factory: other.factory, vm: other.vm}
			eq, err := ma.Equals(mb)
			if err != nil || !eq {
				return eq, err
			}
		}
		return true, nil

	default:
		if bt.RealType&symbols.RtNumeric != 0 {
			a, err := numericOrZero(in)
			if err != nil {
				return false, err
			}
			b, err := numericOrZero(other)
			return a == b, err
		}
		return in.Address == other.Address, nil
	}
}

func numericOrZero(in Instance) (float64, error) {
	v, _, err := numericValue(in)
	return v, err
}

// Differences structurally compares in and other and returns the dot-
// joined member paths that differ. For a non-struct type, a single
// empty-string entry means the values themselves differ. When recursive
// is false, a differing nested struct/union member is reported as one
// path (the member's own name) without descending into its fields.
func (in Instance) Differences(other Instance, recursive bool) ([]string, error) {
	if !in.Valid || !other.Valid {
		if in.Valid != other.Valid {
			return []string{""}, nil
		}
		return nil, nil
	}
	bt, ok := in.Type()
	if !ok {
		return nil, fmt.Errorf("instance: unknown type id %d", in.TypeID)
	}

	if bt.RealType&symbols.RtStructured == 0 || bt.Structured == nil {
		eq, err := in.Equals(other)
		if err != nil {
			return nil, err
		}
		if eq {
			return nil, nil
		}
		return []string{""}, nil
	}

	obt, ok := other.Type()
	if !ok || obt.Structured == nil {
		return []string{""}, nil
	}

	var diffs []string
	for _, m := range bt.Structured.Members {
		om, ok := obt.Structured.MemberByName(m.Name)
		if !ok {
			diffs = append(diffs, m.Name)
			continue
		}
		ma := Instance{Address: in.Address + m.ByteOffset, TypeID: m.TypeID, BitSize: m.BitSize, BitOffset: m.BitOffset, Valid: true, factory: in.factory, vm: in.vm}
		mb := Instance{Address: other.Address + om.ByteOffset, TypeID: om.TypeID, BitSize: om.BitSize, BitOffset: om.BitOffset, Valid: true, factory: other.factory, vm: other.vm}

		mt, _ := in.factory.Type(m.TypeID)
		if recursive && mt != nil && mt.RealType&symbols.RtStructured != 0 {
			sub, err := ma.Differences(mb, true)
			if err != nil {
				return nil, err
			}
			for _, s := range sub {
				if s == "" {
					diffs = append(diffs, m.Name)
				} else {
					diffs = append(diffs, m.Name+"."+s)
				}
			}
			continue
		}

		eq, err := ma.Equals(mb)
		if err != nil {
			return nil, err
		}
		if !eq {
			diffs = append(diffs, m.Name)
		}
	}
	sort.Strings(diffs)
	return diffs, nil
}

// ChangeType rebinds in to a different TypeID while preserving its
// address, discarding any bit-field framing (the new type is assumed to
// describe the whole value at that address).
func (in Instance) ChangeType(typeID symbols.TypeID) Instance {
	return Instance{Address: in.Address, TypeID: typeID, Valid: in.Valid, factory: in.factory, vm: in.vm}
}

// WithAddress rebinds in to a different address while preserving its type
// and navigation context, for callers that compute a sibling address
// directly (e.g. a container_of()-style cast that walks back from an
// embedded member to its enclosing struct).
func (in Instance) WithAddress(addr uint64) Instance {
	return Instance{Address: addr, TypeID: in.TypeID, Valid: in.Valid, factory: in.factory, vm: in.vm}
}

const maxCStringLen = 4096

// ToString renders in by kind: numeric values in decimal with hex in
// parentheses; char* as a C string read through vmem; any other Pointer
// as a hex address; Struct/Union as a `{ member = ..., ... }` block
// spanning multiple lines; an Array of char as a quoted string; any other
// Array as a bracketed, comma-separated element list.
func (in Instance) ToString() (string, error) {
	if !in.Valid {
		return "<invalid>", nil
	}
	bt, ok := in.Type()
	if !ok {
		return "", fmt.Errorf("instance: unknown type id %d", in.TypeID)
	}

	switch bt.RealType {
	case symbols.RtFloat, symbols.RtDouble:
		v, err := numericOrZero(in)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%g", v), nil

	case symbols.RtEnum:
		v, err := numericOrZero(in)
		if err != nil {
			return "", err
		}
		for _, e := range bt.Enumerators {
			if e.Value == int64(v) {
				return fmt.Sprintf("%s (%d)", e.Name, e.Value), nil
			}
		}
		return fmt.Sprintf("%d", int64(v)), nil

	case symbols.RtPointer:
		ptr, err := in.vm.ToPointer(in.Address)
		if err != nil {
			return "", err
		}
		if isCharType(in.factory, bt.RefTypeID) {
			s, err := in.readCString(ptr)
			if err != nil {
				return fmt.Sprintf("%#x", ptr), nil
			}
			return fmt.Sprintf("%#x %q", ptr, s), nil
		}
		return fmt.Sprintf("%#x", ptr), nil

	case symbols.RtFuncPointer:
		ptr, err := in.vm.ToPointer(in.Address)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%#x", ptr), nil

	case symbols.RtArray:
		if isCharType(in.factory, bt.RefTypeID) {
			buf := make([]byte, bt.ArrayLength)
			if _, err := in.vm.ReadAt(in.Address, buf); err != nil {
				return "", err
			}
			if i := indexZero(buf); i >= 0 {
				buf = buf[:i]
			}
			return fmt.Sprintf("%q", buf), nil
		}
		var elems []string
		for i := int64(0); i < int64(bt.ArrayLength); i++ {
			e, err := in.ArrayElem(i)
			if err != nil {
				return "", err
			}
			s, err := e.ToString()
			if err != nil {
				return "", err
			}
			elems = append(elems, s)
		}
		return "[ " + strings.Join(elems, ", ") + " ]", nil

	case symbols.RtStruct, symbols.RtUnion:
		if bt.Structured == nil {
			return "{}", nil
		}
		var lines []string
		for _, m := range bt.Structured.Members {
			mi := Instance{Address: in.Address + m.ByteOffset, TypeID: m.TypeID, BitSize: m.BitSize, BitOffset: m.BitOffset, Valid: true, factory: in.factory, vm: in.vm}
			s, err := mi.ToString()
			if err != nil {
				s = fmt.Sprintf("<error: %v>", err)
			}
			lines = append(lines, fmt.Sprintf("  %s = %s", m.Name, s))
		}
		return "{\n" + strings.Join(lines, ",\n") + "\n}", nil

	default:
		if bt.RealType&symbols.RtIntegral != 0 {
			v, err := numericOrZero(in)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d (%#x)", int64(v), uint64(int64(v))), nil
		}
		return fmt.Sprintf("<%s>", bt.RealType), nil
	}
}

func isCharType(f *symbols.SymbolFactory, typeID symbols.TypeID) bool {
	bt, ok := f.Type(typeID)
	if !ok {
		return false
	}
	return (bt.RealType == symbols.RtInt8 || bt.RealType == symbols.RtUInt8) && bt.Name == "char"
}

func (in Instance) readCString(addr uint64) (string, error) {
	var buf []byte
	var chunk [64]byte
	for len(buf) < maxCStringLen {
		n, err := in.vm.ReadAt(addr+uint64(len(buf)), chunk[:])
		if n == 0 && err != nil {
			return "", err
		}
		if i := indexZero(chunk[:n]); i >= 0 {
			buf = append(buf, chunk[:i]...)
			return string(buf), nil
		}
		buf = append(buf, chunk[:n]...)
		if err != nil {
			return string(buf), nil
		}
	}
	return string(buf), nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// floatEqual is unused today but kept as the single normalization point
// should float comparisons need a tolerance in the future; equals
// currently compares the float64-promoted bit pattern exactly, matching
// spec.md's "compare bit patterns after sign/width normalization" for
// numeric types including floats.
func floatEqual(a, b float64) bool { return math.Float64bits(a) == math.Float64bits(b) }
