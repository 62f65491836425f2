// Package symbols implements the typed kernel symbol graph (layer L2): the
// BaseType hierarchy, StructuredMember/Structured/Function/FuncPointer
// composite types, Variable declarations, and the SymbolFactory that feeds,
// deduplicates, and finalizes them from a TypeInfo stream.
package symbols

import "fmt"

// RealType tags every concrete kind a BaseType can be. It is a bitmask so
// that callers can test membership in a family (e.g. "any integer type")
// with a single AND, matching how the original project classified types.
type RealType uint32

const (
	RtVoid RealType = 1 << iota
	RtInt8
	RtUInt8
	RtBool8
	RtInt16
	RtUInt16
	RtBool16
	RtInt32
	RtUInt32
	RtBool32
	RtInt64
	RtUInt64
	RtBool64
	RtFloat
	RtDouble
	RtPointer
	RtArray
	RtEnum
	RtStruct
	RtUnion
	RtConst
	RtVolatile
	RtTypedef
	RtFunction
	RtFuncPointer
	RtVaList
)

// RtIntegral is the set of RealType tags representing any signed, unsigned,
// or boolean integer of any width.
const RtIntegral = RtInt8 | RtUInt8 | RtBool8 | RtInt16 | RtUInt16 | RtBool16 |
	RtInt32 | RtUInt32 | RtBool32 | RtInt64 | RtUInt64 | RtBool64

// RtNumeric additionally includes floating point types.
const RtNumeric = RtIntegral | RtFloat | RtDouble

// RtStructured is the set of RealType tags whose values are addressable
// aggregates with named members.
const RtStructured = RtStruct | RtUnion

func (rt RealType) String() string {
	switch rt {
	case RtVoid:
		return "void"
	case RtInt8:
		return "int8"
	case RtUInt8:
		return "uint8"
	case RtBool8:
		return "bool8"
	case RtInt16:
		return "int16"
	case RtUInt16:
		return "uint16"
	case RtBool16:
		return "bool16"
	case RtInt32:
		return "int32"
	case RtUInt32:
		return "uint32"
	case RtBool32:
		return "bool32"
	case RtInt64:
		return "int64"
	case RtUInt64:
		return "uint64"
	case RtBool64:
		return "bool64"
	case RtFloat:
		return "float"
	case RtDouble:
		return "double"
	case RtPointer:
		return "pointer"
	case RtArray:
		return "array"
	case RtEnum:
		return "enum"
	case RtStruct:
		return "struct"
	case RtUnion:
		return "union"
	case RtConst:
		return "const"
	case RtVolatile:
		return "volatile"
	case RtTypedef:
		return "typedef"
	case RtFunction:
		return "function"
	case RtFuncPointer:
		return "funcptr"
	case RtVaList:
		return "va_list"
	default:
		return fmt.Sprintf("RealType(%#x)", uint32(rt))
	}
}

// TypeID uniquely identifies a BaseType within one SymbolFactory's arena.
// IDs are assigned by the factory and are stable for the lifetime of the
// factory, but are not guaranteed to be stable across separate parses of
// the same source (content hashing, not ID, is the basis for equality).
type TypeID uint32

// VariableID uniquely identifies a Variable within one SymbolFactory.
type VariableID uint32

// BaseType is the common representation for every type node in the symbol
// graph, whether scalar, composite, or a type modifier (const/volatile/
// typedef/pointer). Composite-specific data lives in the embedded optional
// structs below, populated only for the RealType values that need them.
type BaseType struct {
	ID       TypeID
	RealType RealType
	Name     string // empty for anonymous types
	Size     uint64 // byte size; 0 for void and for incomplete types

	// RefTypeID is the type this one refers to: the pointee of a pointer,
	// the element type of an array, the underlying type of a
	// typedef/const/volatile, or the return type of a function. Zero
	// (InvalidTypeID) when not applicable (e.g. for a scalar or a struct).
	RefTypeID TypeID

	// ArrayLength is the element count for RtArray; zero for an
	// incomplete/flexible array member.
	ArrayLength uint64

	// Structured carries StructuredMember data; non-nil only when
	// RealType&RtStructured != 0.
	Structured *Structured

	// Function carries parameter/return data; non-nil only when
	// RealType == RtFunction or RtFuncPointer.
	Function *Function

	// Enumerators carries name→value pairs; non-nil only when
	// RealType == RtEnum.
	Enumerators []Enumerator

	// Alternatives holds candidate reinterpretations of this type selected
	// by guard-expression rules (see AlternativeSet in altrules.go).
	// Usually empty; populated only for types that the alternative-type
	// rule set targets (e.g. a generic "void *" that is known, under
	// certain field conditions, to really be a more specific struct
	// pointer).
	Alternatives *AlternativeSet
}

// InvalidTypeID is the zero value, reserved to mean "no type" (e.g. the
// return type of a void function, or an as-yet-unresolved forward
// reference during parsing).
const InvalidTypeID TypeID = 0

// Enumerator is one name/value pair of an RtEnum BaseType.
type Enumerator struct {
	Name  string
	Value int64
}

// StructuredMember is one field of a Structured (struct/union) type.
type StructuredMember struct {
	Name       string
	TypeID     TypeID
	ByteOffset uint64

	// BitSize and BitOffset describe bit-field members. For ordinary
	// members BitOffset is zero and BitSize is either zero (DWARF carries
	// no bit size for them) or the full size of TypeID in bits.
	BitSize   uint32
	BitOffset uint32
}

// Structured holds the member list of a struct or union BaseType. It does
// not record whether the layout changed across ingested symbol files.
type Structured struct {
	Members []StructuredMember
}

// MemberByName returns the member named name and true, or the zero value
// and false if no such member exists.
func (s *Structured) MemberByName(name string) (StructuredMember, bool) {
	for _, m := range s.Members {
		if m.Name == name {
			return m, true
		}
	}
	return StructuredMember{}, false
}

// FunctionParam is one parameter of a Function or FuncPointer BaseType.
type FunctionParam struct {
	Name   string // may be empty (unnamed parameter)
	TypeID TypeID
}

// Function holds the parameter list and variadic flag of an RtFunction or
// RtFuncPointer BaseType. The return type is carried on the owning
// BaseType's RefTypeID.
//
// PcLow/PcHigh bound the compiled instruction range of an RtFunction (a
// DW_TAG_subprogram with a concrete definition); both are 0 for an
// RtFuncPointer, which denotes a function *type* with no single
// instruction range of its own.
type Function struct {
	Params   []FunctionParam
	Variadic bool
	PcLow    uint64
	PcHigh   uint64
}

// Variable is a named, addressed declaration: a global kernel variable or
// a static symbol with file-scope linkage.
type Variable struct {
	ID      VariableID
	Name    string
	TypeID  TypeID
	Address uint64 // virtual address, 0 if unresolved
}

// TypeInfo is the producer-facing record shape fed into SymbolFactory.Feed.
// It is intentionally flatter than BaseType: the factory is responsible for
// resolving the RefProducerID references into TypeIDs, deduplicating
// structurally identical types, and tolerating the reference cycles that
// arise from self-referential kernel structures (e.g. "struct list_head").
//
// TypeInfo is the contract an upstream DWARF adapter (pkg/symbols/
// dwarfsource) or any other opaque producer must satisfy; SymbolFactory
// itself never parses DWARF.
type TypeInfo struct {
	// ProducerID is the producer's own identifier for this type (e.g. a
	// DWARF type-die offset). It is used only to resolve RefProducerID
	// fields within the same Feed batch and has no meaning after
	// Finalize.
	ProducerID uint64

	RealType      RealType
	Name          string
	Size          uint64
	RefProducerID uint64 // 0 if RealType has no referent
	ArrayLength   uint64

	Members     []TypeInfoMember
	Params      []TypeInfoParam
	Variadic    bool
	Enumerators []Enumerator

	// PcLow/PcHigh are populated only for RealType == RtFunction, mirroring
	// Function.PcLow/PcHigh.
	PcLow  uint64
	PcHigh uint64
}

// TypeInfoMember mirrors StructuredMember but refers to the member's type
// by ProducerID rather than by the not-yet-assigned TypeID.
type TypeInfoMember struct {
	Name          string
	RefProducerID uint64
	ByteOffset    uint64
	BitSize       uint32
	BitOffset     uint32
}

// TypeInfoParam mirrors FunctionParam but refers to the parameter's type by
// ProducerID.
type TypeInfoParam struct {
	Name          string
	RefProducerID uint64
}

// VariableInfo is the producer-facing record shape for a global/static
// declaration, analogous to TypeInfo for BaseType.
type VariableInfo struct {
	Name          string
	RefProducerID uint64
	Address       uint64
}
