// Package dwarfsource adapts Go's standard library debug/dwarf and
// debug/elf packages into the symbols.TypeInfo/VariableInfo producer
// contract, so that a vmlinux (or any ELF image carrying DWARF debug
// info) can feed a symbols.SymbolFactory without that package needing to
// know anything about DWARF itself.
//
// A DWARF type-die offset (dwarf.Offset) is used directly as the
// ProducerID passed to SymbolFactory.Feed/FeedVariable; it is unique
// within one ELF image and stable for the duration of a single Load call,
// which is all the producer contract requires.
package dwarfsource

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"

	"github.com/insightvmi/insightd/pkg/symbols"
)

// Source reads DWARF type and variable information from an ELF file and
// feeds it into a symbols.SymbolFactory.
type Source struct {
	elfFile *elf.File
	dwData  *dwarf.Data
}

// Open opens path as an ELF file and loads its DWARF data. The caller must
// call Close when done.
func Open(path string) (*Source, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dwarfsource: open %s: %w", path, err)
	}
	d, err := f.DWARF()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dwarfsource: %s carries no DWARF data: %w", path, err)
	}
	return &Source{elfFile: f, dwData: d}, nil
}

// Close releases the underlying ELF file handle.
func (s *Source) Close() error { return s.elfFile.Close() }

// Load walks every compile unit's DWARF entries and feeds the discovered
// types and variables into f. It does not call f.Finalize; the caller
// decides when all sources (potentially more than one, for a split
// debug-info kernel+modules build) have been fed.
func (s *Source) Load(f *symbols.SymbolFactory) error {
	reader := s.dwData.Reader()
	var errs []error

	for {
		entry, err := reader.Next()
		if err != nil {
			return fmt.Errorf("dwarfsource: reading DWARF entries: %w", err)
		}
		if entry == nil {
			break
		}

		switch entry.Tag {
		case dwarf.TagBaseType:
			if err := feedBaseType(f, entry); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagPointerType:
			if err := feedRefType(f, entry, symbols.RtPointer); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagConstType:
			if err := feedRefType(f, entry, symbols.RtConst); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagVolatileType:
			if err := feedRefType(f, entry, symbols.RtVolatile); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagTypedef:
			if err := feedRefType(f, entry, symbols.RtTypedef); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagArrayType:
			if err := feedArrayType(f, s.dwData, reader, entry); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagEnumerationType:
			if err := feedEnumType(f, s.dwData, reader, entry); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagStructType, dwarf.TagUnionType:
			if err := feedStructType(f, s.dwData, reader, entry); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagSubroutineType:
			if err := feedSubroutineType(f, s.dwData, reader, entry); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagSubprogram:
			if err := feedSubprogram(f, s.dwData, reader, entry); err != nil {
				errs = append(errs, err)
			}
		case dwarf.TagVariable:
			if err := feedVariable(f, entry); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		msg := fmt.Sprintf("dwarfsource: %d entries skipped:", len(errs))
		for _, e := range errs {
			msg += "\n  - " + e.Error()
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func producerID(off dwarf.Offset) uint64 { return uint64(off) }

func typeRefProducerID(entry *dwarf.Entry) uint64 {
	off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return 0
	}
	return producerID(off)
}

func attrString(entry *dwarf.Entry, attr dwarf.Attr) string {
	s, _ := entry.Val(attr).(string)
	return s
}

func attrUint64(entry *dwarf.Entry, attr dwarf.Attr) uint64 {
	switch v := entry.Val(attr).(type) {
	case int64:
		return uint64(v)
	case uint64:
		return v
	default:
		return 0
	}
}

func baseTypeRealType(entry *dwarf.Entry, size uint64) symbols.RealType {
	enc, _ := entry.Val(dwarf.AttrEncoding).(int64)
	switch enc {
	case 2: // DW_ATE_boolean
		switch size {
		case 1:
			return symbols.RtBool8
		case 2:
			return symbols.RtBool16
		default:
			return symbols.RtBool32
		}
	case 4: // DW_ATE_float
		if size == 4 {
			return symbols.RtFloat
		}
		return symbols.RtDouble
	case 5: // DW_ATE_signed
		switch size {
		case 1:
			return symbols.RtInt8
		case 2:
			return symbols.RtInt16
		case 4:
			return symbols.RtInt32
		default:
			return symbols.RtInt64
		}
	case 7, 8: // DW_ATE_unsigned, DW_ATE_unsigned_char
		switch size {
		case 1:
			return symbols.RtUInt8
		case 2:
			return symbols.RtUInt16
		case 4:
			return symbols.RtUInt32
		default:
			return symbols.RtUInt64
		}
	case 6: // DW_ATE_signed_char
		return symbols.RtInt8
	default:
		if size == 0 {
			return symbols.RtVoid
		}
		return symbols.RtInt32
	}
}

func feedBaseType(f *symbols.SymbolFactory, entry *dwarf.Entry) error {
	size := attrUint64(entry, dwarf.AttrByteSize)
	return f.Feed(symbols.TypeInfo{
		ProducerID: producerID(entry.Offset),
		RealType:   baseTypeRealType(entry, size),
		Name:       attrString(entry, dwarf.AttrName),
		Size:       size,
	})
}

// isVaListName reports whether name is how gcc/clang spell the builtin
// variadic-argument cursor type in DWARF: a DW_TAG_typedef named
// "__builtin_va_list" (the typedef a translation unit actually sees for
// "va_list") or the "va_list" alias itself, wrapping an array-of-struct
// or struct type that is otherwise indistinguishable from any other
// typedef.
func isVaListName(name string) bool {
	return name == "__builtin_va_list" || name == "va_list"
}

func feedRefType(f *symbols.SymbolFactory, entry *dwarf.Entry, rt symbols.RealType) error {
	size := attrUint64(entry, dwarf.AttrByteSize)
	if rt == symbols.RtPointer && size == 0 {
		size = 8 // common case: unspecified byte_size defaults to native word size
	}
	name := attrString(entry, dwarf.AttrName)
	if rt == symbols.RtTypedef && isVaListName(name) {
		rt = symbols.RtVaList
	}
	return f.Feed(symbols.TypeInfo{
		ProducerID:    producerID(entry.Offset),
		RealType:      rt,
		Name:          name,
		Size:          size,
		RefProducerID: typeRefProducerID(entry),
	})
}

func feedArrayType(f *symbols.SymbolFactory, data *dwarf.Data, reader *dwarf.Reader, entry *dwarf.Entry) error {
	var length uint64
	for {
		child, err := reader.Next()
		if err != nil {
			return err
		}
		if child == nil || child.Tag == 0 {
			break
		}
		if child.Tag == dwarf.TagSubrangeType {
			if count, ok := child.Val(dwarf.AttrCount).(int64); ok {
				length = uint64(count)
			} else if upper, ok := child.Val(dwarf.AttrUpperBound).(int64); ok {
				length = uint64(upper + 1)
			}
		}
		if !child.Children {
			continue
		}
		skipChildren(reader)
	}
	return f.Feed(symbols.TypeInfo{
		ProducerID:    producerID(entry.Offset),
		RealType:      symbols.RtArray,
		RefProducerID: typeRefProducerID(entry),
		ArrayLength:   length,
	})
}

func feedEnumType(f *symbols.SymbolFactory, data *dwarf.Data, reader *dwarf.Reader, entry *dwarf.Entry) error {
	var enumerators []symbols.Enumerator
	for {
		child, err := reader.Next()
		if err != nil {
			return err
		}
		if child == nil || child.Tag == 0 {
			break
		}
		if child.Tag == dwarf.TagEnumerator {
			enumerators = append(enumerators, symbols.Enumerator{
				Name:  attrString(child, dwarf.AttrName),
				Value: int64(attrUint64(child, dwarf.AttrConstValue)),
			})
		}
		if child.Children {
			skipChildren(reader)
		}
	}
	return f.Feed(symbols.TypeInfo{
		ProducerID:  producerID(entry.Offset),
		RealType:    symbols.RtEnum,
		Name:        attrString(entry, dwarf.AttrName),
		Size:        attrUint64(entry, dwarf.AttrByteSize),
		Enumerators: enumerators,
	})
}

func feedStructType(f *symbols.SymbolFactory, data *dwarf.Data, reader *dwarf.Reader, entry *dwarf.Entry) error {
	rt := symbols.RtStruct
	if entry.Tag == dwarf.TagUnionType {
		rt = symbols.RtUnion
	}

	var members []symbols.TypeInfoMember
	for {
		child, err := reader.Next()
		if err != nil {
			return err
		}
		if child == nil || child.Tag == 0 {
			break
		}
		if child.Tag == dwarf.TagMember {
			byteOff := attrUint64(child, dwarf.AttrDataMemberLoc)
			bitSize := uint32(attrUint64(child, dwarf.AttrBitSize))
			bitOff := uint32(attrUint64(child, dwarf.AttrDataBitOffset))
			members = append(members, symbols.TypeInfoMember{
				Name:          attrString(child, dwarf.AttrName),
				RefProducerID: typeRefProducerID(child),
				ByteOffset:    byteOff,
				BitSize:       bitSize,
				BitOffset:     bitOff,
			})
		}
		if child.Children {
			skipChildren(reader)
		}
	}

	return f.Feed(symbols.TypeInfo{
		ProducerID: producerID(entry.Offset),
		RealType:   rt,
		Name:       attrString(entry, dwarf.AttrName),
		Size:       attrUint64(entry, dwarf.AttrByteSize),
		Members:    members,
	})
}

// collectParams consumes entry's DW_TAG_formal_parameter and
// DW_TAG_unspecified_parameters children, as shared by TagSubroutineType
// (a function type, e.g. a function pointer's pointee) and TagSubprogram
// (a concrete function definition).
func collectParams(reader *dwarf.Reader) ([]symbols.TypeInfoParam, bool, error) {
	var params []symbols.TypeInfoParam
	variadic := false
	for {
		child, err := reader.Next()
		if err != nil {
			return nil, false, err
		}
		if child == nil || child.Tag == 0 {
			break
		}
		switch child.Tag {
		case dwarf.TagFormalParameter:
			params = append(params, symbols.TypeInfoParam{
				Name:          attrString(child, dwarf.AttrName),
				RefProducerID: typeRefProducerID(child),
			})
		case dwarf.TagUnspecifiedParameters:
			variadic = true
		}
		if child.Children {
			skipChildren(reader)
		}
	}
	return params, variadic, nil
}

func feedSubroutineType(f *symbols.SymbolFactory, data *dwarf.Data, reader *dwarf.Reader, entry *dwarf.Entry) error {
	params, variadic, err := collectParams(reader)
	if err != nil {
		return err
	}
	return f.Feed(symbols.TypeInfo{
		ProducerID:    producerID(entry.Offset),
		RealType:      symbols.RtFuncPointer,
		RefProducerID: typeRefProducerID(entry),
		Params:        params,
		Variadic:      variadic,
	})
}

// feedSubprogram handles DW_TAG_subprogram, the concrete definition of a
// function (as opposed to TagSubroutineType, which describes only a
// function's type, e.g. the pointee of a function pointer). Only
// subprograms with a low_pc are fed: a subprogram entry with no low_pc is
// a declaration or prototype with no compiled body, carrying no PcLow/
// PcHigh range worth recording.
func feedSubprogram(f *symbols.SymbolFactory, data *dwarf.Data, reader *dwarf.Reader, entry *dwarf.Entry) error {
	params, variadic, err := collectParams(reader)
	if err != nil {
		return err
	}

	lowpc, ok := entry.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return nil
	}
	highpc := lowpc
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		highpc = v
	case int64:
		// DWARF4+ may encode high_pc as a constant offset from low_pc
		// rather than an absolute address.
		highpc = lowpc + uint64(v)
	}

	return f.Feed(symbols.TypeInfo{
		ProducerID:    producerID(entry.Offset),
		RealType:      symbols.RtFunction,
		RefProducerID: typeRefProducerID(entry),
		Params:        params,
		Variadic:      variadic,
		PcLow:         lowpc,
		PcHigh:        highpc,
	})
}

func feedVariable(f *symbols.SymbolFactory, entry *dwarf.Entry) error {
	name := attrString(entry, dwarf.AttrName)
	if name == "" {
		return nil
	}
	var addr uint64
	if loc, ok := entry.Val(dwarf.AttrLocation).([]byte); ok {
		addr = decodeAddrExpr(loc)
	}
	return f.FeedVariable(symbols.VariableInfo{
		Name:          name,
		RefProducerID: typeRefProducerID(entry),
		Address:       addr,
	})
}

// decodeAddrExpr extracts a fixed address from the common case of a
// DW_OP_addr-only location expression (opcode 0x03 followed by an 8-byte
// little-endian address), which is how every global kernel variable's
// location is encoded. Any more elaborate expression (register-relative,
// piece composition) yields 0, which FeedVariable's caller records as
// "unresolved" for pkg/vmem to skip.
func decodeAddrExpr(expr []byte) uint64 {
	const opAddr = 0x03
	if len(expr) < 9 || expr[0] != opAddr {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(expr[1+i]) << (8 * i)
	}
	return v
}

// skipChildren discards the remaining children of the entry reader just
// returned into, without recursing into a nested type definition a second
// time (each DWARF tag type is responsible for consuming its own direct
// children above; this only handles incidental child tags this adapter
// does not model, e.g. DW_TAG_lexical_block inside a subroutine type).
func skipChildren(reader *dwarf.Reader) {
	depth := 1
	for depth > 0 {
		child, err := reader.Next()
		if err != nil || child == nil {
			return
		}
		if child.Tag == 0 {
			depth--
			continue
		}
		if child.Children {
			depth++
		}
	}
}
