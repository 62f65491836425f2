package dwarfsource

import (
	"debug/dwarf"
	"testing"

	"github.com/insightvmi/insightd/pkg/symbols"
)

func TestDecodeAddrExpr(t *testing.T) {
	// DW_OP_addr 0xffffffff81001000, little-endian.
	expr := []byte{0x03, 0x00, 0x10, 0x00, 0x81, 0xff, 0xff, 0xff, 0xff}
	if got := decodeAddrExpr(expr); got != 0xffffffff81001000 {
		t.Errorf("decodeAddrExpr = %#x", got)
	}
}

func TestDecodeAddrExpr_UnsupportedExpression(t *testing.T) {
	// DW_OP_fbreg (0x91) is not the simple absolute-address case.
	expr := []byte{0x91, 0x08}
	if got := decodeAddrExpr(expr); got != 0 {
		t.Errorf("decodeAddrExpr = %#x, want 0 for unsupported expression", got)
	}
}

func TestBaseTypeRealType(t *testing.T) {
	cases := []struct {
		enc  int64
		size uint64
		want symbols.RealType
	}{
		{5, 4, symbols.RtInt32},
		{5, 8, symbols.RtInt64},
		{7, 1, symbols.RtUInt8},
		{7, 4, symbols.RtUInt32},
		{4, 4, symbols.RtFloat},
		{4, 8, symbols.RtDouble},
		{2, 1, symbols.RtBool8},
	}
	for _, c := range cases {
		entry := &dwarf.Entry{
			Field: []dwarf.Field{{Attr: dwarf.AttrEncoding, Val: c.enc}},
		}
		if got := baseTypeRealType(entry, c.size); got != c.want {
			t.Errorf("baseTypeRealType(enc=%d, size=%d) = %v, want %v", c.enc, c.size, got, c.want)
		}
	}
}

func TestAttrHelpers(t *testing.T) {
	entry := &dwarf.Entry{
		Field: []dwarf.Field{
			{Attr: dwarf.AttrName, Val: "task_struct"},
			{Attr: dwarf.AttrByteSize, Val: int64(1024)},
		},
	}
	if got := attrString(entry, dwarf.AttrName); got != "task_struct" {
		t.Errorf("attrString = %q", got)
	}
	if got := attrUint64(entry, dwarf.AttrByteSize); got != 1024 {
		t.Errorf("attrUint64 = %d", got)
	}
	if got := attrUint64(entry, dwarf.AttrDeclLine); got != 0 {
		t.Errorf("attrUint64 for missing attr = %d, want 0", got)
	}
}
