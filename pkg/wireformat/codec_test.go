package wireformat_test

import (
	"bytes"
	"testing"

	"github.com/insightvmi/insightd/pkg/wireformat"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	w, err := wireformat.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.WriteUint8(7)
	w.WriteUint32(123456)
	w.WriteUint64(0xdeadbeefcafef00d)
	w.WriteInt64(-42)
	w.WriteBool(true)
	w.WriteString("struct task_struct")
	w.WriteUint32Slice([]uint32{1, 2, 3, 4})
	if err := w.Err(); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r, err := wireformat.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Header.Major != wireformat.CurrentMajorVersion {
		t.Errorf("Header.Major = %d, want %d", r.Header.Major, wireformat.CurrentMajorVersion)
	}

	if got := r.ReadUint8(); got != 7 {
		t.Errorf("ReadUint8() = %d, want 7", got)
	}
	if got := r.ReadUint32(); got != 123456 {
		t.Errorf("ReadUint32() = %d, want 123456", got)
	}
	if got := r.ReadUint64(); got != 0xdeadbeefcafef00d {
		t.Errorf("ReadUint64() = %#x", got)
	}
	if got := r.ReadInt64(); got != -42 {
		t.Errorf("ReadInt64() = %d, want -42", got)
	}
	if got := r.ReadBool(); !got {
		t.Error("ReadBool() = false, want true")
	}
	if got := r.ReadString(); got != "struct task_struct" {
		t.Errorf("ReadString() = %q", got)
	}
	if got := r.ReadUint32Slice(); !equalSlices(got, []uint32{1, 2, 3, 4}) {
		t.Errorf("ReadUint32Slice() = %v", got)
	}
	if err := r.Err(); err != nil {
		t.Errorf("unexpected reader error: %v", err)
	}
}

func TestNewReader_BadMagic(t *testing.T) {
	_, err := wireformat.NewReader(bytes.NewReader([]byte{0, 1, 2, 3, 4, 5, 6, 7}))
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestNewReader_MajorVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	w, err := wireformat.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Corrupt the major version byte (offset 4, little-endian low byte).
	raw := buf.Bytes()
	raw[4] = byte(wireformat.CurrentMajorVersion + 1)

	_, err = wireformat.NewReader(bytes.NewReader(raw))
	if err == nil {
		t.Fatal("expected major version mismatch error")
	}
	var mismatch *wireformat.ErrMajorVersionMismatch
	if !bytesErrorsAs(err, &mismatch) {
		t.Fatalf("expected *ErrMajorVersionMismatch, got %T: %v", err, err)
	}
}

func equalSlices(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// bytesErrorsAs is a tiny errors.As shim kept local to avoid importing
// errors just for this one assertion in a test file that otherwise has no
// wrapped-error chains to unwrap.
func bytesErrorsAs(err error, target **wireformat.ErrMajorVersionMismatch) bool {
	e, ok := err.(*wireformat.ErrMajorVersionMismatch)
	if !ok {
		return false
	}
	*target = e
	return true
}
