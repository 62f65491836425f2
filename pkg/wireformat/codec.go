// Package wireformat implements the versioned, little-endian binary codec
// used to persist a parsed symbol graph to disk and load it back without
// re-running DWARF extraction. It follows the original project's
// major/minor version negotiation: a major-version mismatch is fatal (the
// record layout has changed incompatibly), a minor-version mismatch is
// accepted, but the reader decodes only its own build's record layout and
// has no way to skip fields that a newer minor version appends.
package wireformat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// CurrentMajorVersion and CurrentMinorVersion are written by Writer and
// checked by Reader. Bump CurrentMajorVersion when an incompatible layout
// change is made; bump CurrentMinorVersion when a backward-compatible
// addition (e.g. a new optional field appended at the end of a record) is
// made.
const (
	CurrentMajorVersion uint16 = 1
	CurrentMinorVersion uint16 = 1

	magic uint32 = 0x494e5347 // "INSG"
)

// Header is the fixed-size preamble of every wireformat stream.
type Header struct {
	Major uint16
	Minor uint16
}

// ErrMajorVersionMismatch is returned by Reader.ReadHeader when the stream's
// major version differs from CurrentMajorVersion.
type ErrMajorVersionMismatch struct {
	Stream, Supported uint16
}

func (e *ErrMajorVersionMismatch) Error() string {
	return fmt.Sprintf("wireformat: incompatible major version %d (this build supports %d)",
		e.Stream, e.Supported)
}

// Writer encodes a sequence of records to an underlying io.Writer using
// fixed little-endian primitives and length-prefixed variable-size values.
// It is not safe for concurrent use; callers serialize access externally.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter wraps w and immediately emits the wireformat header.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	wr := &Writer{w: bw}
	wr.writeUint32(magic)
	wr.writeUint16(CurrentMajorVersion)
	wr.writeUint16(CurrentMinorVersion)
	if wr.err != nil {
		return nil, fmt.Errorf("wireformat: write header: %w", wr.err)
	}
	return wr, nil
}

// Flush writes any buffered data to the underlying writer. Callers must
// call Flush once all records have been written; closing the underlying
// writer does not flush the buffer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

func (w *Writer) writeUint8(v uint8) {
	if w.err != nil {
		return
	}
	w.err = w.w.WriteByte(v)
}

func (w *Writer) writeUint16(v uint16) {
	if w.err != nil {
		return
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, w.err = w.w.Write(buf[:])
}

func (w *Writer) writeUint32(v uint32) {
	if w.err != nil {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, w.err = w.w.Write(buf[:])
}

// WriteUint32 writes a bare uint32 value. Exported for record encoders in
// pkg/symbols.
func (w *Writer) WriteUint32(v uint32) { w.writeUint32(v) }

func (w *Writer) writeUint64(v uint64) {
	if w.err != nil {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, w.err = w.w.Write(buf[:])
}

// WriteUint64 writes a bare uint64 value (used for addresses and sizes).
func (w *Writer) WriteUint64(v uint64) { w.writeUint64(v) }

// WriteUint8 writes a bare uint8 value (used for small tags/flags).
func (w *Writer) WriteUint8(v uint8) { w.writeUint8(v) }

// WriteInt64 writes a signed 64-bit value (used for enumerator values,
// which may be negative and must round-trip exactly).
func (w *Writer) WriteInt64(v int64) { w.writeUint64(uint64(v)) }

// WriteBool writes a single-byte boolean.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.writeUint8(1)
	} else {
		w.writeUint8(0)
	}
}

// WriteString writes a length-prefixed (uint32 byte length) UTF-8 string.
func (w *Writer) WriteString(s string) {
	if w.err != nil {
		return
	}
	w.writeUint32(uint32(len(s)))
	if w.err != nil {
		return
	}
	_, w.err = w.w.WriteString(s)
}

// WriteUint32Slice writes a length-prefixed slice of uint32 values (a
// uint32 count followed by the values).
func (w *Writer) WriteUint32Slice(vals []uint32) {
	w.writeUint32(uint32(len(vals)))
	for _, v := range vals {
		w.writeUint32(v)
	}
}

// Err returns the first error encountered by any Write call so far.
func (w *Writer) Err() error { return w.err }

// Reader decodes a wireformat stream written by Writer. It is not safe for
// concurrent use.
type Reader struct {
	r      *bufio.Reader
	Header Header
	err    error
}

// NewReader wraps r, reads and validates the wireformat header, and returns
// a Reader positioned at the first record. A minor-version newer than
// CurrentMinorVersion is accepted (the reader simply will not recognise
// fields added after its own build), but a major-version mismatch is
// returned as *ErrMajorVersionMismatch.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	rd := &Reader{r: br}

	gotMagic := rd.readUint32()
	if rd.err != nil {
		return nil, fmt.Errorf("wireformat: read header: %w", rd.err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("wireformat: bad magic %#x, not an insight symbol file", gotMagic)
	}
	rd.Header.Major = rd.readUint16()
	rd.Header.Minor = rd.readUint16()
	if rd.err != nil {
		return nil, fmt.Errorf("wireformat: read header: %w", rd.err)
	}
	if rd.Header.Major != CurrentMajorVersion {
		return nil, &ErrMajorVersionMismatch{Stream: rd.Header.Major, Supported: CurrentMajorVersion}
	}
	return rd, nil
}

func (r *Reader) readUint8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.err = err
		return 0
	}
	return b
}

func (r *Reader) readUint16() uint16 {
	if r.err != nil {
		return 0
	}
	var buf [2]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		r.err = err
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func (r *Reader) readUint32() uint32 {
	if r.err != nil {
		return 0
	}
	var buf [4]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		r.err = err
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// ReadUint32 reads a bare uint32 value.
func (r *Reader) ReadUint32() uint32 { return r.readUint32() }

func (r *Reader) readUint64() uint64 {
	if r.err != nil {
		return 0
	}
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		r.err = err
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// ReadUint64 reads a bare uint64 value.
func (r *Reader) ReadUint64() uint64 { return r.readUint64() }

// ReadUint8 reads a bare uint8 value.
func (r *Reader) ReadUint8() uint8 { return r.readUint8() }

// ReadInt64 reads a signed 64-bit value written by WriteInt64.
func (r *Reader) ReadInt64() int64 { return int64(r.readUint64()) }

// ReadBool reads a single-byte boolean written by WriteBool.
func (r *Reader) ReadBool() bool { return r.readUint8() != 0 }

// ReadString reads a length-prefixed UTF-8 string written by WriteString.
func (r *Reader) ReadString() string {
	if r.err != nil {
		return ""
	}
	n := r.readUint32()
	if r.err != nil {
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = err
		return ""
	}
	return string(buf)
}

// ReadUint32Slice reads a length-prefixed slice of uint32 values written by
// WriteUint32Slice.
func (r *Reader) ReadUint32Slice() []uint32 {
	n := r.readUint32()
	if r.err != nil || n == 0 {
		return nil
	}
	vals := make([]uint32, n)
	for i := range vals {
		vals[i] = r.readUint32()
	}
	return vals
}

// Err returns the first error encountered by any Read call so far,
// including io.EOF once the stream is exhausted.
func (r *Reader) Err() error { return r.err }
