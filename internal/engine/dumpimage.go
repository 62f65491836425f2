package engine

import (
	"fmt"
	"io"
	"os"
)

// DumpImage is a vmem.PhysicalReader backed by an on-disk physical-memory
// image file. A read that runs past the end of the file returns a short
// read (the bytes available and a nil error) rather than panicking or
// erroring; ReadPhysical drops the io.EOF that os.File.ReadAt reports.
type DumpImage struct {
	path string
	f    *os.File
}

// OpenDumpImage opens the physical-memory image at path for reading.
func OpenDumpImage(path string) (*DumpImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open dump image %q: %w", path, err)
	}
	return &DumpImage{path: path, f: f}, nil
}

// ReadPhysical implements vmem.PhysicalReader. A read starting at or past
// EOF returns (0, nil) rather than an error, since "short read" for an
// empty remainder is indistinguishable from "nothing more to read"; a read
// that starts inside the image but runs past its end returns the partial
// byte count with no error, where os.File.ReadAt itself reports io.EOF.
func (d *DumpImage) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	n, err := d.f.ReadAt(buf, int64(paddr))
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, nil
	}
	return n, err
}

// Close releases the underlying file handle.
func (d *DumpImage) Close() error {
	return d.f.Close()
}
