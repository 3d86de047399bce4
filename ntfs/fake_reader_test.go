package ntfs

import "io"

// fakeImage is a minimal in-memory image.ImageReader backed by a byte
// slice, used to assemble synthetic NTFS volumes for tests.
type fakeImage struct {
	data []byte
}

func (f *fakeImage) Size() int64 { return int64(len(f.data)) }

func (f *fakeImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}
