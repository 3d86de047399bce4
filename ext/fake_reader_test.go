package ext

import (
	"encoding/binary"
	"fmt"
	"io"
)

// fakeReader backs tests with an in-memory image and counts reads per
// offset so cache-hit assertions can be made without a real disk image.
type fakeReader struct {
	data  []byte
	reads map[int64]int
}

func newFakeReader(size int) *fakeReader {
	return &fakeReader{data: make([]byte, size), reads: map[int64]int{}}
}

func (f *fakeReader) Size() int64 { return int64(len(f.data)) }

func (f *fakeReader) ReadAt(p []byte, off int64) (int, error) {
	f.reads[off]++
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (f *fakeReader) readCountAt(off int64) int { return f.reads[off] }

func (f *fakeReader) putUint16(off int64, order binary.ByteOrder, v uint16) {
	b := make([]byte, 2)
	order.PutUint16(b, v)
	copy(f.data[off:], b)
}

func (f *fakeReader) putUint32(off int64, order binary.ByteOrder, v uint32) {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	copy(f.data[off:], b)
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("test setup failed: %v", err))
	}
}
