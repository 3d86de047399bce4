package ntfs

import (
	"encoding/binary"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/coldboot/fsimage/genfs"
)

func toNTFSTime(t time.Time) uint64 {
	return uint64(t.Unix()+ntfsEpochToUnixSeconds) * 10_000_000
}

// buildIndexEntry lays out one raw $FILE_NAME index entry: the 16-byte
// header followed by the 66-byte fixed portion and the UTF-16 name.
// strLen is written as given (0 to simulate a deleted entry whose
// length field has been zeroed but whose slot is otherwise intact);
// idxLenOverride, if non-zero, replaces the computed slot size.
func buildIndexEntry(childNum uint64, childSeq uint16, parentNum uint64, parentSeq uint16,
	name string, isDir bool, strLen uint16, idxLenOverride uint16, when time.Time) []byte {

	units := utf16.Encode([]rune(name))
	nameBytes := len(units) * 2
	slotLen := entryHeaderLen + fnameFixedLen + nameBytes
	slotLen = ((slotLen + 3) / 4) * 4
	buf := make([]byte, slotLen)

	idxLen := uint16(slotLen)
	if idxLenOverride != 0 {
		idxLen = idxLenOverride
	}

	var childRef [6]byte
	v := childNum
	for i := 0; i < 6; i++ {
		childRef[i] = byte(v)
		v >>= 8
	}
	copy(buf[offChildRef:offChildRef+6], childRef[:])
	binary.LittleEndian.PutUint16(buf[offSeqNum:offSeqNum+2], childSeq)
	binary.LittleEndian.PutUint16(buf[offIdxLen:offIdxLen+2], idxLen)
	binary.LittleEndian.PutUint16(buf[offStrLen:offStrLen+2], strLen)

	fn := buf[entryHeaderLen:]
	var parentRaw [8]byte
	binary.LittleEndian.PutUint64(parentRaw[:], parentNum|uint64(parentSeq)<<48)
	copy(fn[fnOffParentRef:fnOffParentRef+8], parentRaw[:])

	ticks := toNTFSTime(when)
	binary.LittleEndian.PutUint64(fn[fnOffCrtime:fnOffCrtime+8], ticks)
	binary.LittleEndian.PutUint64(fn[fnOffMtime:fnOffMtime+8], ticks)
	binary.LittleEndian.PutUint64(fn[fnOffCtime:fnOffCtime+8], ticks)
	binary.LittleEndian.PutUint64(fn[fnOffAtime:fnOffAtime+8], ticks)
	binary.LittleEndian.PutUint64(fn[fnOffAllocSize:fnOffAllocSize+8], 4096)
	binary.LittleEndian.PutUint64(fn[fnOffRealSize:fnOffRealSize+8], uint64(len(name)))

	var flags uint32
	if isDir {
		flags |= fnameDirFlag
	}
	binary.LittleEndian.PutUint32(fn[fnOffFlags:fnOffFlags+4], flags)

	fn[fnOffNameLen] = byte(len(units))
	fn[fnOffNspace] = nspaceWin32

	for i, u := range units {
		binary.LittleEndian.PutUint16(fn[fnOffName+i*2:fnOffName+i*2+2], u)
	}

	return buf
}

func testParserOpts() ParserOptions {
	return ParserOptions{FirstInum: 0, LastInum: 1 << 20, TimeUpperBound: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestParseIndexEntriesDecodesLiveEntry(t *testing.T) {
	when := time.Date(2008, 6, 1, 0, 0, 0, 0, time.UTC)
	buf := buildIndexEntry(1234, 7, 100, 3, "report.docx", false, 0, 0, when)
	binary.LittleEndian.PutUint16(buf[offStrLen:offStrLen+2], uint16(len(buf)-entryHeaderLen-fnameFixedLen))

	entries, err := ParseIndexEntries(buf, len(buf), false, testParserOpts())
	if err != nil {
		t.Fatalf("ParseIndexEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Name != "report.docx" || e.ChildRef != 1234 || e.ChildSeq != 7 || e.ParentRef != 100 || e.ParentSeq != 3 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Flags != genfs.Alloc {
		t.Fatalf("live entry flags = %v, want Alloc", e.Flags)
	}
}

// TestParseIndexEntriesRecoversDeletedEntry covers spec scenario 5: a
// deleted entry whose length field has been zeroed (strLen == 0) but
// whose slot otherwise still holds a plausible $FILE_NAME record must
// still be recovered and named.
func TestParseIndexEntriesRecoversDeletedEntry(t *testing.T) {
	when := time.Date(2003, 3, 3, 0, 0, 0, 0, time.UTC)
	buf := buildIndexEntry(500, 1, 100, 1, "secret.txt", false, 0, 0, when)

	entries, err := ParseIndexEntries(buf, 0, false, testParserOpts())
	if err != nil {
		t.Fatalf("ParseIndexEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (recovered deleted entry)", len(entries))
	}
	if entries[0].Name != "secret.txt" {
		t.Fatalf("recovered name = %q, want secret.txt", entries[0].Name)
	}
}

func TestParseIndexEntriesSkipsDOSNamespace(t *testing.T) {
	when := time.Date(2006, 1, 1, 0, 0, 0, 0, time.UTC)
	buf := buildIndexEntry(42, 1, 5, 1, "LONGNA~1.TXT", false, 0, 0, when)
	buf[entryHeaderLen+fnOffNspace] = nspaceDOS
	binary.LittleEndian.PutUint16(buf[offStrLen:offStrLen+2], uint16(len(buf)-entryHeaderLen-fnameFixedLen))

	entries, err := ParseIndexEntries(buf, len(buf), false, testParserOpts())
	if err != nil {
		t.Fatalf("ParseIndexEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("DOS-namespace entry should be skipped, got %d entries", len(entries))
	}
}

func TestParseIndexEntriesInvalidChildRefSkipped(t *testing.T) {
	when := time.Date(2006, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := testParserOpts()
	opts.LastInum = 10
	buf := buildIndexEntry(999999, 1, 5, 1, "x", false, 0, 0, when)
	binary.LittleEndian.PutUint16(buf[offStrLen:offStrLen+2], uint16(len(buf)-entryHeaderLen-fnameFixedLen))

	entries, err := ParseIndexEntries(buf, len(buf), false, opts)
	if err != nil {
		t.Fatalf("ParseIndexEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("out-of-range child ref should be rejected, got %d entries", len(entries))
	}
}
