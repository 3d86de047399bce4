package ntfs

import (
	"encoding/binary"
	"time"
)

const (
	fxSectorSize  = 512
	fxClusterSize = 512 // 1 sector per cluster
	fxRecordSize  = 512
	fxRecordCount = 10
	fxMftLCN      = 1
)

// fxRecordOffset mirrors FileSystem.mftRecordOffset for a single
// contiguous $MFT run starting at cluster fxMftLCN, one record per
// cluster — the layout buildNTFSImage lays out on disk.
func fxRecordOffset(addr uint64) int64 {
	return int64(fxMftLCN+int64(addr)) * fxClusterSize
}

func putAttrHeaderCommon(raw []byte, off int, typ uint32, length uint32, nonResident bool) {
	binary.LittleEndian.PutUint32(raw[off:off+4], typ)
	binary.LittleEndian.PutUint32(raw[off+4:off+8], length)
	if nonResident {
		raw[off+8] = 1
	}
}

// buildResidentFileNameAttr returns a complete resident $FILE_NAME
// attribute (header + value) referencing parentNum/parentSeq.
func buildResidentFileNameAttr(parentNum uint64, parentSeq uint16, name string, isDir bool, when time.Time) []byte {
	valLen := fnameFixedLen + len(name)*2
	const valOff = 0x18
	hdr := make([]byte, valOff+valLen)
	putAttrHeaderCommon(hdr, 0, attrTypeFileName, uint32(len(hdr)), false)
	binary.LittleEndian.PutUint32(hdr[0x10:0x14], uint32(valLen))
	binary.LittleEndian.PutUint16(hdr[0x14:0x16], valOff)

	fn := hdr[valOff:]
	var parentRaw [8]byte
	binary.LittleEndian.PutUint64(parentRaw[:], parentNum|uint64(parentSeq)<<48)
	copy(fn[fnOffParentRef:fnOffParentRef+8], parentRaw[:])
	ticks := toNTFSTime(when)
	binary.LittleEndian.PutUint64(fn[fnOffCrtime:fnOffCrtime+8], ticks)
	binary.LittleEndian.PutUint64(fn[fnOffMtime:fnOffMtime+8], ticks)
	binary.LittleEndian.PutUint64(fn[fnOffCtime:fnOffCtime+8], ticks)
	binary.LittleEndian.PutUint64(fn[fnOffAtime:fnOffAtime+8], ticks)
	binary.LittleEndian.PutUint64(fn[fnOffAllocSize:fnOffAllocSize+8], uint64(len(name)))
	binary.LittleEndian.PutUint64(fn[fnOffRealSize:fnOffRealSize+8], uint64(len(name)))
	var flags uint32
	if isDir {
		flags |= fnameDirFlag
	}
	binary.LittleEndian.PutUint32(fn[fnOffFlags:fnOffFlags+4], flags)
	fn[fnOffNameLen] = byte(len(name))
	fn[fnOffNspace] = nspaceWin32
	for i, r := range []rune(name) {
		binary.LittleEndian.PutUint16(fn[fnOffName+i*2:fnOffName+i*2+2], uint16(r))
	}
	return hdr
}

// buildRootIndexRootAttr returns a complete resident $INDEX_ROOT
// attribute whose embedded entry list is exactly entryBuf.
func buildRootIndexRootAttr(entryBuf []byte) []byte {
	valLen := 0x20 + len(entryBuf)
	const valOff = 0x18
	hdr := make([]byte, valOff+valLen)
	putAttrHeaderCommon(hdr, 0, attrTypeIndexRoot, uint32(len(hdr)), false)
	binary.LittleEndian.PutUint32(hdr[0x10:0x14], uint32(valLen))
	binary.LittleEndian.PutUint16(hdr[0x14:0x16], valOff)

	root := hdr[valOff:]
	binary.LittleEndian.PutUint32(root[0x0:0x4], attrTypeFileName)
	binary.LittleEndian.PutUint32(root[0x10:0x14], 0x10) // entries offset, relative to header start
	binary.LittleEndian.PutUint32(root[0x14:0x18], uint32(0x10+len(entryBuf)))
	binary.LittleEndian.PutUint32(root[0x18:0x1c], uint32(0x10+len(entryBuf)))
	copy(root[0x20:], entryBuf)
	return hdr
}

// writeRecord lays out a minimal MFT record: magic, seq, flags,
// attrOffset == 0x38, the given already-built attributes back to back,
// an end-of-attributes terminator, and bytesInUse.
func writeRecord(buf []byte, seq uint16, inUse, isDir bool, attrs ...[]byte) {
	copy(buf[0:4], mftMagic)
	binary.LittleEndian.PutUint16(buf[0x10:0x12], seq)
	var flags uint16
	if inUse {
		flags |= recFlagInUse
	}
	if isDir {
		flags |= recFlagDirectory
	}
	binary.LittleEndian.PutUint16(buf[0x16:0x18], flags)
	const attrOffset = 0x38
	binary.LittleEndian.PutUint16(buf[0x14:0x16], attrOffset)

	pos := attrOffset
	for _, a := range attrs {
		copy(buf[pos:pos+len(a)], a)
		pos += len(a)
	}
	binary.LittleEndian.PutUint32(buf[pos:pos+4], attrTypeEnd)
	pos += 4
	binary.LittleEndian.PutUint32(buf[0x18:0x1c], uint32(pos))
}

// buildNTFSImage assembles a complete synthetic NTFS volume: a boot
// sector, a self-describing $MFT record 0, a root directory (record 5)
// listing one live child (record 6, "afile.txt") through its resident
// $INDEX_ROOT, and one orphaned record (7, "ghost.txt") whose $FILE_NAME
// still points at the root but which appears in no directory index —
// spec scenario 6.
func buildNTFSImage() []byte {
	img := make([]byte, 8192)

	boot := img[0:fxSectorSize]
	copy(boot[3:7], "NTFS")
	binary.LittleEndian.PutUint16(boot[0x0b:0x0d], fxSectorSize)
	boot[0x0d] = 1 // sectors per cluster
	binary.LittleEndian.PutUint64(boot[0x30:0x38], fxMftLCN)
	boot[0x40] = byte(int8(-9)) // 2^9 == 512-byte MFT records
	boot[0x44] = byte(int8(-9)) // 512-byte index records

	when := time.Date(2012, 5, 1, 0, 0, 0, 0, time.UTC)

	// Record 0: $MFT, with a non-resident $DATA run list covering
	// fxRecordCount contiguous clusters starting at fxMftLCN.
	dataRunBytes := []byte{0x11, byte(fxRecordCount), byte(fxMftLCN), 0x00}
	const runOff = 0x40
	dataHdr := make([]byte, runOff+len(dataRunBytes))
	putAttrHeaderCommon(dataHdr, 0, 0x80, uint32(len(dataHdr)), true)
	binary.LittleEndian.PutUint16(dataHdr[0x20:0x22], runOff)
	binary.LittleEndian.PutUint64(dataHdr[0x28:0x30], fxRecordCount*fxRecordSize)
	binary.LittleEndian.PutUint64(dataHdr[0x30:0x38], fxRecordCount*fxRecordSize)
	copy(dataHdr[runOff:], dataRunBytes)

	rec0 := img[fxRecordOffset(0) : fxRecordOffset(0)+fxRecordSize]
	writeRecord(rec0, 1, true, false, dataHdr)

	// Record 6: "afile.txt", live, parent root.
	rec6 := img[fxRecordOffset(6) : fxRecordOffset(6)+fxRecordSize]
	writeRecord(rec6, 1, true, false, buildResidentFileNameAttr(RootInum, 5, "afile.txt", false, when))

	// Record 7: "ghost.txt", unallocated, parent root, absent from the
	// root's own index — recoverable only through the orphan map.
	rec7 := img[fxRecordOffset(7) : fxRecordOffset(7)+fxRecordSize]
	writeRecord(rec7, 1, false, false, buildResidentFileNameAttr(RootInum, 5, "ghost.txt", false, when))

	// Record 5: root directory, $INDEX_ROOT lists only "afile.txt" (6).
	entryBuf := buildIndexEntry(6, 1, RootInum, 5, "afile.txt", false, 0, 0, when)
	binary.LittleEndian.PutUint16(entryBuf[offStrLen:offStrLen+2], uint16(len(entryBuf)-entryHeaderLen-fnameFixedLen))
	rec5 := img[fxRecordOffset(RootInum) : fxRecordOffset(RootInum)+fxRecordSize]
	writeRecord(rec5, 5, true, true, buildRootIndexRootAttr(entryBuf))

	return img
}
