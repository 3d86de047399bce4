// Package ntfs implements the NTFS directory resolver: per-sector
// fixup repair of index records, a tolerant index-entry parser, a
// parent-to-orphan-children map built from a full inode walk, and a
// reverse path resolver, grounded stylistically in the manual
// byte-offset binary decoding idiom of the ext driver's superblock and
// inode parsing (no NTFS precedent exists in the teacher's own tree).
package ntfs

import (
	"encoding/binary"

	"github.com/coldboot/fsimage/fserr"
)

const (
	indexMagic = "INDX"

	// Update-sequence header offsets within an index record.
	offMagic  = 0x0
	offUpdOff = 0x4
	offUpdCnt = 0x6
)

// fixupRecord undoes the per-sector update-sequence obfuscation of an
// NTFS multi-sector record in place (C9 / NtfsFixup, spec.md §4.6).
// It returns the number of sector tails (2 bytes each) it repaired.
func fixupRecord(rec []byte, sectorSize int) (int, error) {
	if len(rec) < offUpdCnt+2 {
		return 0, fserr.New(fserr.Corrupt, "record too short for fixup header", "")
	}
	updOff := binary.LittleEndian.Uint16(rec[offUpdOff : offUpdOff+2])
	updCnt := binary.LittleEndian.Uint16(rec[offUpdCnt : offUpdCnt+2])
	if updCnt == 0 {
		return 0, nil
	}
	if int(updCnt-1)*sectorSize > len(rec) {
		return 0, fserr.New(fserr.Corrupt, "update sequence array exceeds record length", "")
	}
	if int(updOff)+int(updCnt)*2 > len(rec) {
		return 0, fserr.New(fserr.Corrupt, "update sequence array offset out of range", "")
	}

	updArray := rec[updOff : updOff+uint16(updCnt)*2]
	seq := binary.LittleEndian.Uint16(updArray[0:2])

	repaired := 0
	for i := 1; i < int(updCnt); i++ {
		tailOff := i*sectorSize - 2
		if tailOff+2 > len(rec) {
			return repaired, fserr.New(fserr.Corrupt, "sector tail beyond record", "")
		}
		got := binary.LittleEndian.Uint16(rec[tailOff : tailOff+2])
		if got != seq {
			return repaired, fserr.New(fserr.Corrupt, "update sequence mismatch", "")
		}
		original := updArray[i*2 : i*2+2]
		copy(rec[tailOff:tailOff+2], original)
		repaired++
	}
	return repaired, nil
}

// unfixupRecord is the inverse of fixupRecord: it re-inserts the
// rotating sequence tag at each sector tail, recording the originals
// back into the update array. It exists so the round-trip property in
// spec.md §8 ("fixup then inverse-fixup yields the pre-fixup bytes")
// is directly testable.
func unfixupRecord(rec []byte, sectorSize int) error {
	if len(rec) < offUpdCnt+2 {
		return fserr.New(fserr.Corrupt, "record too short for fixup header", "")
	}
	updOff := binary.LittleEndian.Uint16(rec[offUpdOff : offUpdOff+2])
	updCnt := binary.LittleEndian.Uint16(rec[offUpdCnt : offUpdCnt+2])
	if updCnt == 0 {
		return nil
	}
	updArray := rec[updOff : updOff+uint16(updCnt)*2]
	seq := binary.LittleEndian.Uint16(updArray[0:2])

	for i := 1; i < int(updCnt); i++ {
		tailOff := i*sectorSize - 2
		if tailOff+2 > len(rec) {
			return fserr.New(fserr.Corrupt, "sector tail beyond record", "")
		}
		copy(updArray[i*2:i*2+2], rec[tailOff:tailOff+2])
		var tag [2]byte
		binary.LittleEndian.PutUint16(tag[:], seq)
		copy(rec[tailOff:tailOff+2], tag[:])
	}
	return nil
}

func hasIndexMagic(rec []byte) bool {
	return len(rec) >= 4 && string(rec[0:4]) == indexMagic
}
