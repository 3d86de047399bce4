package ntfs

import (
	"encoding/binary"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/coldboot/fsimage/fserr"
	"github.com/coldboot/fsimage/genfs"
)

// $FILE_NAME name-space values (spec.md §6).
const (
	nspacePosix  = 0
	nspaceWin32  = 1
	nspaceDOS    = 2
	nspaceWindos = 3
)

const fnameDirFlag = 0x10000000

// Index-entry header layout: {child_ref(48), seq(16), idxlen(16), strlen(16), flags(32)}.
const (
	entryHeaderLen = 16
	offChildRef    = 0x0 // 6 bytes
	offSeqNum      = 0x6 // 2 bytes
	offIdxLen      = 0x8
	offStrLen      = 0xa
	offEntryFlags  = 0xc
)

// $FILE_NAME stream layout (fixed 66-byte portion before the name).
const (
	fnameFixedLen  = 66
	fnOffParentRef = 0x0
	fnOffCrtime    = 0x8
	fnOffMtime     = 0x10
	fnOffCtime     = 0x18
	fnOffAtime     = 0x20
	fnOffAllocSize = 0x28
	fnOffRealSize  = 0x30
	fnOffFlags     = 0x38
	fnOffNameLen   = 0x40
	fnOffNspace    = 0x41
	fnOffName      = 0x42
)

// defaultTimePlausibilityUpperBound is the source's hard-coded 2010-01-01
// boundary, exposed as an Options field so tests can pin a different one
// without silently expanding the heuristic (spec.md §9).
var defaultTimePlausibilityUpperBound = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

const ntfsEpochToUnixSeconds = 11644473600

func ntfsTimeToUnix(t uint64) time.Time {
	sec := int64(t/10_000_000) - ntfsEpochToUnixSeconds
	return time.Unix(sec, 0).UTC()
}

func isPlausibleTime(t uint64, upperBound time.Time) bool {
	when := ntfsTimeToUnix(t)
	return !when.Before(time.Unix(0, 0).UTC()) && !when.After(upperBound)
}

// IndexEntry is a decoded $FILE_NAME index entry (spec.md §3 "Index entry").
type IndexEntry struct {
	ChildRef   uint64 // 48-bit MFT record number
	ChildSeq   uint16
	ParentRef  uint64
	ParentSeq  uint16
	Name       string
	NameSpace  int
	IsDir      bool
	Flags      genfs.Flag
	Crtime     time.Time
	Mtime      time.Time
	Atime      time.Time
	AllocSize  uint64
	RealSize   uint64
}

// mftRef48 decodes a 48-bit MFT reference (6 bytes, little-endian).
func mftRef48(b []byte) uint64 {
	var v uint64
	for i := 5; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func splitMFTRef(raw uint64) (num uint64, seq uint16) {
	return raw & 0xFFFFFFFFFFFF, uint16(raw >> 48)
}

// decodeUTF16Lenient converts a little-endian UTF-16 byte slice to a
// UTF-8 string, substituting the Unicode replacement rune for anything
// that fails to decode instead of aborting (the converter spec.md keeps
// external, given a concrete lenient body here).
func decodeUTF16Lenient(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	runes := utf16.Decode(units)
	buf := make([]byte, 0, len(runes)*3)
	tmp := make([]byte, utf8.UTFMax)
	for _, r := range runes {
		n := utf8.EncodeRune(tmp, r)
		buf = append(buf, tmp[:n]...)
	}
	return string(buf)
}

func sanitizeNTFSName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			out = append(out, '^')
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}

// ParserOptions tunes the index parser's plausibility heuristic.
type ParserOptions struct {
	FirstInum, LastInum uint64
	TimeUpperBound      time.Time
}

func (o ParserOptions) upperBound() time.Time {
	if o.TimeUpperBound.IsZero() {
		return defaultTimePlausibilityUpperBound
	}
	return o.TimeUpperBound
}

// ParseIndexEntries walks buf[:bufLen] decoding index entries (C8 /
// NtfsIndexParser, spec.md §4.7). usedLen marks the boundary beyond
// which entries are considered deleted-but-recoverable. isDeleted is
// true when the owning directory inode itself is unallocated.
func ParseIndexEntries(buf []byte, usedLen int, isDeleted bool, opts ParserOptions) ([]IndexEntry, error) {
	bufLen := len(buf)
	var out []IndexEntry
	pos := 0

	for pos+entryHeaderLen <= bufLen {
		childNum := mftRef48(buf[pos+offChildRef : pos+offChildRef+6])
		childSeq := binary.LittleEndian.Uint16(buf[pos+offSeqNum : pos+offSeqNum+2])
		idxLen := int(binary.LittleEndian.Uint16(buf[pos+offIdxLen : pos+offIdxLen+2]))
		strLen := int(binary.LittleEndian.Uint16(buf[pos+offStrLen : pos+offStrLen+2]))

		valid := childNum >= opts.FirstInum && childNum <= opts.LastInum &&
			idxLen > strLen && idxLen%4 == 0 && idxLen <= bufLen-pos
		if !valid {
			pos += 4
			continue
		}

		entryDeleted := isDeleted || strLen == 0 || pos+idxLen > usedLen

		fnOff := pos + entryHeaderLen
		if fnOff+fnameFixedLen > bufLen {
			pos += 4
			continue
		}

		nameLen := int(buf[fnOff+fnOffNameLen])
		nspace := int(buf[fnOff+fnOffNspace])

		if entryDeleted {
			ok := nspace == nspacePosix || nspace == nspaceWin32 || nspace == nspaceDOS || nspace == nspaceWindos
			allocSize := binary.LittleEndian.Uint64(buf[fnOff+fnOffAllocSize : fnOff+fnOffAllocSize+8])
			realSize := binary.LittleEndian.Uint64(buf[fnOff+fnOffRealSize : fnOff+fnOffRealSize+8])
			crtime := binary.LittleEndian.Uint64(buf[fnOff+fnOffCrtime : fnOff+fnOffCrtime+8])
			atime := binary.LittleEndian.Uint64(buf[fnOff+fnOffAtime : fnOff+fnOffAtime+8])
			mtime := binary.LittleEndian.Uint64(buf[fnOff+fnOffMtime : fnOff+fnOffMtime+8])

			ok = ok && allocSize >= realSize && nameLen > 0
			if fnOff+fnOffName < bufLen {
				ok = ok && buf[fnOff+fnOffName] != 0
			} else {
				ok = false
			}
			ok = ok && isPlausibleTime(crtime, opts.upperBound()) &&
				isPlausibleTime(atime, opts.upperBound()) &&
				isPlausibleTime(mtime, opts.upperBound())

			if !ok {
				pos += 4
				continue
			}
		}

		if nspace == nspaceDOS {
			// the corresponding long name has been or will be processed
			// under its own WIN32/POSIX/WINDOS entry.
			if strLen > 0 {
				pos += idxLen
			} else {
				pos += deletedEntryAdvance(nameLen)
			}
			continue
		}

		nameBytesLen := nameLen * 2
		if fnOff+fnOffName+nameBytesLen > bufLen {
			pos += 4
			continue
		}
		nameRaw := buf[fnOff+fnOffName : fnOff+fnOffName+nameBytesLen]
		name := sanitizeNTFSName(decodeUTF16Lenient(nameRaw))

		parentRaw := binary.LittleEndian.Uint64(buf[fnOff+fnOffParentRef : fnOff+fnOffParentRef+8])
		parentNum, parentSeq := splitMFTRef(parentRaw)

		flagsWord := binary.LittleEndian.Uint32(buf[fnOff+fnOffFlags : fnOff+fnOffFlags+4])
		isDir := flagsWord&fnameDirFlag != 0

		e := IndexEntry{
			ChildRef:  childNum,
			ChildSeq:  childSeq,
			ParentRef: parentNum,
			ParentSeq: parentSeq,
			Name:      name,
			NameSpace: nspace,
			IsDir:     isDir,
			Crtime:    ntfsTimeToUnix(binary.LittleEndian.Uint64(buf[fnOff+fnOffCrtime : fnOff+fnOffCrtime+8])),
			Mtime:     ntfsTimeToUnix(binary.LittleEndian.Uint64(buf[fnOff+fnOffMtime : fnOff+fnOffMtime+8])),
			Atime:     ntfsTimeToUnix(binary.LittleEndian.Uint64(buf[fnOff+fnOffAtime : fnOff+fnOffAtime+8])),
			AllocSize: binary.LittleEndian.Uint64(buf[fnOff+fnOffAllocSize : fnOff+fnOffAllocSize+8]),
			RealSize:  binary.LittleEndian.Uint64(buf[fnOff+fnOffRealSize : fnOff+fnOffRealSize+8]),
		}
		if entryDeleted {
			e.Flags = genfs.Unalloc
		} else {
			e.Flags = genfs.Alloc
		}
		out = append(out, e)

		if strLen > 0 {
			pos += idxLen
		} else {
			pos += deletedEntryAdvance(nameLen)
		}
	}

	if pos > bufLen {
		return out, fserr.New(fserr.Corrupt, "index parser overran buffer", "")
	}
	return out, nil
}

// deletedEntryAdvance reconstructs the span of a deleted entry whose
// idxlen was not trustworthy: header + fixed $FILE_NAME + UTF-16 name,
// rounded up to a 4-byte boundary, per spec.md §4.7.
func deletedEntryAdvance(nameLen int) int {
	raw := entryHeaderLen + fnameFixedLen + 2*nameLen
	return ((raw + 3) / 4) * 4
}
