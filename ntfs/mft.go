package ntfs

import (
	"encoding/binary"

	"github.com/coldboot/fsimage/fserr"
)

const (
	mftMagic = "FILE"

	recFlagInUse     = 0x1
	recFlagDirectory = 0x2

	attrTypeFileName        = 0x30
	attrTypeIndexRoot       = 0x90
	attrTypeIndexAllocation = 0xA0
	attrTypeEnd             = 0xFFFFFFFF
)

// mftRecord is a parsed (fixed-up) MFT file record.
type mftRecord struct {
	raw        []byte
	seq        uint16
	inUse      bool
	isDir      bool
	attrOffset uint16
	bytesInUse uint32
}

func mftRecordFromBytes(raw []byte, sectorSize int) (*mftRecord, error) {
	if len(raw) < 0x30 || string(raw[0:4]) != mftMagic {
		return nil, fserr.New(fserr.Magic, "bad MFT record magic", "")
	}
	if _, err := fixupRecord(raw, sectorSize); err != nil {
		return nil, err
	}
	flags := binary.LittleEndian.Uint16(raw[0x16:0x18])
	return &mftRecord{
		raw:        raw,
		seq:        binary.LittleEndian.Uint16(raw[0x10:0x12]),
		inUse:      flags&recFlagInUse != 0,
		isDir:      flags&recFlagDirectory != 0,
		attrOffset: binary.LittleEndian.Uint16(raw[0x14:0x16]),
		bytesInUse: binary.LittleEndian.Uint32(raw[0x18:0x1c]),
	}, nil
}

// attribute is one parsed attribute header plus its value bytes
// (materialised for resident attributes; the raw run list for
// non-resident ones).
type attribute struct {
	typ         uint32
	id          uint16
	nonResident bool
	value       []byte // resident data, or nil
	runList     []byte // non-resident data-run bytes, or nil
	allocSize   uint64
	realSize    uint64
}

// attributes returns every attribute header in the record up to the
// 0xFFFFFFFF terminator, requiring at least one (spec.md §4.9 step 2).
func (r *mftRecord) attributes() ([]attribute, error) {
	var out []attribute
	off := int(r.attrOffset)
	for off+8 <= len(r.raw) {
		typ := binary.LittleEndian.Uint32(r.raw[off : off+4])
		if typ == attrTypeEnd {
			break
		}
		length := binary.LittleEndian.Uint32(r.raw[off+4 : off+8])
		if length < 0x10 || off+int(length) > len(r.raw) {
			return out, fserr.New(fserr.Corrupt, "attribute length out of range", "")
		}
		nonResident := r.raw[off+8] != 0
		id := binary.LittleEndian.Uint16(r.raw[off+0xe : off+0x10])
		a := attribute{typ: typ, id: id, nonResident: nonResident}
		if !nonResident {
			valLen := binary.LittleEndian.Uint32(r.raw[off+0x10 : off+0x14])
			valOff := binary.LittleEndian.Uint16(r.raw[off+0x14 : off+0x16])
			if int(valOff)+int(valLen) > off+int(length) {
				return out, fserr.New(fserr.Corrupt, "resident attribute value out of range", "")
			}
			a.value = r.raw[off+int(valOff) : off+int(valOff)+int(valLen)]
		} else {
			runOff := binary.LittleEndian.Uint16(r.raw[off+0x20 : off+0x22])
			a.allocSize = binary.LittleEndian.Uint64(r.raw[off+0x28 : off+0x30])
			a.realSize = binary.LittleEndian.Uint64(r.raw[off+0x30 : off+0x38])
			if int(runOff) > int(length) {
				return out, fserr.New(fserr.Corrupt, "data run offset out of range", "")
			}
			a.runList = r.raw[off+int(runOff) : off+int(length)]
		}
		out = append(out, a)
		off += int(length)
	}
	if len(out) == 0 {
		return nil, fserr.New(fserr.Corrupt, "MFT record has no attributes", "")
	}
	return out, nil
}

func findAttr(attrs []attribute, typ uint32) *attribute {
	for i := range attrs {
		if attrs[i].typ == typ {
			return &attrs[i]
		}
	}
	return nil
}
