package ext

import (
	"encoding/binary"

	"github.com/coldboot/fsimage/util/bitmap"
)

// genTag is the "never loaded" sentinel replacement design note §9
// calls for: an explicit sum type instead of an in-band numeric magic
// value like 0xFFFFFFFF.
type genTag struct {
	set   bool
	value uint32
}

func (t genTag) matches(v uint32) bool { return t.set && t.value == v }

func tagOf(v uint32) genTag { return genTag{set: true, value: v} }

// groupDescriptor is the classic 32-byte ext2/3 group descriptor.
type groupDescriptor struct {
	blockBitmap    uint32
	inodeBitmap    uint32
	inodeTable     uint32
	freeBlocksCnt  uint16
	freeInodesCnt  uint16
	usedDirsCnt    uint16
}

const groupDescriptorSize = 32

func groupDescriptorFromBytes(b []byte, order binary.ByteOrder) groupDescriptor {
	return groupDescriptor{
		blockBitmap:   order.Uint32(b[0x0:0x4]),
		inodeBitmap:   order.Uint32(b[0x4:0x8]),
		inodeTable:    order.Uint32(b[0x8:0xc]),
		freeBlocksCnt: order.Uint16(b[0xc:0xe]),
		freeInodesCnt: order.Uint16(b[0xe:0x10]),
		usedDirsCnt:   order.Uint16(b[0x10:0x12]),
	}
}

// groupCache is the single-slot cache of the active group descriptor
// (C3). "ensure loaded" is ensureGroup.
type groupCache struct {
	tag  genTag
	desc groupDescriptor
}

// bitmapCache is the single-slot cache shared by the block-bitmap and
// inode-bitmap loaders (C4); the ext filesystem handle owns two
// independent instances of this type. bits wraps the on-disk allocation
// bitmap in the LSB-first Bitmap container the source's mount-oriented
// driver already used for its own free-space scans.
type bitmapCache struct {
	tag  genTag
	bits *bitmap.Bitmap
}

// inodeCache is the single-slot cache of the active raw inode (C5).
type inodeCache struct {
	tag genTag
	raw []byte
}
