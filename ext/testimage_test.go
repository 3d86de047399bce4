package ext

import "encoding/binary"

// buildImage constructs a single-group ext2 image in memory with:
//   block size 1024, 64 blocks, 16 inodes, one group.
//   block 3 = block bitmap, block 4 = inode bitmap, blocks 5-6 = inode table.
// It returns the backing fakeReader plus the byte order used to encode it
// so callers can poke additional fields (inode contents, bitmap bits).
func buildImage() (*fakeReader, binary.ByteOrder) {
	order := binary.LittleEndian
	r := newFakeReader(64 * 1024)

	const (
		blocksCount    = 64
		inodesCount    = 16
		blocksPerGroup = 64
		inodesPerGroup = 16
		firstDataBlock = 1
		logBlockSize   = 0 // 1024 << 0
		inodeSize      = 128
		revLevel       = 1
	)

	sbOff := int64(superblockOffset)
	r.putUint32(sbOff+0x0, order, inodesCount)
	r.putUint32(sbOff+0x4, order, blocksCount)
	r.putUint32(sbOff+0x14, order, firstDataBlock)
	r.putUint32(sbOff+0x18, order, logBlockSize)
	r.putUint32(sbOff+0x1c, order, logBlockSize) // log frag size == log block size
	r.putUint32(sbOff+0x20, order, blocksPerGroup)
	r.putUint32(sbOff+0x24, order, blocksPerGroup) // frags per group
	r.putUint32(sbOff+0x28, order, inodesPerGroup)
	r.putUint16(sbOff+0x38, order, extMagic)
	r.putUint32(sbOff+0x4c, order, revLevel)
	r.putUint32(sbOff+0x54, order, 11) // first non-reserved inode
	r.putUint16(sbOff+0x58, order, inodeSize)

	gdOff := int64(2048) // (firstDataBlock+1) * 1024
	r.putUint32(gdOff+0x0, order, 3) // block bitmap
	r.putUint32(gdOff+0x4, order, 4) // inode bitmap
	r.putUint32(gdOff+0x8, order, 5) // inode table

	// block bitmap: mark a few blocks allocated (bit i = block cgbase+i).
	bbOff := int64(3 * 1024)
	r.data[bbOff] = 0xff // blocks 1..8 allocated (cgbase=1 => bits0..7 => blocks1..8)

	// inode bitmap: mark inode 9 (idx 8) unallocated, others allocated.
	ibOff := int64(4 * 1024)
	for i := 0; i < 16; i++ {
		if i == 8 { // inode 9
			continue
		}
		ibOff2 := ibOff + int64(i/8)
		r.data[ibOff2] |= 1 << uint(i%8)
	}

	return r, order
}

func inodeOffset(inum uint32) int64 {
	const inodeTableBlock = 5
	idx := (inum - 1) % 16
	return int64(inodeTableBlock*1024) + int64(idx)*128
}
