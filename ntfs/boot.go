package ntfs

import (
	"encoding/binary"

	"github.com/coldboot/fsimage/fserr"
)

// bootSector holds the subset of the NTFS boot sector this driver
// depends on: sector size, cluster size, and the MFT's starting LCN.
type bootSector struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	mftLCN            uint64
	mftRecordSize     int32 // positive = clusters, negative = 2^-n bytes (per NTFS convention)
	indexRecordSize   int32
}

const bootSectorSize = 512

func bootSectorFromBytes(b []byte) (*bootSector, error) {
	if len(b) < bootSectorSize {
		return nil, fserr.New(fserr.IORead, "short boot sector buffer", "")
	}
	if string(b[3:7]) != "NTFS" {
		return nil, fserr.New(fserr.Magic, "bad NTFS oem id", "")
	}
	bs := &bootSector{
		bytesPerSector:    binary.LittleEndian.Uint16(b[0x0b:0x0d]),
		sectorsPerCluster: b[0x0d],
		mftLCN:            binary.LittleEndian.Uint64(b[0x30:0x38]),
		mftRecordSize:     int32(int8(b[0x40])),
		indexRecordSize:   int32(int8(b[0x44])),
	}
	if bs.bytesPerSector == 0 || bs.sectorsPerCluster == 0 {
		return nil, fserr.New(fserr.Corrupt, "zero sector or cluster size", "")
	}
	return bs, nil
}

func (bs *bootSector) clusterSize() int64 {
	return int64(bs.bytesPerSector) * int64(bs.sectorsPerCluster)
}

// recordSize interprets the signed-byte-exponent size convention NTFS
// uses for MFT and index record sizes: positive values count clusters,
// negative values are a power-of-two byte count.
func (bs *bootSector) recordSize(raw int32, clusterSize int64) int64 {
	if raw >= 0 {
		return int64(raw) * clusterSize
	}
	return int64(1) << uint(-raw)
}
