package ext

import (
	"fmt"

	"github.com/coldboot/fsimage/fserr"
	"github.com/coldboot/fsimage/image"
	"github.com/coldboot/fsimage/util/bitmap"
	"github.com/sirupsen/logrus"
)

// Options tunes behaviour that spec.md's design notes call out as
// parameters rather than hard-coded constants.
type Options struct {
	// Logger receives per-operation diagnostics (filesystem open,
	// group-descriptor cache hits and loads, image truncation warnings).
	// Defaults to logrus.StandardLogger() when nil.
	Logger *logrus.Logger
}

// FileSystem is one open ext2/3 filesystem handle. It owns the four
// single-slot caches (C3-C5) and is not safe for concurrent use: open
// an independent handle per goroutine that needs one.
type FileSystem struct {
	r      image.ImageReader
	offset int64
	sb     *superblock
	geo    *Geometry
	log    *logrus.Entry

	group  groupCache
	blkBm  bitmapCache
	inoBm  bitmapCache
	ino    inodeCache

	// survivingNames holds every inode number reachable by a surviving
	// directory entry, built lazily the first time an ORPHAN walk is
	// requested. A nil map means "not built yet".
	survivingNames map[uint32]struct{}
	closed         bool
}

// Open parses the superblock at byteOffset within r and returns a
// handle ready for inode_walk/block_walk/inode_lookup calls (ext_open
// in the spec's external-interface naming).
func Open(r image.ImageReader, byteOffset int64, opts Options) (*FileSystem, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "ext")

	sb, geo, err := readSuperblock(r, byteOffset, entry)
	if err != nil {
		return nil, err
	}
	entry.WithFields(logrus.Fields{
		"block_size":   geo.BlockSize,
		"groups_count": geo.GroupsCount,
		"last_inum":    geo.LastInum,
		"volume_uuid":  geo.VolumeUUID,
	}).Debug("opened ext filesystem")

	return &FileSystem{
		r:      r,
		offset: byteOffset,
		sb:     sb,
		geo:    geo,
		log:    entry,
	}, nil
}

// Geometry exposes the derived layout for callers (e.g. to size loops
// over [FirstInum, LastInum)).
func (fs *FileSystem) Geometry() Geometry { return *fs.geo }

// Close releases cache slots and marks the handle unusable, matching
// the "close routine zeroes the tag to prevent reuse" resource
// discipline in spec.md §5.
func (fs *FileSystem) Close() error {
	fs.group = groupCache{}
	fs.blkBm = bitmapCache{}
	fs.inoBm = bitmapCache{}
	fs.ino = inodeCache{}
	fs.survivingNames = nil
	fs.closed = true
	return nil
}

func (fs *FileSystem) checkOpen() error {
	if fs.closed {
		return fserr.New(fserr.Argument, "filesystem handle closed", "")
	}
	return nil
}

// groupOfInode returns the block group number owning the given inode.
func (fs *FileSystem) groupOfInode(inum uint32) uint32 {
	return (inum - 1) / fs.geo.InodesPerGroup
}

// groupOfBlock returns the block group number owning the given block,
// i.e. cgbase^-1(addr).
func (fs *FileSystem) groupOfBlock(addr uint32) uint32 {
	if addr < fs.geo.FirstDataBlock {
		return 0
	}
	return (addr - fs.geo.FirstDataBlock) / fs.sb.blocksPerGroup
}

// cgbase returns the first block number belonging to group g.
func (fs *FileSystem) cgbase(g uint32) uint32 {
	return fs.geo.FirstDataBlock + g*fs.sb.blocksPerGroup
}

// ensureGroup implements C3's "ensure loaded for tag X" over the group
// descriptor slot.
func (fs *FileSystem) ensureGroup(g uint32) error {
	if fs.group.tag.matches(g) {
		fs.log.WithField("group", g).Debug("group cache hit")
		return nil
	}
	if g >= fs.geo.GroupsCount {
		return fserr.New(fserr.Argument, "group out of range", fmt.Sprintf("group=%d", g))
	}
	off := fs.geo.GroupsOffset + int64(g)*groupDescriptorSize
	buf := make([]byte, groupDescriptorSize)
	n, err := fs.r.ReadAt(buf, fs.offset+off)
	if err != nil && n < groupDescriptorSize {
		return fserr.Wrap(fserr.IORead, "read group descriptor", fmt.Sprintf("group=%d", g), err)
	}
	desc := groupDescriptorFromBytes(buf, fs.geo.Order)
	if desc.blockBitmap > fs.geo.LastBlock || desc.inodeBitmap > fs.geo.LastBlock || desc.inodeTable > fs.geo.LastBlock {
		return fserr.New(fserr.Corrupt, "group descriptor offset exceeds last block", fmt.Sprintf("group=%d", g))
	}
	fs.group.tag = tagOf(g)
	fs.group.desc = desc
	fs.log.WithField("group", g).Debug("group cache loaded")
	return nil
}

// ensureBlockBitmap implements C4 over the block-bitmap slot.
func (fs *FileSystem) ensureBlockBitmap(g uint32) error {
	if fs.blkBm.tag.matches(g) {
		return nil
	}
	if err := fs.ensureGroup(g); err != nil {
		return err
	}
	off := int64(fs.group.desc.blockBitmap) * int64(fs.geo.BlockSize)
	buf := make([]byte, fs.geo.BlockSize)
	n, err := fs.r.ReadAt(buf, fs.offset+off)
	if err != nil && n < len(buf) {
		return fserr.Wrap(fserr.IORead, "read block bitmap", fmt.Sprintf("group=%d", g), err)
	}
	fs.blkBm.tag = tagOf(g)
	fs.blkBm.bits = bitmap.FromBytes(buf)
	return nil
}

// ensureInodeBitmap implements C4 over the inode-bitmap slot.
func (fs *FileSystem) ensureInodeBitmap(g uint32) error {
	if fs.inoBm.tag.matches(g) {
		return nil
	}
	if err := fs.ensureGroup(g); err != nil {
		return err
	}
	off := int64(fs.group.desc.inodeBitmap) * int64(fs.geo.BlockSize)
	buf := make([]byte, fs.geo.BlockSize)
	n, err := fs.r.ReadAt(buf, fs.offset+off)
	if err != nil && n < len(buf) {
		return fserr.Wrap(fserr.IORead, "read inode bitmap", fmt.Sprintf("group=%d", g), err)
	}
	fs.inoBm.tag = tagOf(g)
	fs.inoBm.bits = bitmap.FromBytes(buf)
	return nil
}

// ensureInode implements C5 over the raw-inode slot.
func (fs *FileSystem) ensureInode(inum uint32) error {
	if fs.ino.tag.matches(inum) {
		return nil
	}
	if inum < fs.geo.FirstInum || inum > fs.geo.LastInum-1 {
		return fserr.New(fserr.Argument, "inode number out of range", fmt.Sprintf("inum=%d", inum))
	}
	g := fs.groupOfInode(inum)
	if err := fs.ensureGroup(g); err != nil {
		return err
	}
	idx := (inum - 1) % fs.geo.InodesPerGroup
	off := int64(fs.group.desc.inodeTable)*int64(fs.geo.BlockSize) + int64(idx)*int64(fs.geo.InodeSize)
	buf := make([]byte, fs.geo.InodeSize)
	n, err := fs.r.ReadAt(buf, fs.offset+off)
	if err != nil && n < len(buf) {
		return fserr.Wrap(fserr.IORead, "read inode", fmt.Sprintf("inum=%d", inum), err)
	}
	fs.ino.tag = tagOf(inum)
	fs.ino.raw = buf
	return nil
}

// bitIsSet returns bit i of a loaded allocation bitmap. An out-of-range
// index (never expected once group bounds are validated) reads as clear.
func bitIsSet(bits *bitmap.Bitmap, i uint32) bool {
	set, err := bits.IsSet(int(i))
	return err == nil && set
}

// inodeAllocFlags returns {Alloc,Unalloc} for inum via the inode bitmap,
// loading the owning group's bitmap on demand.
func (fs *FileSystem) inodeAllocFlags(inum uint32) (allocated bool, err error) {
	g := fs.groupOfInode(inum)
	if err := fs.ensureInodeBitmap(g); err != nil {
		return false, err
	}
	idx := (inum - 1) % fs.geo.InodesPerGroup
	return bitIsSet(fs.inoBm.bits, idx), nil
}
