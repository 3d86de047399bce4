package ext

import (
	"fmt"

	"github.com/coldboot/fsimage/fserr"
	"github.com/coldboot/fsimage/genfs"
)

// WalkResult is the callback's verdict, matching the source's
// CONT/STOP/ERROR protocol.
type WalkResult int

const (
	Cont WalkResult = iota
	Stop
	Abort
)

// InodeCallback is invoked once per surviving inode during InodeWalk.
type InodeCallback func(meta *genfs.Meta) WalkResult

// SurvivingNamesBuilder supplies the set of inode numbers reachable by
// at least one surviving directory entry; it stands in for the
// external directory layer's full-tree walk that spec.md delegates
// ORPHAN-set construction to.
type SurvivingNamesBuilder func(fs *FileSystem) (map[uint32]struct{}, error)

// canonicalizeFlags applies the flag-canonicalisation rule of §4.4.
func canonicalizeFlags(flags genfs.Flag) genfs.Flag {
	if flags.Has(genfs.Orphan) {
		flags |= genfs.Unalloc | genfs.Used
		flags &^= genfs.Alloc | genfs.Unused
		return flags
	}
	if !flags.Has(genfs.Alloc) && !flags.Has(genfs.Unalloc) {
		flags |= genfs.Alloc | genfs.Unalloc
	}
	if !flags.Has(genfs.Used) && !flags.Has(genfs.Unused) {
		flags |= genfs.Used | genfs.Unused
	}
	return flags
}

// InodeWalk iterates [start, end] applying flags and invoking cb for
// each surviving inode, in ascending order (inode_walk in spec.md §6).
func (fs *FileSystem) InodeWalk(start, end uint32, flags genfs.Flag, build SurvivingNamesBuilder, cb InodeCallback) error {
	if err := fs.checkOpen(); err != nil {
		return err
	}
	if start > end {
		return fserr.New(fserr.Argument, "inode walk range reversed", fmt.Sprintf("start=%d end=%d", start, end))
	}
	flags = canonicalizeFlags(flags)

	if flags.Has(genfs.Orphan) && fs.survivingNames == nil {
		if build == nil {
			return fserr.New(fserr.Argument, "orphan walk requires a surviving-names builder", "")
		}
		names, err := build(fs)
		if err != nil {
			return err
		}
		fs.survivingNames = names
	}

	realEnd := end
	deliverOrphanDir := false
	if end == fs.geo.LastInum {
		realEnd = fs.geo.LastInum - 1
		if flags&(genfs.Alloc|genfs.Used) == genfs.Alloc|genfs.Used {
			deliverOrphanDir = true
		}
	}

	var meta genfs.Meta
	if start <= realEnd {
		for inum := start; inum <= realEnd; inum++ {
			if inum < fs.geo.FirstInum {
				continue
			}
			g := fs.groupOfInode(inum)
			if err := fs.ensureInodeBitmap(g); err != nil {
				return err
			}
			idx := (inum - 1) % fs.geo.InodesPerGroup
			allocated := bitIsSet(fs.inoBm.bits, idx)

			var myflags genfs.Flag
			if allocated {
				myflags |= genfs.Alloc
			} else {
				myflags |= genfs.Unalloc
			}

			if err := fs.ensureInode(inum); err != nil {
				return err
			}
			ctime := fs.geo.Order.Uint32(fs.ino.raw[offCtime : offCtime+4])
			if ctime != 0 {
				myflags |= genfs.Used
			} else {
				myflags |= genfs.Unused
			}

			// ORPHAN canonicalisation already forced USED into the
			// requested flags regardless of this inode's actual ctime;
			// the used/unused pair is not re-checked per inode once
			// ORPHAN narrows the request, only the alloc-state pair is.
			checkFlags := myflags
			if flags.Has(genfs.Orphan) {
				checkFlags = myflags &^ (genfs.Used | genfs.Unused)
			}
			if flags&checkFlags != checkFlags {
				continue
			}
			if flags.Has(genfs.Orphan) {
				if _, ok := fs.survivingNames[inum]; ok {
					continue
				}
			}

			if err := fs.decodeInode(inum, &meta); err != nil {
				return err
			}
			switch cb(&meta) {
			case Stop:
				return nil
			case Abort:
				return fserr.New(fserr.Argument, "walk aborted by callback", fmt.Sprintf("inum=%d", inum))
			}
		}
	}

	if deliverOrphanDir {
		if err := fs.decodeOrphanDirectory(&meta); err != nil {
			return err
		}
		cb(&meta)
	}

	return nil
}

// BlockFlags classifies a disk block address (block_get_flags), per
// spec.md §4.5.
func (fs *FileSystem) BlockFlags(addr uint32) (genfs.Flag, error) {
	if err := fs.checkOpen(); err != nil {
		return 0, err
	}
	if addr == 0 {
		return genfs.Cont | genfs.Alloc, nil
	}
	if addr < fs.geo.FirstDataBlock {
		return genfs.Meta | genfs.Alloc, nil
	}

	g := fs.groupOfBlock(addr)
	if err := fs.ensureBlockBitmap(g); err != nil {
		return 0, err
	}
	if err := fs.ensureGroup(g); err != nil {
		return 0, err
	}

	idx := addr - fs.cgbase(g)
	var flags genfs.Flag
	if bitIsSet(fs.blkBm.bits, idx) {
		flags |= genfs.Alloc
	} else {
		flags |= genfs.Unalloc
	}

	desc := fs.group.desc
	inodeTableBlocks := (fs.geo.InodesPerGroup*fs.geo.InodeSize + fs.geo.BlockSize - 1) / fs.geo.BlockSize
	dmin := desc.inodeTable + inodeTableBlocks

	cgbase := fs.cgbase(g)
	isMeta := (addr >= cgbase && addr < desc.blockBitmap) ||
		addr == desc.blockBitmap || addr == desc.inodeBitmap ||
		(addr >= desc.inodeTable && addr < dmin)
	if isMeta {
		flags |= genfs.Meta
	} else {
		flags |= genfs.Cont
	}
	return flags, nil
}

// BlockCallback is invoked once per surviving block during BlockWalk.
type BlockCallback func(addr uint32, data []byte, flags genfs.Flag) WalkResult

// BlockWalk iterates [start, end] delivering blocks whose flags the
// caller admits, in ascending order (block_walk in spec.md §6).
func (fs *FileSystem) BlockWalk(start, end uint32, want genfs.Flag, cb BlockCallback) error {
	if err := fs.checkOpen(); err != nil {
		return err
	}
	if start > end {
		return fserr.New(fserr.Argument, "block walk range reversed", fmt.Sprintf("start=%d end=%d", start, end))
	}
	if !want.Has(genfs.Alloc) && !want.Has(genfs.Unalloc) {
		want |= genfs.Alloc | genfs.Unalloc
	}
	if !want.Has(genfs.Meta) && !want.Has(genfs.Cont) {
		want |= genfs.Meta | genfs.Cont
	}

	buf := make([]byte, fs.geo.BlockSize)
	for addr := start; addr <= end; addr++ {
		flags, err := fs.BlockFlags(addr)
		if err != nil {
			return err
		}
		allocPair := flags & (genfs.Alloc | genfs.Unalloc)
		metaPair := flags & (genfs.Meta | genfs.Cont)
		if want&allocPair != allocPair || want&metaPair != metaPair {
			continue
		}
		n, err := fs.r.ReadAt(buf, fs.offset+int64(addr)*int64(fs.geo.BlockSize))
		if err != nil && n < len(buf) {
			return fserr.Wrap(fserr.IORead, "read block", fmt.Sprintf("addr=%d", addr), err)
		}
		switch cb(addr, buf, flags) {
		case Stop:
			return nil
		case Abort:
			return fserr.New(fserr.Argument, "walk aborted by callback", fmt.Sprintf("addr=%d", addr))
		}
	}
	return nil
}
