package ntfs

import (
	"fmt"

	"github.com/coldboot/fsimage/fserr"
	"github.com/coldboot/fsimage/image"
	"github.com/sirupsen/logrus"
)

// RootInum is the well-known MFT address of the volume's root directory.
const RootInum = 5

// Options tunes behaviour the design notes call out as parameters.
type Options struct {
	Logger         *logrus.Logger
	TimeUpperBound ParserOptions // only TimeUpperBound is consulted
	PathDepthLimit int           // default 128, per spec.md §4.10
	PathBufferSize int           // default 4096, per spec.md §4.10
}

// FileSystem is one open NTFS volume handle (spec.md §3 "NTFS
// filesystem handle"). Not safe for concurrent use.
type FileSystem struct {
	r      image.ImageReader
	offset int64
	boot   *bootSector
	log    *logrus.Entry

	clusterSize   int64
	mftRecordSize int64
	mftRuns       []dataRun
	recordCount   uint64
	orphanDirAddr uint64

	orphans      *OrphanMap
	orphansBuilt bool

	opts Options
}

// Open parses the boot sector and the $MFT's own record to derive the
// volume's MFT layout.
func Open(r image.ImageReader, byteOffset int64, opts Options) (*FileSystem, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "ntfs")
	if opts.PathDepthLimit == 0 {
		opts.PathDepthLimit = 128
	}
	if opts.PathBufferSize == 0 {
		opts.PathBufferSize = 4096
	}

	buf := make([]byte, bootSectorSize)
	if n, err := r.ReadAt(buf, byteOffset); err != nil && n < len(buf) {
		return nil, fserr.Wrap(fserr.IORead, "read boot sector", "", err)
	}
	boot, err := bootSectorFromBytes(buf)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		r:       r,
		offset:  byteOffset,
		boot:    boot,
		log:     entry,
		opts:    opts,
		orphans: NewOrphanMap(),
	}
	fs.clusterSize = boot.clusterSize()
	fs.mftRecordSize = boot.recordSize(boot.mftRecordSize, fs.clusterSize)

	mft0Off := fs.offset + int64(boot.mftLCN)*fs.clusterSize
	rec0Raw := make([]byte, fs.mftRecordSize)
	if n, err := r.ReadAt(rec0Raw, mft0Off); err != nil && int64(n) < fs.mftRecordSize {
		return nil, fserr.Wrap(fserr.IORead, "read $MFT record", "", err)
	}
	rec0, err := mftRecordFromBytes(rec0Raw, int(boot.bytesPerSector))
	if err != nil {
		return nil, err
	}
	attrs, err := rec0.attributes()
	if err != nil {
		return nil, err
	}
	dataAttr := findAttr(attrs, 0x80) // $DATA
	if dataAttr == nil || !dataAttr.nonResident {
		return nil, fserr.New(fserr.Corrupt, "$MFT has no non-resident $DATA attribute", "")
	}
	runs, err := decodeRunList(dataAttr.runList)
	if err != nil {
		return nil, err
	}
	fs.mftRuns = runs
	fs.recordCount = dataAttr.realSize / uint64(fs.mftRecordSize)
	fs.orphanDirAddr = fs.recordCount

	entry.WithFields(logrus.Fields{
		"cluster_size":    fs.clusterSize,
		"mft_record_size": fs.mftRecordSize,
		"record_count":    fs.recordCount,
		"orphan_dir_addr": fs.orphanDirAddr,
	}).Debug("opened NTFS filesystem")

	return fs, nil
}

// OrphanDirAddr is the synthetic orphan-directory address analogous to
// ext's last_inum.
func (fs *FileSystem) OrphanDirAddr() uint64 { return fs.orphanDirAddr }

// mftRecordOffset maps an MFT address to a byte offset within the
// image using the $MFT's own data-run list.
func (fs *FileSystem) mftRecordOffset(addr uint64) (int64, error) {
	byteOff := int64(addr) * fs.mftRecordSize
	wantVCN := byteOff / fs.clusterSize
	withinVCN := byteOff % fs.clusterSize

	var vcn int64
	for _, run := range fs.mftRuns {
		if wantVCN >= vcn && wantVCN < vcn+run.length {
			if run.lcn < 0 {
				return 0, fserr.New(fserr.Corrupt, "MFT record falls in a sparse run", fmt.Sprintf("addr=%d", addr))
			}
			clusterIdx := wantVCN - vcn
			lcn := run.lcn + clusterIdx
			return fs.offset + lcn*fs.clusterSize + withinVCN, nil
		}
		vcn += run.length
	}
	return 0, fserr.New(fserr.Argument, "MFT address out of range", fmt.Sprintf("addr=%d", addr))
}

// readMFTRecord reads and fixes up the MFT record at addr.
func (fs *FileSystem) readMFTRecord(addr uint64) (*mftRecord, error) {
	off, err := fs.mftRecordOffset(addr)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, fs.mftRecordSize)
	if n, err := fs.r.ReadAt(raw, off); err != nil && int64(n) < fs.mftRecordSize {
		return nil, fserr.Wrap(fserr.IORead, "read MFT record", fmt.Sprintf("addr=%d", addr), err)
	}
	return mftRecordFromBytes(raw, int(fs.boot.bytesPerSector))
}

// buildOrphanMap walks every MFT record, decodes the $FILE_NAME
// attributes of the unallocated ones, and populates fs.orphans keyed by
// parent reference (C10, spec.md §4.8). A record that is itself
// unreadable or corrupt is skipped rather than aborting the whole walk,
// matching the NTFS side's general lenient-propagation policy.
func (fs *FileSystem) buildOrphanMap() error {
	fs.orphans = NewOrphanMap()
	fs.orphansBuilt = true
	for addr := uint64(0); addr < fs.recordCount; addr++ {
		rec, err := fs.readMFTRecord(addr)
		if err != nil {
			continue
		}
		if rec.inUse {
			continue
		}
		attrs, err := rec.attributes()
		if err != nil {
			continue
		}
		for _, fn := range fileNames(attrs) {
			fs.orphans.Add(fn.parentNum, addr)
		}
	}
	return nil
}

// readRuns materialises every cluster of the given data runs into one
// contiguous buffer (the "external attribute walker... used by
// NtfsDirOpener to materialise $INDEX_ALLOCATION" collaborator, given a
// concrete body here).
func (fs *FileSystem) readRuns(runs []dataRun) ([]byte, error) {
	var out []byte
	for _, run := range runs {
		length := run.length * fs.clusterSize
		if run.lcn < 0 {
			out = append(out, make([]byte, length)...)
			continue
		}
		chunk := make([]byte, length)
		off := fs.offset + run.lcn*fs.clusterSize
		if n, err := fs.r.ReadAt(chunk, off); err != nil && int64(n) < length {
			return nil, fserr.Wrap(fserr.IORead, "read data run", "", err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}
