package ntfs

import (
	"encoding/binary"

	"github.com/coldboot/fsimage/fserr"
	"github.com/coldboot/fsimage/genfs"
)

// $INDEX_ROOT value layout offsets.
const (
	irOffAttrType   = 0x0
	irOffAllocSize  = 0x8
	irOffHeader     = 0x10
	irhOffEntriesOf = 0x0 // within the header, relative to irOffHeader
	irhOffIndexLen  = 0x4
)

// OpenStatus mirrors the OK/CORRUPT/ERR trio of ntfs_dir_open_meta.
type OpenStatus int

const (
	StatusOK OpenStatus = iota
	StatusCorrupt
	StatusErr
)

// OpenReport carries the final status of a directory open plus every
// recoverable error encountered along the way (spec.md §7's lenient
// propagation policy for NTFS, made inspectable instead of collapsing
// to one downgraded code).
type OpenReport struct {
	Status  OpenStatus
	Issues  []error
}

func (r *OpenReport) downgrade(err error) {
	r.Issues = append(r.Issues, err)
	if r.Status == StatusOK {
		r.Status = StatusCorrupt
	}
}

// fileNameAttrValue decodes one resident $FILE_NAME attribute value.
type fileNameAttrValue struct {
	parentNum uint64
	parentSeq uint16
	name      string
	isDir     bool
	nspace    uint8
}

// decodeFileNameAttrValue decodes value without filtering by namespace;
// callers that only want surviving directory-listing names reject
// nspaceDOS themselves (see fileNames), while FindFile's nameFlags
// filter needs every namespace visible.
func decodeFileNameAttrValue(value []byte) (fileNameAttrValue, bool) {
	if len(value) < fnameFixedLen {
		return fileNameAttrValue{}, false
	}
	nameLen := int(value[fnOffNameLen])
	nspace := value[fnOffNspace]
	nameBytes := nameLen * 2
	if fnOffName+nameBytes > len(value) {
		return fileNameAttrValue{}, false
	}
	parentRaw := binary.LittleEndian.Uint64(value[fnOffParentRef : fnOffParentRef+8])
	parentNum, parentSeq := splitMFTRef(parentRaw)
	flagsWord := binary.LittleEndian.Uint32(value[fnOffFlags : fnOffFlags+4])
	name := sanitizeNTFSName(decodeUTF16Lenient(value[fnOffName : fnOffName+nameBytes]))
	return fileNameAttrValue{
		parentNum: parentNum,
		parentSeq: parentSeq,
		name:      name,
		isDir:     flagsWord&fnameDirFlag != 0,
		nspace:    nspace,
	}, true
}

// fileNames returns every decoded $FILE_NAME attribute attached to rec,
// excluding DOS-namespace short names (the 8.3 alias alongside a WIN32
// long name never adds an independent directory entry here).
func fileNames(attrs []attribute) []fileNameAttrValue {
	var out []fileNameAttrValue
	for i := range attrs {
		if attrs[i].typ != attrTypeFileName || attrs[i].nonResident {
			continue
		}
		fn, ok := decodeFileNameAttrValue(attrs[i].value)
		if !ok || fn.nspace == nspaceDOS {
			continue
		}
		out = append(out, fn)
	}
	return out
}

// DirOpenMeta composes C8-C10 to produce a directory listing (C11,
// spec.md §4.9): synthesised "."/".." (non-root directories only),
// resident $INDEX_ROOT entries, non-resident $INDEX_ALLOCATION entries
// (fixed up per record), orphan children, and at the root the synthetic
// $OrphanFiles entry, in that order.
func (fs *FileSystem) DirOpenMeta(addr uint64) (*genfs.Dir, *OpenReport) {
	report := &OpenReport{Status: StatusOK}
	dir := &genfs.Dir{Addr: addr}

	if addr == fs.orphanDirAddr {
		fs.appendAllOrphans(dir)
		return dir, report
	}

	rec, err := fs.readMFTRecord(addr)
	if err != nil {
		report.Status = StatusErr
		report.Issues = append(report.Issues, err)
		return dir, report
	}
	attrs, err := rec.attributes()
	if err != nil {
		report.Status = StatusErr
		report.Issues = append(report.Issues, err)
		return dir, report
	}

	root := findAttr(attrs, attrTypeIndexRoot)
	if root == nil || root.nonResident {
		report.Status = StatusErr
		report.Issues = append(report.Issues, fserr.New(fserr.Corrupt, "missing resident $INDEX_ROOT", ""))
		return dir, report
	}
	if len(root.value) < irOffHeader+irhOffIndexLen+4 {
		report.Status = StatusErr
		report.Issues = append(report.Issues, fserr.New(fserr.Corrupt, "$INDEX_ROOT too short", ""))
		return dir, report
	}
	sortKey := binary.LittleEndian.Uint32(root.value[irOffAttrType : irOffAttrType+4])
	if sortKey != attrTypeFileName {
		report.Status = StatusErr
		report.Issues = append(report.Issues, fserr.New(fserr.Unsupported, "non-$FILE_NAME index sort key", ""))
		return dir, report
	}

	names := fileNames(attrs)
	if addr != RootInum {
		dir.Add(genfs.Name{Text: ".", Addr: addr, SeqNum: rec.seq, Type: genfs.Dir, Flags: genfs.Alloc})
		for _, fn := range names {
			dir.Add(genfs.Name{Text: "..", Addr: fn.parentNum, SeqNum: fn.parentSeq, Type: genfs.Dir, Flags: genfs.Alloc})
		}
	}

	entriesOff := int(irOffHeader) + int(binary.LittleEndian.Uint32(root.value[irOffHeader+irhOffEntriesOf:irOffHeader+irhOffEntriesOf+4]))
	indexLen := int(binary.LittleEndian.Uint32(root.value[irOffHeader+irhOffIndexLen : irOffHeader+irhOffIndexLen+4]))
	if entriesOff > len(root.value) {
		report.downgrade(fserr.New(fserr.Corrupt, "$INDEX_ROOT entries offset out of range", ""))
	} else {
		entryBuf := root.value[entriesOff:]
		usedLen := indexLen - (entriesOff - irOffHeader)
		if usedLen < 0 {
			usedLen = 0
		}
		entries, perr := ParseIndexEntries(entryBuf, usedLen, !rec.inUse, fs.parserOpts())
		if perr != nil {
			report.downgrade(perr)
		}
		appendEntries(dir, entries)
	}

	if alloc := findAttr(attrs, attrTypeIndexAllocation); alloc != nil {
		if !alloc.nonResident {
			report.downgrade(fserr.New(fserr.Corrupt, "$INDEX_ALLOCATION must be non-resident", ""))
		} else if runs, rerr := decodeRunList(alloc.runList); rerr != nil {
			report.downgrade(rerr)
		} else if buf, rerr := fs.readRuns(runs); rerr != nil {
			report.downgrade(rerr)
		} else {
			fs.scanIndexAllocation(buf, !rec.inUse, dir, report)
		}
	}

	if !fs.orphansBuilt {
		if err := fs.buildOrphanMap(); err != nil {
			report.downgrade(err)
		}
	}
	for _, childAddr := range fs.orphans.Get(addr) {
		childRec, err := fs.readMFTRecord(childAddr)
		if err != nil {
			report.downgrade(err)
			continue
		}
		childAttrs, err := childRec.attributes()
		if err != nil {
			report.downgrade(err)
			continue
		}
		for _, fn := range fileNames(childAttrs) {
			if fn.parentNum == addr {
				typ := genfs.Reg
				if fn.isDir {
					typ = genfs.Dir
				}
				dir.Add(genfs.Name{Text: fn.name, Addr: childAddr, SeqNum: childRec.seq, Type: typ, Flags: genfs.Unalloc})
			}
		}
	}

	if addr == RootInum {
		dir.Add(genfs.Name{Text: "$OrphanFiles", Addr: fs.orphanDirAddr, Type: genfs.Dir, Flags: genfs.Alloc | genfs.Orphan})
	}

	return dir, report
}

func (fs *FileSystem) parserOpts() ParserOptions {
	p := fs.opts.TimeUpperBound
	p.FirstInum = 0
	p.LastInum = fs.recordCount - 1
	return p
}

func appendEntries(dir *genfs.Dir, entries []IndexEntry) {
	for _, e := range entries {
		if e.NameSpace == nspaceDOS {
			continue
		}
		typ := genfs.Reg
		if e.IsDir {
			typ = genfs.Dir
		}
		dir.Add(genfs.Name{Text: e.Name, Addr: e.ChildRef, SeqNum: e.ChildSeq, Type: typ, Flags: e.Flags})
	}
}

// scanIndexAllocation iterates buf in index-record-sized steps, fixes
// up each INDX-tagged record, and parses its entry list, per spec.md
// §4.9 step 6.
func (fs *FileSystem) scanIndexAllocation(buf []byte, isDeleted bool, dir *genfs.Dir, report *OpenReport) {
	recSize := fs.boot.recordSize(fs.boot.indexRecordSize, fs.clusterSize)
	if recSize <= 0 {
		report.downgrade(fserr.New(fserr.Corrupt, "invalid index record size", ""))
		return
	}
	for off := int64(0); off+recSize <= int64(len(buf)); off += recSize {
		rec := buf[off : off+recSize]
		if !hasIndexMagic(rec) {
			continue
		}
		if _, err := fixupRecord(rec, int(fs.boot.bytesPerSector)); err != nil {
			report.downgrade(err)
			continue
		}
		entriesOff := int(irOffHeader) + int(binary.LittleEndian.Uint32(rec[irOffHeader+irhOffEntriesOf:irOffHeader+irhOffEntriesOf+4]))
		indexLen := int(binary.LittleEndian.Uint32(rec[irOffHeader+irhOffIndexLen : irOffHeader+irhOffIndexLen+4]))
		if entriesOff > len(rec) {
			report.downgrade(fserr.New(fserr.Corrupt, "index record entries offset out of range", ""))
			continue
		}
		usedLen := indexLen - (entriesOff - irOffHeader)
		if usedLen < 0 {
			usedLen = 0
		}
		entries, perr := ParseIndexEntries(rec[entriesOff:], usedLen, isDeleted, fs.parserOpts())
		if perr != nil {
			report.downgrade(perr)
		}
		appendEntries(dir, entries)
	}
}

// appendAllOrphans fills the synthetic orphan directory with every
// orphan inode on the volume, across all parents, in ascending parent
// then ascending address order.
func (fs *FileSystem) appendAllOrphans(dir *genfs.Dir) {
	if !fs.orphansBuilt {
		_ = fs.buildOrphanMap()
	}
	for _, parent := range fs.orphans.Parents() {
		for _, addr := range fs.orphans.Get(parent) {
			dir.Add(genfs.Name{Text: "", Addr: addr, Type: genfs.Undef, Flags: genfs.Unalloc | genfs.Orphan})
		}
	}
}
