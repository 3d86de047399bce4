package ntfs

import (
	"fmt"

	"github.com/coldboot/fsimage/fserr"
	"github.com/coldboot/fsimage/genfs"
)

// FindResult is the callback verdict for FindFile, the same
// CONT/STOP/ERROR protocol the ext package's InodeWalk/BlockWalk use.
type FindResult int

const (
	FindCont FindResult = iota
	FindStop
	FindAbort
)

// Namespace bits consulted by FindFile's nameFlags filter; spec.md §6
// fixes the namespace-value encoding (POSIX=0, WIN32=1, DOS=2, WINDOS=3)
// this turns into a bitmask so a caller can admit more than one.
const (
	NameFlagPosix  uint8 = 1 << nspacePosix
	NameFlagWin32  uint8 = 1 << nspaceWin32
	NameFlagDOS    uint8 = 1 << nspaceDOS
	NameFlagWindos uint8 = 1 << nspaceWindos
)

// FindFileCallback is invoked once per attribute of the target record
// that survives FindFile's filters. parentAddr is the owning directory
// for $FILE_NAME attributes (the record's own address otherwise); name
// is the decoded name for $FILE_NAME attributes and empty otherwise.
type FindFileCallback func(parentAddr uint64, name string, attr genfs.Attr) FindResult

// FindFile implements ntfs_find_file (C12's sibling lookup, spec.md §6):
// given an MFT address, it walks that record's own attributes and
// invokes cb once per attribute whose type, instance id, and (for
// $FILE_NAME attributes) namespace survive the three filters, the way
// the source resolves a specific named stream or a specific hard-link
// name without re-deriving it from a parent directory's listing.
//
// typeFilter of 0 admits every attribute type; idFilter of 0 admits
// every instance id; nameFlags of 0 admits every $FILE_NAME namespace
// (and is ignored for non-$FILE_NAME attributes).
func (fs *FileSystem) FindFile(inum uint64, typeFilter uint32, idFilter uint16, nameFlags uint8, cb FindFileCallback) error {
	rec, err := fs.readMFTRecord(inum)
	if err != nil {
		return err
	}
	attrs, err := rec.attributes()
	if err != nil {
		return err
	}

	for _, a := range attrs {
		if typeFilter != 0 && a.typ != typeFilter {
			continue
		}
		if idFilter != 0 && a.id != idFilter {
			continue
		}

		parentAddr := inum
		name := ""
		if a.typ == attrTypeFileName && !a.nonResident {
			fn, ok := decodeFileNameAttrValue(a.value)
			if !ok {
				continue
			}
			if nameFlags != 0 && nameFlags&(uint8(1)<<fn.nspace) == 0 {
				continue
			}
			parentAddr = fn.parentNum
			name = fn.name
		}

		ga := genfs.Attr{Type: a.typ, ID: a.id, Resident: !a.nonResident, Data: a.value}
		switch cb(parentAddr, name, ga) {
		case FindStop:
			return nil
		case FindAbort:
			return fserr.New(fserr.Argument, "find_file aborted by callback", fmt.Sprintf("inum=%d", inum))
		}
	}
	return nil
}
