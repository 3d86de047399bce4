// Package genfs supplies minimal concrete bodies for the generic
// name/meta/attribute/directory containers the ext and ntfs drivers
// are specified against as external collaborators. They exist only so
// the core is compilable and testable end to end; their design is not
// part of the core's contract.
package genfs

import "time"

// FileType is the closed set of file kinds the decoders classify into,
// replacing a raw mode-bits dispatch at the edge of decoding.
type FileType int

const (
	Undef FileType = iota
	Reg
	Dir
	Socket
	Link
	Block
	Char
	Fifo
)

func (t FileType) String() string {
	switch t {
	case Reg:
		return "reg"
	case Dir:
		return "dir"
	case Socket:
		return "socket"
	case Link:
		return "link"
	case Block:
		return "block"
	case Char:
		return "char"
	case Fifo:
		return "fifo"
	default:
		return "undef"
	}
}

// Flag bits shared by inode and block classification.
type Flag uint32

const (
	Alloc Flag = 1 << iota
	Unalloc
	Used
	Unused
	Orphan
	Meta
	Cont
)

func (f Flag) Has(bit Flag) bool { return f&bit == bit }

// Perm is the decoded POSIX permission/mode-bit summary of an inode.
type Perm struct {
	Suid, Sgid, Sticky bool
	UR, UW, UX         bool
	GR, GW, GX         bool
	Oread, Owrite, Oexec bool
}

// Meta is the generic per-file metadata container (FsMeta in the spec)
// that ExtInodeDecoder and the NTFS directory opener fill in.
type Meta struct {
	Addr                     uint64
	Type                     FileType
	Perm                     Perm
	Mode                     uint16
	UID, GID                 uint32
	Size                     uint64
	Atime, Mtime, Ctime, Dtime time.Time
	Flags                    Flag
	Links                    uint32
	DirectBlocks             [12]int32
	IndirectBlocks           [3]int32
	SymlinkTarget            string
	SeqNumber                uint16
}

// Reset clears a Meta back to its zero value so the same container can
// be reused across repeated inode_lookup calls without reallocating.
func (m *Meta) Reset() { *m = Meta{} }

// Name is one directory-entry name paired with the child it refers to.
type Name struct {
	Text    string
	Addr    uint64
	SeqNum  uint16
	Type    FileType
	Flags   Flag
}

// Attr is a single named/typed attribute stream header (used by the NTFS
// side to describe $INDEX_ROOT / $INDEX_ALLOCATION / $FILE_NAME without
// materialising the generic attribute-list machinery the spec keeps
// external).
type Attr struct {
	Type     uint32
	ID       uint16
	Resident bool
	Data     []byte
}

// Dir is the generic directory container both drivers append entries
// into; order of Add calls is preserved, matching the "delivered in
// on-disk order, then orphans, then the synthetic orphan entry"
// ordering guarantee.
type Dir struct {
	Addr    uint64
	Entries []Name
}

// Add appends a name to the directory listing.
func (d *Dir) Add(n Name) { d.Entries = append(d.Entries, n) }

// File is the generic per-open-file shell released on every exit path
// of a walker callback invocation.
type File struct {
	Meta Meta
	Name Name
}
