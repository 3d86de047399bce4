package ntfs

import (
	"strings"

	"github.com/coldboot/fsimage/fserr"
)

// Overflow is returned by ResolvePath when the reconstructed path would
// not fit within the configured buffer, per spec.md §4.10. Callers must
// see this distinctly from a truncated-but-silent result.
var Overflow = fserr.New(fserr.Argument, "path buffer overflow", "")

// ResolvePath walks parent references from addr up to RootInum,
// prepending one path component per level, stopping at
// opts.PathDepthLimit levels or opts.PathBufferSize bytes — whichever
// is hit first — and returning Overflow rather than a silently
// truncated string (C12, spec.md §4.10).
func (fs *FileSystem) ResolvePath(addr uint64, seq uint16) (string, error) {
	var parts []string
	budget := fs.opts.PathBufferSize
	cur := addr
	curSeq := seq

	for depth := 0; ; depth++ {
		if cur == RootInum {
			break
		}
		if depth >= fs.opts.PathDepthLimit {
			return "", Overflow
		}

		rec, err := fs.readMFTRecord(cur)
		if err != nil {
			parts = append(parts, orphanPrefix(cur))
			break
		}
		// depth 0 resolves addr itself, which need not be a directory
		// (it's typically the file being looked up); every subsequent
		// hop follows a $FILE_NAME parent reference, which must land on
		// a live, matching-sequence directory record or the walk falls
		// back to the orphan prefix instead of following a bogus parent.
		if (rec.seq != curSeq && curSeq != 0) || (depth > 0 && !rec.isDir) {
			parts = append(parts, orphanPrefix(cur))
			break
		}
		attrs, err := rec.attributes()
		if err != nil {
			parts = append(parts, orphanPrefix(cur))
			break
		}
		names := fileNames(attrs)
		if len(names) == 0 {
			parts = append(parts, orphanPrefix(cur))
			break
		}
		fn := names[0]

		budget -= len(fn.name) + 1
		if budget < 0 {
			return "", Overflow
		}
		parts = append(parts, fn.name)

		cur = fn.parentNum
		curSeq = fn.parentSeq
	}

	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	if b.Len() == 0 {
		b.WriteByte('/')
	}
	return b.String(), nil
}

// orphanPrefix synthesises a stand-in path component for a parent
// reference that can no longer be resolved to a live, matching-sequence
// record, so a reconstructed path always terminates instead of looping
// or erroring out entirely.
func orphanPrefix(addr uint64) string {
	return "$OrphanFiles"
}
