package ntfs

import "sort"

// OrphanMap is the parent MFT address -> orphaned children map (C10,
// spec.md §3/§4.8). The source keeps a singly linked sorted structure;
// a Go map plus a lazily rebuilt sorted-keys slice is the balanced-map
// drop-in the design notes explicitly sanction, and it preserves the
// ascending-parent iteration contract tests rely on.
type OrphanMap struct {
	buckets map[uint64][]uint64
	sorted  []uint64
	dirty   bool
}

// NewOrphanMap returns an empty orphan map.
func NewOrphanMap() *OrphanMap {
	return &OrphanMap{buckets: map[uint64][]uint64{}}
}

// Add records addr as an orphan of parent. Children within one bucket
// keep ascending insertion order, mirroring the source's ordered splice.
func (m *OrphanMap) Add(parent, addr uint64) {
	bucket := m.buckets[parent]
	i := sort.Search(len(bucket), func(i int) bool { return bucket[i] >= addr })
	if i < len(bucket) && bucket[i] == addr {
		return
	}
	bucket = append(bucket, 0)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = addr
	m.buckets[parent] = bucket
	m.dirty = true
}

// Get returns the orphaned children of parent in ascending order, or
// nil if parent has none.
func (m *OrphanMap) Get(parent uint64) []uint64 {
	return m.buckets[parent]
}

// Parents returns every parent address with at least one orphan child,
// in ascending order.
func (m *OrphanMap) Parents() []uint64 {
	if m.dirty || m.sorted == nil {
		m.sorted = m.sorted[:0]
		for p := range m.buckets {
			m.sorted = append(m.sorted, p)
		}
		sort.Slice(m.sorted, func(i, j int) bool { return m.sorted[i] < m.sorted[j] })
		m.dirty = false
	}
	return m.sorted
}
