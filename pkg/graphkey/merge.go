package graphkey

import "container/heap"

// MergeSources performs a k-way merge by smallest key over sources, each
// assumed to already yield records in strictly ascending key order. It
// implements the design note's "small priority queue rather than repeated
// linear scan" strategy: O(log k) per record for k sources.
//
// If two sources produce the same key, onDuplicate is called with both
// records; a non-nil error aborts the merge. If onDuplicate is nil,
// duplicates across sources raise ErrDuplicateKey.
func MergeSources(sources []RecordIter, onDuplicate func(a, b Record) error) RecordIter {
	m := &mergeIter{}
	for _, src := range sources {
		if src.Next() {
			heap.Push(&m.h, mergeHead{rec: src.Record(), src: src})
		}
	}
	heap.Init(&m.h)
	m.onDuplicate = onDuplicate
	return m
}

type mergeHead struct {
	rec Record
	src RecordIter
}

type mergeHeap []mergeHead

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].rec.Key.Less(h[j].rec.Key) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)         { *h = append(*h, x.(mergeHead)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type mergeIter struct {
	h           mergeHeap
	cur         Record
	err         error
	onDuplicate func(a, b Record) error
}

func (m *mergeIter) Next() bool {
	if m.err != nil || len(m.h) == 0 {
		return false
	}
	top := heap.Pop(&m.h).(mergeHead)
	m.cur = top.rec

	if top.src.Next() {
		heap.Push(&m.h, mergeHead{rec: top.src.Record(), src: top.src})
	} else if err := top.src.Err(); err != nil {
		m.err = err
		return false
	}

	// Fold in any other sources currently presenting the same key.
	for len(m.h) > 0 && m.h[0].rec.Key.Equal(m.cur.Key) {
		dup := heap.Pop(&m.h).(mergeHead)
		if m.onDuplicate != nil {
			if err := m.onDuplicate(m.cur, dup.rec); err != nil {
				m.err = err
				return false
			}
		} else {
			m.err = New(DuplicateKey, m.cur.Key.String(), "key present in more than one merged source")
			return false
		}
		if dup.src.Next() {
			heap.Push(&m.h, mergeHead{rec: dup.src.Record(), src: dup.src})
		} else if err := dup.src.Err(); err != nil {
			m.err = err
			return false
		}
	}
	return true
}

func (m *mergeIter) Record() Record { return m.cur }
func (m *mergeIter) Err() error     { return m.err }
func (m *mergeIter) Close() error   { return nil }
