package tc

// segmentSize mirrors the source's DataBuffer<11> 11-word segments
//. The reimplementation is free to
// pick any segment size; 11 is kept only as a nod to the source layout.
const segmentSize = 11

// segment is one fixed-size chunk of a SegmentedBuffer.
type segment struct {
	words [segmentSize]uint32
	n     int
	next  *segment
}

// SegmentedBuffer is an append-only chain of fixed-size word segments.
// It supports O(1) append and ordered iteration only -- no random access,
// matching the source's DataBuffer usage (key/attrinfo accumulation, and
// the three append-only buffers inside a FiredTrigger record).
type SegmentedBuffer struct {
	head, tail *segment
	len        int
}

// Append adds words to the end of the buffer.
func (b *SegmentedBuffer) Append(words ...uint32) {
	for _, w := range words {
		if b.tail == nil || b.tail.n == segmentSize {
			s := &segment{}
			if b.tail == nil {
				b.head = s
			} else {
				b.tail.next = s
			}
			b.tail = s
		}
		b.tail.words[b.tail.n] = w
		b.tail.n++
		b.len++
	}
}

// Len returns the total number of words appended.
func (b *SegmentedBuffer) Len() int { return b.len }

// Each iterates the buffer in append order.
func (b *SegmentedBuffer) Each(fn func(uint32)) {
	for s := b.head; s != nil; s = s.next {
		for i := 0; i < s.n; i++ {
			fn(s.words[i])
		}
	}
}

// Words materializes the buffer as a flat slice. Used only at the points
// the source itself flattens a DataBuffer before handing it to a signal
// (e.g. building an lqh-key-req payload) -- never for random access.
func (b *SegmentedBuffer) Words() []uint32 {
	out := make([]uint32, 0, b.len)
	b.Each(func(w uint32) { out = append(out, w) })
	return out
}

// Reset empties the buffer so its slots can be reused by a new tenant.
// Nothing in the coordinator calls it at present.
func (b *SegmentedBuffer) Reset() {
	b.head, b.tail, b.len = nil, nil, 0
}
