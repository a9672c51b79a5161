package event

import "encoding/binary"

// Stored is one slot of the capture buffer: the record kind, its wire
// length, and a copy of the raw bytes. The kind is stored explicitly at
// capture time rather than re-derived from the length later.
type Stored struct {
	Kind uint32
	Size int
	Raw  [EntrySize]byte
}

// Buffer is the preallocated in-memory capture array. All slots are
// allocated up front; Store never allocates and never grows the array.
// Once full, further records only bump the drop counter.
//
// Buffer is written by the single consumer goroutine only and needs no
// locking.
type Buffer struct {
	slots   []Stored
	count   int
	dropped uint64
}

// NewBuffer allocates a capture buffer for at most capacity records.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{slots: make([]Stored, capacity)}
}

// Store copies one raw record into the next free slot. It is O(1),
// allocation-free and I/O-free so it can run on the hot poll path.
// Records that do not fit or have an unknown size are counted as drops.
func (b *Buffer) Store(raw []byte) {
	if b.count >= len(b.slots) {
		b.dropped++
		return
	}
	var kind uint32
	switch len(raw) {
	case EntrySize:
		kind = binary.LittleEndian.Uint32(raw[entryOffKind:])
	case ExitSize:
		kind = binary.LittleEndian.Uint32(raw[exitOffKind:])
	default:
		b.dropped++
		return
	}
	slot := &b.slots[b.count]
	slot.Kind = kind
	slot.Size = len(raw)
	copy(slot.Raw[:], raw)
	b.count++
}

// Count returns the number of stored records.
func (b *Buffer) Count() int { return b.count }

// Capacity returns the fixed slot count decided at allocation.
func (b *Buffer) Capacity() int { return len(b.slots) }

// Dropped returns how many records arrived after the buffer was full.
func (b *Buffer) Dropped() uint64 { return b.dropped }

// At returns slot i. Valid for 0 <= i < Count().
func (b *Buffer) At(i int) *Stored { return &b.slots[i] }
