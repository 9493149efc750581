package feed

import "sync"

// Buffer is an append-only, count-capped source of entries. Each appended
// entry receives a buffer-local sequence number so watermarks survive equal
// timestamps.
//
// Thread-safety: external sources (status, notifications, friend log) may
// append from their own goroutines while the aggregator reads.
type Buffer struct {
	mu      sync.Mutex
	source  Source
	max     int
	seq     uint64
	entries []Entry
}

// NewBuffer creates a buffer retaining at most max entries (0 = unbounded).
func NewBuffer(source Source, max int) *Buffer {
	return &Buffer{source: source, max: max}
}

// Source returns the upstream this buffer represents.
func (b *Buffer) Source() Source { return b.source }

// Append stores a copy of e and returns it with its sequence number set.
func (b *Buffer) Append(e Entry) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	b.entries = append(b.entries, e)
	if b.max > 0 && len(b.entries) > b.max {
		drop := len(b.entries) - b.max
		// Zero dropped slots before reslicing.
		for i := 0; i < drop; i++ {
			b.entries[i] = Entry{}
		}
		b.entries = b.entries[drop:]
	}
	return e
}

// Since returns entries with a sequence number greater than seq, oldest first.
func (b *Buffer) Since(seq uint64) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range b.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// All returns every retained entry, oldest first.
func (b *Buffer) All() []Entry {
	return b.Since(0)
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
