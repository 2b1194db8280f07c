package sink

import (
	"context"
	"sync"
)

// Buffer keeps records in memory. The demo mode reads it back to print
// what would have been published.
type Buffer struct {
	mu      sync.Mutex
	records []Record
}

func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) Start(ctx context.Context) error { return nil }

func (b *Buffer) Enqueue(r Record) error {
	b.mu.Lock()
	b.records = append(b.records, r)
	b.mu.Unlock()
	return nil
}

// Records returns a copy of everything enqueued so far.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

func (b *Buffer) Close() error { return nil }

func (b *Buffer) Name() string { return "buffer" }
