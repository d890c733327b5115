package resolver

import (
	"context"
	"sync"
)

// MemoryLog is a LogSink that keeps entries in memory.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

// Entries returns a copy of all entries in arrival order.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ForEmail returns the entries of one email in arrival order.
func (l *MemoryLog) ForEmail(emailID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.EmailID == emailID {
			out = append(out, e)
		}
	}
	return out
}

// Tee fans entries out to several sinks, stopping at the first error.
type Tee []LogSink

func (t Tee) Append(ctx context.Context, e Entry) error {
	for _, s := range t {
		if err := s.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
