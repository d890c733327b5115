package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spigell/applink/internal/signal"
)

// Memory is an in-process Store and LabelStore. Reads return deep copies, so a snapshot
// taken by an evaluation is never affected by a running scan.
type Memory struct {
	mu sync.RWMutex

	seq      int64
	next     int64
	entities map[string]*Entity
	order    []string
	emails   map[string]string

	decisions []Decision
	log       []LogEntry
	labels    map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		entities: make(map[string]*Entity),
		emails:   make(map[string]string),
		labels:   make(map[string]string),
	}
}

func (m *Memory) FindCandidates(_ context.Context, filter Filter) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entity, 0, len(m.order))
	for _, id := range m.order {
		e := m.entities[id]
		if filter.Match(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (m *Memory) Create(_ context.Context, sig signal.Signal) (Entity, error) {
	if strings.TrimSpace(sig.EmailID) == "" {
		return Entity{}, fmt.Errorf("create entity: email id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.emails[sig.EmailID]; ok {
		return Entity{}, fmt.Errorf("%w: %s is in %s", ErrDuplicateEmail, sig.EmailID, owner)
	}

	m.next++
	m.seq++
	e := &Entity{
		ID:         EntityID(m.next),
		UpdatedSeq: m.seq,
		Members:    []Member{NewMember(sig, m.seq)},
	}
	e.Recompute()

	m.entities[e.ID] = e
	m.order = append(m.order, e.ID)
	m.emails[sig.EmailID] = e.ID

	return e.Clone(), nil
}

func (m *Memory) AppendMember(_ context.Context, entityID string, sig signal.Signal) (Entity, error) {
	if strings.TrimSpace(sig.EmailID) == "" {
		return Entity{}, fmt.Errorf("append member: email id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.active(entityID)
	if err != nil {
		return Entity{}, err
	}
	if owner, ok := m.emails[sig.EmailID]; ok {
		return Entity{}, fmt.Errorf("%w: %s is in %s", ErrDuplicateEmail, sig.EmailID, owner)
	}

	m.seq++
	e.Members = append(e.Members, NewMember(sig, m.seq))
	e.UpdatedSeq = m.seq
	e.Recompute()
	m.emails[sig.EmailID] = e.ID

	return e.Clone(), nil
}

func (m *Memory) Merge(_ context.Context, keepID, absorbID string) (Entity, error) {
	if keepID == absorbID {
		return Entity{}, fmt.Errorf("%w: cannot merge %s into itself", ErrInvalidMerge, keepID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keep, err := m.active(keepID)
	if err != nil {
		return Entity{}, err
	}
	absorb, err := m.active(absorbID)
	if err != nil {
		return Entity{}, err
	}

	keep.Members = MergeMembers(keep.Members, absorb.Members)
	for _, mem := range absorb.Members {
		m.emails[mem.EmailID] = keep.ID
	}

	m.seq++
	keep.UpdatedSeq = m.seq
	keep.Recompute()

	absorb.Members = nil
	absorb.RetiredInto = keep.ID
	absorb.UpdatedSeq = m.seq
	absorb.Recompute()

	return keep.Clone(), nil
}

func (m *Memory) UpdateDisplayFields(_ context.Context, entityID string, fields DisplayFields) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.active(entityID)
	if err != nil {
		return Entity{}, err
	}

	m.seq++
	e.Overrides = e.Overrides.With(fields)
	e.UpdatedSeq = m.seq
	e.Recompute()

	return e.Clone(), nil
}

func (m *Memory) Get(_ context.Context, id string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Clone(), nil
}

func (m *Memory) Entities(_ context.Context) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entity, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entities[id].Clone())
	}
	return out, nil
}

func (m *Memory) Resolve(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := id
	for hops := 0; hops <= len(m.entities); hops++ {
		e, ok := m.entities[cur]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, cur)
		}
		if !e.Retired() {
			return cur, nil
		}
		cur = e.RetiredInto
	}
	return "", fmt.Errorf("resolve %s: back-reference cycle", id)
}

func (m *Memory) HasEmail(_ context.Context, emailID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.emails[emailID]
	return ok, nil
}

func (m *Memory) AppendDecision(_ context.Context, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d.Trace = append([]TraceEntry(nil), d.Trace...)
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *Memory) Decisions(_ context.Context) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Decision, len(m.decisions))
	for i, d := range m.decisions {
		d.Trace = append([]TraceEntry(nil), d.Trace...)
		out[i] = d
	}
	return out, nil
}

func (m *Memory) Append(_ context.Context, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = append(m.log, entry)
	return nil
}

func (m *Memory) Log(_ context.Context) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]LogEntry(nil), m.log...), nil
}

func (m *Memory) ImportLabels(_ context.Context, labels []Label) (int, error) {
	for _, l := range labels {
		if err := validateLabel(l); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range labels {
		m.labels[strings.TrimSpace(l.EmailID)] = strings.TrimSpace(l.Group)
	}
	return len(labels), nil
}

func (m *Memory) Labels(_ context.Context) ([]Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Label, 0, len(m.labels))
	for email, group := range m.labels {
		out = append(out, Label{EmailID: email, Group: group})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmailID < out[j].EmailID })
	return out, nil
}

func (m *Memory) active(id string) (*Entity, error) {
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Retired() {
		return nil, fmt.Errorf("%w: %s merged into %s", ErrRetired, id, e.RetiredInto)
	}
	return e, nil
}

// MergeMembers combines two member lists in arrival order.
func MergeMembers(a, b []Member) []Member {
	out := make([]Member, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
