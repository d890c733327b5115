package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Call records one query seen by a Scripted oracle.
type Call struct {
	EmailID  string
	EntityID string
}

// Scripted answers from a fixed table keyed by (email id, entity id). Unscripted pairs
// are judged different. It is used by tests and by replaying recorded judgments.
type Scripted struct {
	mu       sync.Mutex
	answers  map[Call]Judgment
	failures map[Call]error
	calls    []Call
}

func NewScripted() *Scripted {
	return &Scripted{
		answers:  make(map[Call]Judgment),
		failures: make(map[Call]error),
	}
}

// On scripts the answer for an email/entity pair.
func (s *Scripted) On(emailID, entityID string, same bool, category Category) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[Call{EmailID: emailID, EntityID: entityID}] = Judgment{
		Same:      same,
		Category:  category,
		Rationale: fmt.Sprintf("scripted %s", category),
	}
	return s
}

// Fail makes the pair return err.
func (s *Scripted) Fail(emailID, entityID string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[Call{EmailID: emailID, EntityID: entityID}] = err
	return s
}

func (s *Scripted) Confirm(ctx context.Context, q Query) (Judgment, error) {
	if err := ctx.Err(); err != nil {
		return Judgment{}, err
	}

	key := Call{EmailID: q.Signal.EmailID, EntityID: q.Candidate.EntityID}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, key)

	if err, ok := s.failures[key]; ok {
		return Judgment{}, err
	}
	if j, ok := s.answers[key]; ok {
		return j, nil
	}
	return Judgment{Same: false, Category: CategoryUnrelated, Rationale: "not scripted"}, nil
}

// Calls returns the queries seen so far, in order.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}
