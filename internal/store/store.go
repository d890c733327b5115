// Package store holds application entities, the decision audit trail and ground-truth
// labels. Membership is append-only; the only way an email leaves an entity is a merge,
// which retires the absorbed entity and keeps a back-reference to the survivor.
package store

import (
	"context"
	"errors"

	"github.com/spigell/applink/internal/signal"
)

var (
	ErrNotFound       = errors.New("entity not found")
	ErrRetired        = errors.New("entity is retired")
	ErrDuplicateEmail = errors.New("email already belongs to an entity")
	ErrInvalidMerge   = errors.New("invalid merge")
	ErrInvalidLabel   = errors.New("invalid label")
)

// Filter narrows FindCandidates. The zero value returns every active entity.
type Filter struct {
	ThreadID       string
	IncludeRetired bool
}

// Match reports whether the entity passes the filter.
func (f Filter) Match(e *Entity) bool {
	if e.Retired() && !f.IncludeRetired {
		return false
	}
	if f.ThreadID != "" && !e.HasThread(f.ThreadID) {
		return false
	}
	return true
}

// Outcome is the final result of resolving one email.
type Outcome string

const (
	OutcomeLinked  Outcome = "linked"
	OutcomeCreated Outcome = "created"
)

// Method names the rule that produced a decision.
type Method string

const (
	MethodThread            Method = "thread"
	MethodRequisitionID     Method = "requisition_id"
	MethodCompanyTitleExact Method = "company_title_exact"
	MethodCompanyFuzzyLLM   Method = "company_fuzzy_llm"
	MethodForcedNew         Method = "forced_new"
	MethodNew               Method = "new"
)

// TraceEntry is one candidate considered while resolving an email.
type TraceEntry struct {
	EntityID string  `json:"entity_id" yaml:"entity_id"`
	Tier     string  `json:"tier" yaml:"tier"`
	Score    float64 `json:"score" yaml:"score"`
	Outcome  string  `json:"outcome" yaml:"outcome"`
}

// Decision is the immutable record of how one email was resolved.
type Decision struct {
	EmailID     string       `json:"email_id" yaml:"email_id"`
	Outcome     Outcome      `json:"outcome" yaml:"outcome"`
	EntityID    string       `json:"entity_id" yaml:"entity_id"`
	Method      Method       `json:"method" yaml:"method"`
	Confidence  float64      `json:"confidence" yaml:"confidence"`
	OracleCalls int          `json:"oracle_calls" yaml:"oracle_calls"`
	TieBreak    bool         `json:"tie_break,omitempty" yaml:"tie_break,omitempty"`
	Trace       []TraceEntry `json:"trace,omitempty" yaml:"trace,omitempty"`
}

// LogEntry is one transition of the resolver state machine.
type LogEntry struct {
	EmailID     string `json:"email_id" yaml:"email_id"`
	Seq         int    `json:"seq" yaml:"seq"`
	Stage       string `json:"stage" yaml:"stage"`
	Tier        string `json:"tier,omitempty" yaml:"tier,omitempty"`
	CandidateID string `json:"candidate_id,omitempty" yaml:"candidate_id,omitempty"`
	Outcome     string `json:"outcome" yaml:"outcome"`
	Rationale   string `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// Label is a human-assigned ground-truth group for one email.
type Label struct {
	EmailID string `json:"email_id" yaml:"email_id"`
	Group   string `json:"group" yaml:"group"`
}

// Store is the cluster store consumed by the resolver.
type Store interface {
	FindCandidates(ctx context.Context, filter Filter) ([]Entity, error)
	Create(ctx context.Context, sig signal.Signal) (Entity, error)
	AppendMember(ctx context.Context, entityID string, sig signal.Signal) (Entity, error)
	Merge(ctx context.Context, keepID, absorbID string) (Entity, error)
	UpdateDisplayFields(ctx context.Context, entityID string, fields DisplayFields) (Entity, error)

	Get(ctx context.Context, id string) (Entity, error)
	Entities(ctx context.Context) ([]Entity, error)
	Resolve(ctx context.Context, id string) (string, error)
	HasEmail(ctx context.Context, emailID string) (bool, error)

	AppendDecision(ctx context.Context, d Decision) error
	Decisions(ctx context.Context) ([]Decision, error)

	Append(ctx context.Context, entry LogEntry) error
	Log(ctx context.Context) ([]LogEntry, error)
}

// LabelStore keeps ground truth apart from production entities.
type LabelStore interface {
	ImportLabels(ctx context.Context, labels []Label) (int, error)
	Labels(ctx context.Context) ([]Label, error)
}
