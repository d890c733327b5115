// Package oracle defines the confirmation oracle: an external judge asked whether an
// incoming email belongs to a candidate application. Backends range from a language
// model to a scripted stub; the resolver only sees the Oracle interface.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

var (
	ErrTimeout = errors.New("oracle timed out")
	ErrOracle  = errors.New("oracle failed")
)

// Category qualifies a judgment.
type Category string

const (
	CategorySame              Category = "same_application"
	CategoryDifferentPosition Category = "different_position"
	CategoryNewCycle          Category = "new_cycle"
	CategoryUnrelated         Category = "unrelated"
	CategoryUncertain         Category = "uncertain"
	CategoryError             Category = "error"
)

var knownCategories = map[Category]struct{}{
	CategorySame: {}, CategoryDifferentPosition: {}, CategoryNewCycle: {},
	CategoryUnrelated: {}, CategoryUncertain: {}, CategoryError: {},
}

// ParseCategory maps free text to a Category; unknown values become uncertain.
func ParseCategory(raw string) Category {
	c := Category(raw)
	if _, ok := knownCategories[c]; ok {
		return c
	}
	return CategoryUncertain
}

// Judgment is the oracle's answer for one candidate.
type Judgment struct {
	Same      bool     `json:"same"`
	Category  Category `json:"category"`
	Rationale string   `json:"rationale,omitempty"`
}

// Event is one entry of an application timeline.
type Event struct {
	At      time.Time     `json:"at"`
	EmailID string        `json:"email_id"`
	Status  signal.Status `json:"status"`
	Subject string        `json:"subject,omitempty"`
}

// TemporalContext describes where the new email falls on the candidate's timeline.
type TemporalContext struct {
	NewEmailAt         time.Time `json:"new_email_at"`
	CreatedAt          time.Time `json:"created_at"`
	LastEmailAt        time.Time `json:"last_email_at"`
	DaysSinceLastEmail int       `json:"days_since_last_email"`
	RecentEvents       []Event   `json:"recent_events"`
}

// Candidate summarizes the entity under review.
type Candidate struct {
	EntityID      string        `json:"entity_id"`
	Company       string        `json:"company,omitempty"`
	Title         string        `json:"title,omitempty"`
	RequisitionID string        `json:"requisition_id,omitempty"`
	Status        signal.Status `json:"status"`
	Emails        int           `json:"emails"`
}

// Query is everything the oracle sees for one call.
type Query struct {
	Signal    signal.Signal   `json:"email"`
	Candidate Candidate       `json:"candidate"`
	Context   TemporalContext `json:"timeline"`
}

// Oracle confirms or rejects a same-application hypothesis.
type Oracle interface {
	Confirm(ctx context.Context, q Query) (Judgment, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, q Query) (Judgment, error)

func (f Func) Confirm(ctx context.Context, q Query) (Judgment, error) {
	return f(ctx, q)
}

// NewQuery builds the oracle input for a candidate entity. At most recent of the latest
// member emails are listed as events.
func NewQuery(sig signal.Signal, e store.Entity, recent int) Query {
	q := Query{
		Signal: sig,
		Candidate: Candidate{
			EntityID:      e.ID,
			Company:       e.Company,
			Title:         e.Title,
			RequisitionID: e.RequisitionID,
			Status:        e.Status,
			Emails:        len(e.Members),
		},
		Context: TemporalContext{
			NewEmailAt:  sig.Timestamp,
			CreatedAt:   e.CreatedAt,
			LastEmailAt: e.LastEmailAt,
		},
	}

	if !e.LastEmailAt.IsZero() && !sig.Timestamp.IsZero() {
		days := int(sig.Timestamp.Sub(e.LastEmailAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		q.Context.DaysSinceLastEmail = days
	}

	for _, m := range e.RecentMembers(recent) {
		q.Context.RecentEvents = append(q.Context.RecentEvents, Event{
			At:      m.Timestamp,
			EmailID: m.EmailID,
			Status:  m.Status,
			Subject: m.Subject,
		})
	}

	return q
}

// Never answers "different" for every candidate.
type Never struct{}

func (Never) Confirm(context.Context, Query) (Judgment, error) {
	return Judgment{Same: false, Category: CategoryUncertain, Rationale: "oracle disabled"}, nil
}
