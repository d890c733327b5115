package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/spigell/applink/internal/signal"
)

// Member is one email attached to an application entity.
type Member struct {
	EmailID       string        `json:"email_id" yaml:"email_id"`
	ThreadID      string        `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	Seq           int64         `json:"seq" yaml:"seq"`
	Timestamp     time.Time     `json:"timestamp" yaml:"timestamp"`
	Status        signal.Status `json:"status" yaml:"status"`
	Company       string        `json:"company,omitempty" yaml:"company,omitempty"`
	Title         string        `json:"title,omitempty" yaml:"title,omitempty"`
	RequisitionID string        `json:"requisition_id,omitempty" yaml:"requisition_id,omitempty"`
	Subject       string        `json:"subject,omitempty" yaml:"subject,omitempty"`
}

// NewMember builds a member record from a signal. seq is the store-wide arrival counter.
func NewMember(sig signal.Signal, seq int64) Member {
	return Member{
		EmailID:       sig.EmailID,
		ThreadID:      sig.ThreadID,
		Seq:           seq,
		Timestamp:     sig.Timestamp,
		Status:        sig.Status,
		Company:       sig.Company,
		Title:         sig.Title,
		RequisitionID: sig.RequisitionID,
		Subject:       sig.Subject,
	}
}

// DisplayFields are manual corrections to an entity's display snapshot. Empty values are
// not overrides.
type DisplayFields struct {
	Company       string        `json:"company,omitempty" yaml:"company,omitempty"`
	Title         string        `json:"title,omitempty" yaml:"title,omitempty"`
	RequisitionID string        `json:"requisition_id,omitempty" yaml:"requisition_id,omitempty"`
	Status        signal.Status `json:"status,omitempty" yaml:"status,omitempty"`
}

// Empty reports whether no field is set.
func (d DisplayFields) Empty() bool {
	return d.Company == "" && d.Title == "" && d.RequisitionID == "" && !d.Status.Known()
}

// With returns d updated by the non-empty fields of upd.
func (d DisplayFields) With(upd DisplayFields) DisplayFields {
	if v := strings.TrimSpace(upd.Company); v != "" {
		d.Company = v
	}
	if v := strings.TrimSpace(upd.Title); v != "" {
		d.Title = v
	}
	if v := strings.TrimSpace(upd.RequisitionID); v != "" {
		d.RequisitionID = v
	}
	if upd.Status.Known() {
		d.Status = upd.Status
	}
	return d
}

// Entity is one real-world job application: an ordered list of member emails plus a
// display snapshot recomputed from them.
type Entity struct {
	ID            string        `json:"id" yaml:"id"`
	Company       string        `json:"company,omitempty" yaml:"company,omitempty"`
	Title         string        `json:"title,omitempty" yaml:"title,omitempty"`
	RequisitionID string        `json:"requisition_id,omitempty" yaml:"requisition_id,omitempty"`
	Status        signal.Status `json:"status" yaml:"status"`
	CreatedAt     time.Time     `json:"created_at" yaml:"created_at"`
	LastEmailAt   time.Time     `json:"last_email_at" yaml:"last_email_at"`
	UpdatedSeq    int64         `json:"updated_seq" yaml:"updated_seq"`
	Members       []Member      `json:"members" yaml:"members"`
	RetiredInto   string        `json:"retired_into,omitempty" yaml:"retired_into,omitempty"`
	Overrides     DisplayFields `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// EntityID formats the sequential entity id.
func EntityID(n int64) string {
	return fmt.Sprintf("app-%d", n)
}

// Retired reports whether the entity was merged into another one.
func (e *Entity) Retired() bool {
	return e.RetiredInto != ""
}

// HasThread reports whether any member belongs to the thread.
func (e *Entity) HasThread(threadID string) bool {
	if threadID == "" {
		return false
	}
	for _, m := range e.Members {
		if m.ThreadID == threadID {
			return true
		}
	}
	return false
}

// HasEmail reports whether the email is a member.
func (e *Entity) HasEmail(emailID string) bool {
	for _, m := range e.Members {
		if m.EmailID == emailID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of a store.
func (e *Entity) Clone() Entity {
	out := *e
	out.Members = append([]Member(nil), e.Members...)
	return out
}

// Recompute rebuilds the display snapshot from members and overrides.
func (e *Entity) Recompute() {
	e.Company, e.Title, e.RequisitionID = "", "", ""
	e.Status = signal.StatusUnknown
	e.CreatedAt, e.LastEmailAt = time.Time{}, time.Time{}

	for i, m := range e.Members {
		if e.Company == "" {
			e.Company = strings.TrimSpace(m.Company)
		}
		if e.Title == "" {
			e.Title = strings.TrimSpace(m.Title)
		}
		if e.RequisitionID == "" {
			e.RequisitionID = strings.TrimSpace(m.RequisitionID)
		}
		if m.Status.Known() {
			e.Status = m.Status
		}
		if i == 0 || m.Timestamp.Before(e.CreatedAt) {
			e.CreatedAt = m.Timestamp
		}
		if i == 0 || m.Timestamp.After(e.LastEmailAt) {
			e.LastEmailAt = m.Timestamp
		}
	}

	if e.Overrides.Company != "" {
		e.Company = e.Overrides.Company
	}
	if e.Overrides.Title != "" {
		e.Title = e.Overrides.Title
	}
	if e.Overrides.RequisitionID != "" {
		e.RequisitionID = e.Overrides.RequisitionID
	}
	if e.Overrides.Status.Known() {
		e.Status = e.Overrides.Status
	}
}

// RecentMembers returns up to n of the latest members, newest last.
func (e *Entity) RecentMembers(n int) []Member {
	if n <= 0 || len(e.Members) == 0 {
		return nil
	}
	if len(e.Members) <= n {
		return append([]Member(nil), e.Members...)
	}
	return append([]Member(nil), e.Members[len(e.Members)-n:]...)
}
