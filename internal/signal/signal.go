package signal

import (
	"strings"
	"time"
)

// Status is the application stage an email reports.
type Status string

const (
	StatusUnknown           Status = "unknown"
	StatusRecruiterReachOut Status = "recruiter_reach_out"
	StatusApplied           Status = "applied"
	StatusAssessment        Status = "assessment"
	StatusInterview         Status = "interview"
	StatusOffer             Status = "offer"
	StatusOnboarding        Status = "onboarding"
	StatusRejected          Status = "rejected"
)

var statusAliases = map[string]Status{
	"unknown":             StatusUnknown,
	"recruiter_reach_out": StatusRecruiterReachOut,
	"recruiter reach out": StatusRecruiterReachOut,
	"reach_out":           StatusRecruiterReachOut,
	"applied":             StatusApplied,
	"submitted":           StatusApplied,
	"已申请":                 StatusApplied,
	"assessment":          StatusAssessment,
	"oa":                  StatusAssessment,
	"online_assessment":   StatusAssessment,
	"interview":           StatusInterview,
	"screen":              StatusInterview,
	"phone_screen":        StatusInterview,
	"面试":                  StatusInterview,
	"offer":               StatusOffer,
	"onboarding":          StatusOnboarding,
	"rejected":            StatusRejected,
	"rejection":           StatusRejected,
	"拒绝":                  StatusRejected,
}

// ParseStatus maps a free-form status label to a Status. Unrecognized input is StatusUnknown.
func ParseStatus(raw string) Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	if s, ok := statusAliases[key]; ok {
		return s
	}
	if s, ok := statusAliases[strings.ReplaceAll(key, "_", " ")]; ok {
		return s
	}
	return StatusUnknown
}

// Known reports whether the status carries information.
func (s Status) Known() bool {
	return s != "" && s != StatusUnknown
}

// Progressed reports whether the status is past the initial submission.
func (s Status) Progressed() bool {
	switch s {
	case StatusAssessment, StatusInterview, StatusOffer, StatusOnboarding, StatusRejected:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	if s == "" {
		return string(StatusUnknown)
	}
	return string(s)
}

// Signal holds the structured fields extracted from a single email.
// Empty strings mean the field carried no signal.
type Signal struct {
	EmailID       string    `json:"email_id" yaml:"email_id"`
	ThreadID      string    `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	Company       string    `json:"company,omitempty" yaml:"company,omitempty"`
	Title         string    `json:"title,omitempty" yaml:"title,omitempty"`
	RequisitionID string    `json:"requisition_id,omitempty" yaml:"requisition_id,omitempty"`
	SenderDomain  string    `json:"sender_domain,omitempty" yaml:"sender_domain,omitempty"`
	Status        Status    `json:"status" yaml:"status"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`

	// Subject and Snippet are only passed to the confirmation oracle.
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Snippet string `json:"snippet,omitempty" yaml:"snippet,omitempty"`

	// ForceNew is a manual override: the email always starts a new application.
	ForceNew bool `json:"force_new,omitempty" yaml:"force_new,omitempty"`
}

// Empty reports whether the signal has neither a company nor a title.
func (s Signal) Empty() bool {
	return strings.TrimSpace(s.Company) == "" && strings.TrimSpace(s.Title) == ""
}
