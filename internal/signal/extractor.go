package signal

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrExtraction marks an email whose content could not be turned into a signal.
var ErrExtraction = errors.New("signal extraction failed")

const maxSnippetRunes = 600

// RawEmail is the minimal email shape accepted by extractors. Fields that are already
// known (for example from an upstream classifier) can be set directly and win over
// anything the extractor infers.
type RawEmail struct {
	ID        string    `yaml:"id"`
	ThreadID  string    `yaml:"thread_id"`
	From      string    `yaml:"from"`
	Subject   string    `yaml:"subject"`
	Body      string    `yaml:"body"`
	Date      time.Time `yaml:"date"`
	ForceNew  bool      `yaml:"force_new"`
	Company   string    `yaml:"company"`
	Title     string    `yaml:"title"`
	ReqID     string    `yaml:"requisition_id"`
	StatusRaw string    `yaml:"status"`
}

// Extractor turns a raw email into a Signal.
type Extractor interface {
	Extract(ctx context.Context, email RawEmail) (Signal, error)
}

var (
	reqIDPattern = regexp.MustCompile(`(?i)\b(?:req(?:uisition)?|job)\s*(?:id|#|no\.?)?\s*[:#]?\s*([A-Z]{0,4}-?\d{3,10})\b`)
	titlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:applying|application|applied)\s+(?:for|to)\s+(?:the\s+)?(.+?)(?:\s+(?:position|role))?(?:\s+at\s+|\s*[-|:(]|$)`),
		regexp.MustCompile(`(?i)\b(?:position|role)\s*[:-]\s*(.+?)(?:\s*[-|(]|$)`),
	}

	statusKeywords = []struct {
		status   Status
		keywords []string
	}{
		{StatusOffer, []string{"offer letter", "pleased to offer", "congratulations"}},
		{StatusRejected, []string{"unfortunately", "regret to inform", "not moving forward", "other candidates", "拒绝"}},
		{StatusOnboarding, []string{"onboarding", "first day", "background check"}},
		{StatusInterview, []string{"interview", "phone screen", "onsite", "schedule a call", "面试"}},
		{StatusAssessment, []string{"assessment", "coding challenge", "take-home", "hackerrank", "codesignal"}},
		{StatusRecruiterReachOut, []string{"came across your profile", "reaching out", "would you be open"}},
		{StatusApplied, []string{"thank you for applying", "application received", "received your application", "applied", "投递", "申请"}},
	}

	freeMailDomains = map[string]struct{}{
		"gmail.com": {}, "outlook.com": {}, "hotmail.com": {}, "yahoo.com": {}, "icloud.com": {},
	}

	atsDomains = map[string]struct{}{
		"greenhouse.io": {}, "lever.co": {}, "myworkday.com": {}, "workday.com": {},
		"icims.com": {}, "smartrecruiters.com": {}, "ashbyhq.com": {}, "jobvite.com": {},
	}
)

// RulesExtractor is a deterministic keyword extractor. It never calls external services.
type RulesExtractor struct{}

func NewRulesExtractor() *RulesExtractor {
	return &RulesExtractor{}
}

func (e *RulesExtractor) Extract(_ context.Context, email RawEmail) (Signal, error) {
	id := strings.TrimSpace(email.ID)
	if id == "" {
		return Signal{}, fmt.Errorf("%w: email id is required", ErrExtraction)
	}

	domain := senderDomain(email.From)
	text := email.Subject + "\n" + email.Body

	sig := Signal{
		EmailID:       id,
		ThreadID:      strings.TrimSpace(email.ThreadID),
		Company:       strings.TrimSpace(email.Company),
		Title:         strings.TrimSpace(email.Title),
		RequisitionID: strings.TrimSpace(email.ReqID),
		SenderDomain:  domain,
		Status:        ParseStatus(email.StatusRaw),
		Timestamp:     email.Date.UTC(),
		Subject:       strings.TrimSpace(email.Subject),
		Snippet:       snippet(email.Body),
		ForceNew:      email.ForceNew,
	}

	if sig.Company == "" {
		sig.Company = companyFromDomain(domain)
	}
	if sig.Title == "" {
		sig.Title = titleFromSubject(email.Subject)
	}
	if sig.RequisitionID == "" {
		if m := reqIDPattern.FindStringSubmatch(text); m != nil {
			sig.RequisitionID = m[1]
		}
	}
	if !sig.Status.Known() {
		sig.Status = statusFromText(text)
	}

	return sig, nil
}

func titleFromSubject(subject string) string {
	for _, p := range titlePatterns {
		if m := p.FindStringSubmatch(subject); m != nil {
			if title := strings.TrimSpace(m[1]); utf8.RuneCountInString(title) >= 3 {
				return title
			}
		}
	}
	return ""
}

func statusFromText(text string) Status {
	lower := strings.ToLower(text)
	for _, rule := range statusKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.status
			}
		}
	}
	return StatusUnknown
}

func senderDomain(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}
	at := strings.LastIndex(from, "@")
	if at == -1 || at == len(from)-1 {
		return ""
	}
	return strings.ToLower(strings.Trim(from[at+1:], "> "))
}

// companyFromDomain uses the registrable label of the sender domain, ignoring
// free-mail providers and applicant tracking systems.
func companyFromDomain(domain string) string {
	if domain == "" {
		return ""
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return ""
	}
	root := strings.Join(labels[len(labels)-2:], ".")
	if _, ok := freeMailDomains[root]; ok {
		return ""
	}
	if _, ok := atsDomains[root]; ok {
		return ""
	}
	return labels[len(labels)-2]
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= maxSnippetRunes {
		return body
	}
	return string([]rune(body)[:maxSnippetRunes])
}
