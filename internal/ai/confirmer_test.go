package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/oracle"
	"github.com/spigell/applink/internal/signal"
)

type stubGenerator struct {
	response   string
	err        error
	lastPrompt string
}

func (s *stubGenerator) GenerateContent(_ context.Context, prompt string) (string, error) {
	s.lastPrompt = prompt
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func (s *stubGenerator) Model() string {
	return "stub-model"
}

func sampleQuery() oracle.Query {
	return oracle.Query{
		Signal: signal.Signal{
			EmailID:   "e2",
			Company:   "Acme",
			Title:     "Senior Data Engineer",
			Status:    signal.StatusInterview,
			Timestamp: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
			Subject:   "Interview invitation",
		},
		Candidate: oracle.Candidate{EntityID: "app-1", Company: "Acme", Title: "Data Engineer", Status: signal.StatusApplied, Emails: 1},
		Context:   oracle.TemporalContext{DaysSinceLastEmail: 4},
	}
}

func TestConfirmerConfirm(t *testing.T) {
	stub := &stubGenerator{response: "```json\n{\"same\": true, \"category\": \"same_application\", \"rationale\": \"Same role\"}\n```"}
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewConfirmer(stub, "gemini", 0, zap.New(core))

	j, err := c.Confirm(context.Background(), sampleQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !j.Same || j.Category != oracle.CategorySame || j.Rationale != "Same role" {
		t.Fatalf("unexpected judgment: %+v", j)
	}

	for _, want := range []string{`"email_id": "e2"`, `"entity_id": "app-1"`, `"days_since_last_email": 4`, "Interview invitation"} {
		if !strings.Contains(stub.lastPrompt, want) {
			t.Fatalf("expected prompt to contain %s", want)
		}
	}
	if strings.Contains(stub.lastPrompt, "{{") {
		t.Fatalf("prompt has unreplaced placeholders")
	}

	entries := logs.FilterMessage("oracle generate content request").All()
	if len(entries) != 1 {
		t.Fatalf("expected request log entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx[logger.FieldProvider] != "gemini" || ctx[logger.FieldModel] != "stub-model" {
		t.Fatalf("expected provider and model fields, got %v", ctx)
	}
}

func TestConfirmerGeneratorError(t *testing.T) {
	stub := &stubGenerator{err: errors.New("unavailable")}
	c := NewConfirmer(stub, "anthropic", 10, zap.NewNop())

	if _, err := c.Confirm(context.Background(), sampleQuery()); err == nil {
		t.Fatalf("expected generator error")
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		same     bool
		category oracle.Category
		wantErr  bool
	}{
		{name: "plain json", raw: `{"same": false, "category": "new_cycle", "rationale": "re-applied"}`, category: oracle.CategoryNewCycle},
		{name: "string bool", raw: `{"same": "yes", "category": "same_application"}`, same: true, category: oracle.CategorySame},
		{name: "missing category", raw: `{"same": true}`, same: true, category: oracle.CategorySame},
		{name: "unknown category", raw: `{"same": false, "category": "maybe"}`, category: oracle.CategoryUncertain},
		{name: "upper category", raw: `{"same": false, "category": "DIFFERENT_POSITION"}`, category: oracle.CategoryDifferentPosition},
		{name: "json in prose", raw: "Here you go: {\"same\": true, \"reason\": \"ok\"} thanks", same: true, category: oracle.CategorySame},
		{name: "text same", raw: "Same application.", same: true, category: oracle.CategorySame},
		{name: "text different", raw: "Different role entirely", category: oracle.CategoryUncertain},
		{name: "text yes", raw: "Yes - same requisition and team.", same: true, category: oracle.CategorySame},
		{name: "text no", raw: "No, the candidate applied again after a rejection.", category: oracle.CategoryUncertain},
		{name: "negated same", raw: "This is not the same application.", wantErr: true},
		{name: "leading negation", raw: "Not the same role as the candidate.", wantErr: true},
		{name: "contraction", raw: "Same company, but it isn't the same opening.", wantErr: true},
		{name: "yes with negation", raw: "Yes, although the title is not identical.", wantErr: true},
		{name: "ambiguous text", raw: "could be same, could be different", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			j, err := parseResponse(tc.raw)
			if tc.wantErr {
				if !errors.Is(err, ErrUnparseable) {
					t.Fatalf("expected ErrUnparseable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if j.Same != tc.same || j.Category != tc.category {
				t.Fatalf("expected same=%v category=%s, got %+v", tc.same, tc.category, j)
			}
		})
	}
}

func TestParseResponseReasonFallback(t *testing.T) {
	j, err := parseResponse(`{"same": true, "reason": "matching requisition"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Rationale != "matching requisition" {
		t.Fatalf("expected reason to fill rationale, got %q", j.Rationale)
	}
}
