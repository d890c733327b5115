package linking

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/applink/internal/normalize"
	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type seed struct {
	id, thread, company, title, req string
	status                          signal.Status
}

func seedStore(t *testing.T, seeds ...seed) *store.Memory {
	t.Helper()

	s := store.NewMemory()
	for i, sd := range seeds {
		_, err := s.Create(context.Background(), signal.Signal{
			EmailID:       sd.id,
			ThreadID:      sd.thread,
			Company:       sd.company,
			Title:         sd.title,
			RequisitionID: sd.req,
			Status:        sd.status,
			Timestamp:     t0.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("seeding %s: %v", sd.id, err)
		}
	}
	return s
}

func newBuilder(t *testing.T, rescue bool, aliases map[string]string) *Builder {
	t.Helper()

	tiers := DefaultTiers()
	if !rescue {
		DisableByName(tiers, TierRescue, "no oracle configured")
	}

	cfg := Config{}
	if aliases != nil {
		cfg.Aliases = normalize.NewAliases(aliases)
	}

	b, err := NewBuilder(cfg, tiers, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func candidateIDs(c []Candidate) []string {
	out := make([]string, 0, len(c))
	for _, x := range c {
		out = append(out, x.Entity.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestThreadTierIsAuthoritative(t *testing.T) {
	t.Parallel()

	s := seedStore(t,
		seed{id: "a", thread: "T1", company: "Acme", status: signal.StatusApplied},
		seed{id: "b", thread: "T2", company: "Acme", status: signal.StatusApplied},
	)
	b := newBuilder(t, true, nil)

	pool, err := b.Build(context.Background(), signal.Signal{EmailID: "c", ThreadID: "T1"}, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pool.Authoritative == nil || pool.Authoritative.Entity.ID != "app-1" {
		t.Fatalf("expected authoritative thread match on app-1, got %+v", pool.Authoritative)
	}
	if pool.Authoritative.Tier != TierThread || pool.Authoritative.Score != 1 {
		t.Fatalf("unexpected authoritative candidate: %+v", pool.Authoritative)
	}
	if len(pool.Steps) != 1 || pool.Steps[0].Tier != TierThread {
		t.Fatalf("expected evaluation to stop after the thread tier, got %+v", pool.Steps)
	}
}

func TestRequisitionTier(t *testing.T) {
	t.Parallel()

	t.Run("strict title match is authoritative", func(t *testing.T) {
		s := seedStore(t,
			seed{id: "a", company: "Acme", title: "Data Engineer", req: "R-42", status: signal.StatusApplied},
			seed{id: "b", company: "Acme", title: "Data Engineer", req: "R-43", status: signal.StatusApplied},
		)
		pool, err := newBuilder(t, true, nil).Build(context.Background(), signal.Signal{
			EmailID: "c", Company: "Acme Inc.", Title: "data engineer", RequisitionID: "#r-42", Status: signal.StatusInterview,
		}, s)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pool.Authoritative == nil || pool.Authoritative.Entity.ID != "app-1" || pool.Authoritative.Tier != TierRequisition {
			t.Fatalf("expected authoritative requisition match, got %+v", pool.Authoritative)
		}
	})

	t.Run("ties prefer the most recently updated entity", func(t *testing.T) {
		s := seedStore(t,
			seed{id: "a", company: "Acme", title: "Data Engineer", req: "R-42"},
			seed{id: "b", company: "Acme", title: "Data Engineer", req: "R-42"},
		)
		pool, err := newBuilder(t, true, nil).Build(context.Background(), signal.Signal{
			EmailID: "c", Company: "Acme", Title: "Data Engineer", RequisitionID: "R-42",
		}, s)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pool.Authoritative == nil || pool.Authoritative.Entity.ID != "app-2" || !pool.TieBreak {
			t.Fatalf("expected tie-break to app-2, got %+v tie=%v", pool.Authoritative, pool.TieBreak)
		}
	})

	t.Run("title drift narrows instead of rejecting", func(t *testing.T) {
		s := seedStore(t,
			seed{id: "a", company: "Acme", title: "Software Engineer II", req: "R-42", status: signal.StatusApplied},
			seed{id: "b", company: "Acme", title: "Senior Software Engineer", req: "R-77", status: signal.StatusApplied},
			seed{id: "c", company: "Acme", title: "Product Designer", status: signal.StatusApplied},
		)
		pool, err := newBuilder(t, false, nil).Build(context.Background(), signal.Signal{
			EmailID: "d", Company: "Acme", Title: "Senior Software Engineer", RequisitionID: "R-42", Status: signal.StatusInterview,
		}, s)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pool.Authoritative != nil {
			t.Fatalf("did not expect an authoritative match")
		}
		if !equalIDs(candidateIDs(pool.Candidates), []string{"app-1"}) {
			t.Fatalf("expected narrowed pool [app-1], got %v", candidateIDs(pool.Candidates))
		}
		c := pool.Candidates[0]
		if c.Tier != TierRequisition || !c.TitleMatch {
			t.Fatalf("expected requisition tier fuzzy title match, got %+v", c)
		}
	})

	t.Run("different requisition at same company is dropped", func(t *testing.T) {
		s := seedStore(t,
			seed{id: "a", company: "Acme", title: "Data Engineer", req: "R-11"},
			seed{id: "b", company: "Acme", title: "Data Engineer"},
		)
		pool, err := newBuilder(t, false, nil).Build(context.Background(), signal.Signal{
			EmailID: "c", Company: "Acme", Title: "Data Engineer", RequisitionID: "R-99",
		}, s)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !equalIDs(candidateIDs(pool.Candidates), []string{"app-2"}) {
			t.Fatalf("expected only the legacy entity without requisition, got %v", candidateIDs(pool.Candidates))
		}

		var conflict bool
		for _, tr := range pool.Trace {
			if tr.Entity.ID == "app-1" && tr.Outcome == OutcomeFilteredReqConflict {
				conflict = true
			}
		}
		if !conflict {
			t.Fatalf("expected req conflict in trace: %+v", pool.Trace)
		}
	})

	t.Run("requisition at another company is ignored", func(t *testing.T) {
		s := seedStore(t,
			seed{id: "a", company: "Globex", title: "Data Engineer", req: "12345"},
		)
		pool, err := newBuilder(t, false, nil).Build(context.Background(), signal.Signal{
			EmailID: "b", Company: "Acme", Title: "Data Engineer", RequisitionID: "12345",
		}, s)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pool.Authoritative != nil || len(pool.Candidates) != 0 {
			t.Fatalf("expected no match across companies, got %+v", pool.Candidates)
		}
	})
}

func TestCompanyTierOrdering(t *testing.T) {
	t.Parallel()

	s := seedStore(t,
		seed{id: "a", company: "Acme", title: "Data Engineer", status: signal.StatusApplied},
		seed{id: "b", company: "Acme Corp", title: "Senior Data Engineer", status: signal.StatusApplied},
		seed{id: "c", company: "ACME", title: "Marketing Manager", status: signal.StatusApplied},
		seed{id: "d", company: "Globex", title: "Data Engineer", status: signal.StatusApplied},
		seed{id: "e", company: "Acme", status: signal.StatusApplied},
	)

	pool, err := newBuilder(t, true, nil).Build(context.Background(), signal.Signal{
		EmailID: "f", Company: "acme", Title: "Data Engineer", Status: signal.StatusInterview,
	}, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// app-3 is dropped for the title mismatch, app-5 has no title to judge.
	expect := []string{"app-1", "app-2", "app-5"}
	if got := candidateIDs(pool.Candidates); !equalIDs(got, expect) {
		t.Fatalf("expected %v, got %v", expect, got)
	}
	if pool.Candidates[0].Score != 1 || math.Abs(pool.Candidates[1].Score-2.0/3.0) > 1e-9 {
		t.Fatalf("unexpected scores: %+v", pool.Candidates)
	}
	for _, c := range pool.Candidates {
		if c.Tier != TierCompany {
			t.Fatalf("expected company tier, got %s", c.Tier)
		}
	}
	if pool.Rescued {
		t.Fatalf("rescue must not run on a non-empty pool")
	}
}

func TestCompanyTierTieBreakLogged(t *testing.T) {
	t.Parallel()

	s := seedStore(t,
		seed{id: "a", company: "Acme", status: signal.StatusApplied},
		seed{id: "b", company: "Acme", status: signal.StatusApplied},
	)

	core, observed := observer.New(zapcore.InfoLevel)
	b, err := NewBuilder(Config{}, nil, zap.New(core))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pool, err := b.Build(context.Background(), signal.Signal{EmailID: "c", Company: "Acme"}, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pool.TieBreak || pool.Candidates[0].Entity.ID != "app-2" {
		t.Fatalf("expected recency tie-break to app-2, got %+v", pool)
	}
	if observed.FilterMessage("ambiguous tie resolved by recency").Len() != 1 {
		t.Fatalf("expected tie-break to be logged")
	}
}

func TestProgressedStatusGuard(t *testing.T) {
	t.Parallel()

	s := seedStore(t,
		seed{id: "a", company: "Acme", title: "SWE", status: signal.StatusInterview},
	)

	sig := signal.Signal{EmailID: "b", Company: "Acme", Title: "SWE", Status: signal.StatusApplied}

	pool, err := newBuilder(t, false, nil).Build(context.Background(), sig, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.Candidates) != 0 || pool.BeforeRule1 != 1 {
		t.Fatalf("expected progressed entity to be filtered, got %+v (before=%d)", pool.Candidates, pool.BeforeRule1)
	}

	sig.Status = signal.StatusInterview
	pool, err = newBuilder(t, false, nil).Build(context.Background(), sig, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.Candidates) != 1 {
		t.Fatalf("expected the guard to apply only to applied emails, got %+v", pool.Candidates)
	}
}

func TestRescueTier(t *testing.T) {
	t.Parallel()

	s := seedStore(t,
		seed{id: "a", company: "Zoom Communications", title: "Product Manager", status: signal.StatusApplied},
		seed{id: "b", company: "Globex", title: "Product Manager", status: signal.StatusApplied},
	)
	sig := signal.Signal{EmailID: "c", Company: "Zoom", Title: "Product Manager", Status: signal.StatusInterview}

	pool, err := newBuilder(t, false, map[string]string{}).Build(context.Background(), sig, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.Candidates) != 0 || pool.Rescued {
		t.Fatalf("rescue must be skipped without an oracle, got %+v", pool)
	}

	pool, err = newBuilder(t, true, map[string]string{}).Build(context.Background(), sig, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pool.Rescued || !equalIDs(candidateIDs(pool.Candidates), []string{"app-1"}) {
		t.Fatalf("expected rescue to find app-1, got %+v", candidateIDs(pool.Candidates))
	}
	if pool.Candidates[0].Tier != TierRescue || pool.Candidates[0].Score < DefaultFuzzyThreshold {
		t.Fatalf("unexpected rescue candidate: %+v", pool.Candidates[0])
	}

	pool, err = newBuilder(t, true, map[string]string{"zoom": "zoom communications"}).Build(context.Background(), sig, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.Rescued || !equalIDs(candidateIDs(pool.Candidates), []string{"app-1"}) || pool.Candidates[0].Tier != TierCompany {
		t.Fatalf("expected alias to produce a company tier match, got %+v", pool.Candidates)
	}
}

func TestRescueIncludesProgressedAndCaps(t *testing.T) {
	t.Parallel()

	s := seedStore(t,
		seed{id: "a", company: "Acme", title: "Data Engineer", status: signal.StatusRejected},
		seed{id: "b", company: "Acme Labs", status: signal.StatusApplied},
		seed{id: "c", company: "Acme Lab", status: signal.StatusApplied},
		seed{id: "d", company: "Acmee", status: signal.StatusApplied},
		seed{id: "e", company: "Initech", status: signal.StatusApplied},
	)

	pool, err := newBuilder(t, true, map[string]string{}).Build(context.Background(), signal.Signal{
		EmailID: "f", Company: "Acme", Title: "Data Engineer", Status: signal.StatusApplied,
	}, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !pool.Rescued || len(pool.Candidates) != DefaultRescueTopN {
		t.Fatalf("expected %d rescued candidates, got %+v", DefaultRescueTopN, candidateIDs(pool.Candidates))
	}
	if pool.Candidates[0].Entity.ID != "app-1" || pool.Candidates[0].Score != 1 {
		t.Fatalf("expected exact company entity dropped by the guard to lead the rescue, got %+v", pool.Candidates[0])
	}

	var capped int
	for _, tr := range pool.Trace {
		if tr.Outcome == OutcomeRescueCapped {
			capped++
		}
		if tr.Entity.ID == "app-5" {
			t.Fatalf("dissimilar company must not be considered: %+v", tr)
		}
	}
	if capped != 1 {
		t.Fatalf("expected one capped candidate, got %d", capped)
	}
}

func TestEmptySignalProducesEmptyPool(t *testing.T) {
	t.Parallel()

	s := seedStore(t, seed{id: "a", company: "Acme", title: "Data Engineer"})
	pool, err := newBuilder(t, true, nil).Build(context.Background(), signal.Signal{EmailID: "b"}, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.Candidates) != 0 || pool.Authoritative != nil {
		t.Fatalf("expected empty pool, got %+v", pool)
	}
}

func TestNewBuilderValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewBuilder(Config{FuzzyThreshold: 1.5}, nil, nil); err == nil {
		t.Fatalf("expected validation error for threshold > 1")
	}
	if _, err := NewBuilder(Config{RescueTopN: -1}, nil, nil); err == nil {
		t.Fatalf("expected validation error for negative top-n")
	}

	tiers := DefaultTiers()
	DisableByName(tiers, TierRescue, "no oracle configured")
	b, err := NewBuilder(Config{FuzzyThreshold: 1.5}, tiers, nil)
	if err != nil {
		t.Fatalf("disabled tiers must not be validated: %v", err)
	}

	statuses := b.Describe()
	if len(statuses) != 5 {
		t.Fatalf("expected 5 statuses, got %d", len(statuses))
	}
	last := statuses[4]
	if last.Name != TierRescue || last.Enabled || last.Reason != "no oracle configured" {
		t.Fatalf("unexpected rescue status: %+v", last)
	}
}

func TestTitleMatcher(t *testing.T) {
	t.Parallel()

	m := NewTitleMatcher(DefaultRoleWords)

	tests := []struct {
		a, b   string
		expect bool
	}{
		{a: "Software Engineer II", b: "Senior Software Engineer", expect: true},
		{a: "Senior Accountant", b: "Senior Lawyer", expect: false},
		{a: "Data Analyst", b: "Marketing Analyst", expect: false},
		{a: "Head of Sales", b: "Head of Marketing", expect: false},
		{a: "Sr. Data Engineer", b: "Senior Data Engineer", expect: true},
		{a: "", b: "Data Engineer", expect: false},
	}

	for _, tt := range tests {
		a, _ := normalize.Title(tt.a)
		b, _ := normalize.Title(tt.b)
		if got := m.Match(a, b); got != tt.expect {
			t.Fatalf("Match(%q, %q): expected %v, got %v", tt.a, tt.b, tt.expect, got)
		}
	}

	if !m.IsRoleWord("senior") || m.IsRoleWord("head") {
		t.Fatalf("unexpected role word membership")
	}
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		got    float64
		expect float64
	}{
		{name: "ratio", got: Ratio([]rune("abcd"), []rune("bcde")), expect: 0.75},
		{name: "ratio identical", got: Ratio([]rune("acme"), []rune("acme")), expect: 1},
		{name: "ratio empty", got: Ratio(nil, nil), expect: 1},
		{name: "jaro-winkler martha", got: JaroWinkler("martha", "marhta"), expect: 0.9611},
		{name: "jaro-winkler dwayne", got: JaroWinkler("dwayne", "duane"), expect: 0.84},
		{name: "jaro-winkler disjoint", got: JaroWinkler("abc", "xyz"), expect: 0},
		{name: "short form", got: Similarity("zoom", "zoom communications"), expect: 0.8421},
	}

	for _, tt := range tests {
		if math.Abs(tt.got-tt.expect) > 0.001 {
			t.Fatalf("%s: expected %.4f, got %.4f", tt.name, tt.expect, tt.got)
		}
	}

	if Similarity("zoom", "globex") >= DefaultFuzzyThreshold {
		t.Fatalf("unrelated companies must stay below the threshold")
	}
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	if got := Jaccard("data engineer", "senior data engineer"); math.Abs(got-2.0/3.0) > 1e-9 {
		t.Fatalf("unexpected jaccard %v", got)
	}
	if Jaccard("", "data engineer") != 0 {
		t.Fatalf("expected zero for empty title")
	}
}
