package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/applink/internal/linking"
	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/normalize"
	"github.com/spigell/applink/internal/oracle"
	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store    *store.Memory
	log      *MemoryLog
	resolver *Resolver
}

func newHarness(t *testing.T, orc oracle.Oracle, aliases map[string]string) *harness {
	t.Helper()

	tiers := linking.DefaultTiers()
	if orc == nil {
		linking.DisableByName(tiers, linking.TierRescue, "no oracle configured")
	}
	cfg := linking.Config{}
	if aliases != nil {
		cfg.Aliases = normalize.NewAliases(aliases)
	}
	b, err := linking.NewBuilder(cfg, tiers, zap.NewNop())
	require.NoError(t, err)

	st := store.NewMemory()
	log := NewMemoryLog()
	r, err := New(Deps{Store: st, Builder: b, Oracle: orc, Sink: log, Logger: zap.NewNop()},
		Config{OracleTimeout: time.Second})
	require.NoError(t, err)

	return &harness{store: st, log: log, resolver: r}
}

func (h *harness) resolve(t *testing.T, sig signal.Signal) LinkDecision {
	t.Helper()
	d, err := h.resolver.Resolve(context.Background(), sig)
	require.NoError(t, err)
	return d
}

func email(id string, hours int, company, title string, status signal.Status) signal.Signal {
	return signal.Signal{
		EmailID:   id,
		Company:   company,
		Title:     title,
		Status:    status,
		Timestamp: t0.Add(time.Duration(hours) * time.Hour),
	}
}

func outcomes(entries []Entry, stage State) []string {
	var out []string
	for _, e := range entries {
		if e.Stage == string(stage) {
			out = append(out, e.Outcome)
		}
	}
	return out
}

func TestThreadContinuation(t *testing.T) {
	orc := oracle.NewScripted()
	h := newHarness(t, orc, nil)

	a := email("a", 0, "Acme", "Data Engineer", signal.StatusApplied)
	a.ThreadID = "T1"
	da := h.resolve(t, a)
	assert.Equal(t, store.OutcomeCreated, da.Outcome)
	assert.Equal(t, store.MethodNew, da.Method)

	b := email("b", 24, "", "", signal.StatusInterview)
	b.ThreadID = "T1"
	db := h.resolve(t, b)

	assert.Equal(t, store.OutcomeLinked, db.Outcome)
	assert.Equal(t, da.EntityID, db.EntityID)
	assert.Equal(t, store.MethodThread, db.Method)
	assert.Equal(t, 0, db.OracleCalls)
	assert.Empty(t, orc.Calls())

	e, err := h.store.Get(context.Background(), da.EntityID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusInterview, e.Status)
	assert.Equal(t, "Acme", e.Company)
}

func TestAuthoritativeRequisitionBypassesOracle(t *testing.T) {
	orc := oracle.NewScripted()
	h := newHarness(t, orc, nil)

	a := email("a", 0, "Acme Inc.", "Software Engineer", signal.StatusApplied)
	a.RequisitionID = "R-42"
	da := h.resolve(t, a)

	b := email("b", 48, "ACME", "software engineer", signal.StatusAssessment)
	b.RequisitionID = "req r-42"
	db := h.resolve(t, b)

	assert.Equal(t, store.OutcomeLinked, db.Outcome)
	assert.Equal(t, da.EntityID, db.EntityID)
	assert.Equal(t, store.MethodRequisitionID, db.Method)
	assert.InDelta(t, 0.98, db.Confidence, 1e-9)
	assert.Empty(t, orc.Calls())
	assert.Equal(t, []string{linking.OutcomeAuthoritative}, outcomes(h.log.ForEmail("b"), StateAuthoritative))
}

func TestSafetyUnderOracleAbsence(t *testing.T) {
	h := newHarness(t, nil, nil)

	da := h.resolve(t, email("a", 0, "Acme", "Data Engineer", signal.StatusApplied))
	db := h.resolve(t, email("b", 24, "Acme", "Data Engineer", signal.StatusInterview))

	assert.Equal(t, store.OutcomeCreated, db.Outcome)
	assert.NotEqual(t, da.EntityID, db.EntityID)
	assert.Equal(t, []string{OutcomeNoOracle}, outcomes(h.log.ForEmail("b"), StatePoolBuilt)[1:])
}

func TestCompanyAliasLinksThroughExactTier(t *testing.T) {
	orc := oracle.NewScripted().On("b", "app-1", true, oracle.CategorySame)
	h := newHarness(t, orc, map[string]string{"zoom": "zoom communications"})

	da := h.resolve(t, email("a", 0, "Zoom Communications", "Product Manager", signal.StatusApplied))
	db := h.resolve(t, email("b", 24, "Zoom", "Product Manager", signal.StatusInterview))

	assert.Equal(t, store.OutcomeLinked, db.Outcome)
	assert.Equal(t, da.EntityID, db.EntityID)
	assert.Equal(t, store.MethodCompanyTitleExact, db.Method)
	assert.Equal(t, 1, db.OracleCalls)
	assert.Empty(t, outcomes(h.log.ForEmail("b"), StateRescue))
}

func TestCompanyFuzzyRescue(t *testing.T) {
	orc := oracle.NewScripted().On("b", "app-1", true, oracle.CategorySame)
	h := newHarness(t, orc, nil)

	da := h.resolve(t, email("a", 0, "Zoom Communications", "Product Manager", signal.StatusApplied))
	db := h.resolve(t, email("b", 24, "Zoom", "Product Manager", signal.StatusInterview))

	assert.Equal(t, store.OutcomeLinked, db.Outcome)
	assert.Equal(t, da.EntityID, db.EntityID)
	assert.Equal(t, store.MethodCompanyFuzzyLLM, db.Method)
	assert.InDelta(t, 0.75, db.Confidence, 1e-9)

	entries := h.log.ForEmail("b")
	assert.Equal(t, []string{OutcomeEmpty}, outcomes(entries, StateNoPool))
	assert.Equal(t, []string{"candidates=1"}, outcomes(entries, StateRescue))
	assert.Equal(t, []string{OutcomeConfirmed}, outcomes(entries, StateOraclePending))

	require.NotEmpty(t, db.Trace)
	assert.Equal(t, linking.TierRescue, db.Trace[0].Tier)
	assert.GreaterOrEqual(t, db.Trace[0].Score, 0.75)
}

func TestFuzzyRescueNeedsOracle(t *testing.T) {
	h := newHarness(t, nil, nil)

	da := h.resolve(t, email("a", 0, "Zoom Communications", "Product Manager", signal.StatusApplied))
	db := h.resolve(t, email("b", 24, "Zoom", "Product Manager", signal.StatusInterview))

	assert.Equal(t, store.OutcomeCreated, db.Outcome)
	assert.NotEqual(t, da.EntityID, db.EntityID)
}

func TestProgressedStatusGuard(t *testing.T) {
	orc := oracle.NewScripted()
	h := newHarness(t, orc, nil)

	a := email("a", 0, "Acme", "SWE", signal.StatusApplied)
	a.ThreadID = "T1"
	da := h.resolve(t, a)
	b := email("b", 24, "Acme", "SWE", signal.StatusInterview)
	b.ThreadID = "T1"
	h.resolve(t, b)

	dc := h.resolve(t, email("c", 24*40, "Acme", "SWE", signal.StatusApplied))

	assert.Equal(t, store.OutcomeCreated, dc.Outcome)
	assert.NotEqual(t, da.EntityID, dc.EntityID)

	var filtered bool
	for _, tr := range dc.Trace {
		if tr.EntityID == da.EntityID && tr.Outcome == linking.OutcomeFilteredProgressed {
			filtered = true
		}
	}
	assert.True(t, filtered, "expected %s to be filtered by the progressed-status guard", da.EntityID)

	// The rescue pass gives the filtered entity one oracle check, which rejects it.
	entries := h.log.ForEmail("c")
	assert.NotEmpty(t, outcomes(entries, StateRescue))
	assert.Equal(t, []string{OutcomeRejected}, outcomes(entries, StateOraclePending))
}

func TestProgressedStatusGuardWithoutOracle(t *testing.T) {
	h := newHarness(t, nil, nil)

	a := email("a", 0, "Acme", "SWE", signal.StatusInterview)
	da := h.resolve(t, a)
	dc := h.resolve(t, email("c", 24*40, "Acme", "SWE", signal.StatusApplied))

	assert.Equal(t, store.OutcomeCreated, dc.Outcome)
	assert.NotEqual(t, da.EntityID, dc.EntityID)
	assert.Equal(t, 0, dc.OracleCalls)
}

func TestRequisitionTitleDrift(t *testing.T) {
	first := func() signal.Signal {
		s := email("a", 0, "Acme", "Software Engineer II", signal.StatusApplied)
		s.RequisitionID = "R-42"
		return s
	}
	second := func() signal.Signal {
		s := email("b", 72, "Acme", "Senior Software Engineer", signal.StatusInterview)
		s.RequisitionID = "R-42"
		return s
	}

	t.Run("fuzzy title rule without oracle", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		da := h.resolve(t, first())
		db := h.resolve(t, second())

		assert.Equal(t, store.OutcomeLinked, db.Outcome)
		assert.Equal(t, da.EntityID, db.EntityID)
		assert.Equal(t, store.MethodRequisitionID, db.Method)
		assert.InDelta(t, 0.70, db.Confidence, 1e-9)
	})

	t.Run("deferred to oracle", func(t *testing.T) {
		orc := oracle.NewScripted().On("b", "app-1", true, oracle.CategorySame)
		h := newHarness(t, orc, nil)
		da := h.resolve(t, first())
		db := h.resolve(t, second())

		assert.Equal(t, da.EntityID, db.EntityID)
		assert.Equal(t, store.MethodRequisitionID, db.Method)
		assert.Equal(t, 1, db.OracleCalls)
		assert.Len(t, orc.Calls(), 1)
	})

	t.Run("oracle rejects", func(t *testing.T) {
		orc := oracle.NewScripted().On("b", "app-1", false, oracle.CategoryDifferentPosition)
		h := newHarness(t, orc, nil)
		da := h.resolve(t, first())
		db := h.resolve(t, second())

		assert.Equal(t, store.OutcomeCreated, db.Outcome)
		assert.NotEqual(t, da.EntityID, db.EntityID)
	})
}

func TestOracleFailuresDegradeToDifferent(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		orc := oracle.NewScripted().Fail("b", "app-1", errors.New("quota exceeded"))
		h := newHarness(t, orc, nil)
		h.resolve(t, email("a", 0, "Acme", "Data Engineer", signal.StatusApplied))
		db := h.resolve(t, email("b", 24, "Acme", "Data Engineer", signal.StatusInterview))

		assert.Equal(t, store.OutcomeCreated, db.Outcome)
		assert.Equal(t, []string{OutcomeOracleError}, outcomes(h.log.ForEmail("b"), StateOraclePending))
	})

	t.Run("timeout", func(t *testing.T) {
		slow := oracle.Func(func(ctx context.Context, _ oracle.Query) (oracle.Judgment, error) {
			<-ctx.Done()
			return oracle.Judgment{}, ctx.Err()
		})
		guarded := oracle.NewGuard(slow, oracle.GuardConfig{Timeout: 10 * time.Millisecond}, nil)
		h := newHarness(t, guarded, nil)
		h.resolve(t, email("a", 0, "Acme", "Data Engineer", signal.StatusApplied))
		db := h.resolve(t, email("b", 24, "Acme", "Data Engineer", signal.StatusInterview))

		assert.Equal(t, store.OutcomeCreated, db.Outcome)
		assert.Equal(t, []string{OutcomeOracleTimeout}, outcomes(h.log.ForEmail("b"), StateOraclePending))
	})
}

func TestOracleCallCap(t *testing.T) {
	orc := oracle.NewScripted()
	h := newHarness(t, orc, nil)

	for i := 0; i < 7; i++ {
		_, err := h.store.Create(context.Background(), email(string(rune('a'+i)), i, "Acme", "Data Engineer", signal.StatusApplied))
		require.NoError(t, err)
	}

	d := h.resolve(t, email("new", 100, "Acme", "Data Engineer", signal.StatusInterview))

	assert.Equal(t, store.OutcomeCreated, d.Outcome)
	assert.Equal(t, DefaultMaxOracleCalls, d.OracleCalls)
	assert.Len(t, orc.Calls(), DefaultMaxOracleCalls)

	seen := map[string]bool{}
	for _, c := range orc.Calls() {
		assert.False(t, seen[c.EntityID], "entity %s asked twice", c.EntityID)
		seen[c.EntityID] = true
	}
	assert.Contains(t, outcomes(h.log.ForEmail("new"), StateOraclePending), OutcomeCapReached)
}

func TestOracleAskedInPoolOrder(t *testing.T) {
	orc := oracle.NewScripted().On("c", "app-1", true, oracle.CategorySame)
	h := newHarness(t, orc, nil)

	h.resolve(t, email("a", 0, "Acme", "Data Engineer", signal.StatusApplied))
	h.resolve(t, email("b", 1, "Acme", "Data Engineer", signal.StatusApplied))

	d := h.resolve(t, email("c", 48, "Acme", "Data Engineer", signal.StatusInterview))

	// Equal scores: the most recently updated entity (app-2) is asked first.
	var calls []oracle.Call
	for _, c := range orc.Calls() {
		if c.EmailID == "c" {
			calls = append(calls, c)
		}
	}
	require.Len(t, calls, 2)
	assert.Equal(t, "app-2", calls[0].EntityID)
	assert.Equal(t, "app-1", calls[1].EntityID)
	assert.Equal(t, "app-1", d.EntityID)
	assert.True(t, d.TieBreak)
	assert.Contains(t, outcomes(h.log.ForEmail("c"), StatePoolBuilt), OutcomeTieBreak)
}

func TestForceNew(t *testing.T) {
	orc := oracle.NewScripted()
	h := newHarness(t, orc, nil)

	a := email("a", 0, "Acme", "Data Engineer", signal.StatusApplied)
	a.ThreadID = "T1"
	da := h.resolve(t, a)

	b := email("b", 1, "Acme", "Data Engineer", signal.StatusApplied)
	b.ThreadID = "T1"
	b.ForceNew = true
	db := h.resolve(t, b)

	assert.Equal(t, store.OutcomeCreated, db.Outcome)
	assert.Equal(t, store.MethodForcedNew, db.Method)
	assert.NotEqual(t, da.EntityID, db.EntityID)
	assert.Empty(t, orc.Calls())
}

func TestEmptySignalCreates(t *testing.T) {
	h := newHarness(t, oracle.NewScripted(), nil)
	h.resolve(t, email("a", 0, "Acme", "Data Engineer", signal.StatusApplied))

	d := h.resolve(t, email("b", 1, "", "", signal.StatusUnknown))
	assert.Equal(t, store.OutcomeCreated, d.Outcome)
	assert.Equal(t, store.MethodNew, d.Method)
	assert.Equal(t, 0, d.OracleCalls)
}

func TestDecisionLogSequence(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := email("a", 0, "Acme", "Data Engineer", signal.StatusApplied)
	a.ThreadID = "T1"
	h.resolve(t, a)

	b := email("b", 1, "", "", signal.StatusInterview)
	b.ThreadID = "T1"
	h.resolve(t, b)

	entries := h.log.ForEmail("b")
	require.NotEmpty(t, entries)
	stages := make([]string, 0, len(entries))
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []string{
		string(StateStart), string(StatePoolBuilt), string(StateAuthoritative), string(StateLinked),
	}, stages)

	decisions, err := h.store.Decisions(context.Background())
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
}

func TestMergeAndCorrect(t *testing.T) {
	h := newHarness(t, nil, nil)
	da := h.resolve(t, email("a", 0, "Acme", "Data Engineer", signal.StatusApplied))
	db := h.resolve(t, email("b", 1, "Acme", "Data Engineer", signal.StatusInterview))

	merged, err := h.resolver.Merge(context.Background(), da.EntityID, db.EntityID)
	require.NoError(t, err)
	assert.Len(t, merged.Members, 2)

	corrected, err := h.resolver.Correct(context.Background(), da.EntityID, store.DisplayFields{Title: "Senior Data Engineer"})
	require.NoError(t, err)
	assert.Equal(t, "Senior Data Engineer", corrected.Title)

	var stages []string
	for _, e := range h.log.Entries() {
		if e.Stage == StageMerge || e.Stage == StageCorrect {
			stages = append(stages, e.Stage)
		}
	}
	assert.Equal(t, []string{StageMerge, StageCorrect}, stages)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)

	_, err = New(Deps{Store: store.NewMemory()}, Config{})
	assert.Error(t, err)
}

type lostDecisions struct {
	*store.Memory
}

func (lostDecisions) AppendDecision(context.Context, store.Decision) error {
	return errors.New("disk full")
}

func TestMissingDecisionRecordIsReported(t *testing.T) {
	b, err := linking.NewBuilder(linking.Config{}, linking.DefaultTiers(), zap.NewNop())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.ErrorLevel)
	st := lostDecisions{store.NewMemory()}
	r, err := New(Deps{Store: st, Builder: b, Sink: NewMemoryLog(), Logger: zap.New(core)}, Config{})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), email("a", 0, "Acme", "Data Engineer", signal.StatusApplied))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app-1")

	entries := logs.FilterMessage("email stored without a decision record").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "a", fields[logger.FieldEmailID])
	assert.Equal(t, "app-1", fields[logger.FieldEntityID])
}
