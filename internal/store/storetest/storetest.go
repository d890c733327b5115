// Package storetest holds the behaviour suite every store implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

// Backend is a store that also keeps labels.
type Backend interface {
	store.Store
	store.LabelStore
}

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) Backend

var base = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func sig(id, thread, company, title, req string, status signal.Status, day int) signal.Signal {
	return signal.Signal{
		EmailID:       id,
		ThreadID:      thread,
		Company:       company,
		Title:         title,
		RequisitionID: req,
		Status:        status,
		Timestamp:     base.AddDate(0, 0, day),
		Subject:       "subject " + id,
	}
}

// Run executes the suite against the factory.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("create assigns sequential ids", func(t *testing.T) { testCreate(t, newBackend(t)) })
	t.Run("append recomputes display fields", func(t *testing.T) { testAppend(t, newBackend(t)) })
	t.Run("one entity per email", func(t *testing.T) { testDuplicateEmail(t, newBackend(t)) })
	t.Run("find candidates by thread", func(t *testing.T) { testFindByThread(t, newBackend(t)) })
	t.Run("merge retires absorbed entity", func(t *testing.T) { testMerge(t, newBackend(t)) })
	t.Run("display overrides win", func(t *testing.T) { testOverrides(t, newBackend(t)) })
	t.Run("decisions and log are append-only", func(t *testing.T) { testDecisions(t, newBackend(t)) })
	t.Run("labels are independent", func(t *testing.T) { testLabels(t, newBackend(t)) })
	t.Run("snapshots are isolated", func(t *testing.T) { testSnapshots(t, newBackend(t)) })
	t.Run("concurrent readers", func(t *testing.T) { testConcurrentReaders(t, newBackend(t)) })
}

func testCreate(t *testing.T, s Backend) {
	ctx := context.Background()

	e1, err := s.Create(ctx, sig("m1", "T1", "Acme", "Data Engineer", "R-1", signal.StatusApplied, 0))
	require.NoError(t, err)
	e2, err := s.Create(ctx, sig("m2", "", "Globex", "Analyst", "", signal.StatusApplied, 1))
	require.NoError(t, err)

	assert.Equal(t, "app-1", e1.ID)
	assert.Equal(t, "app-2", e2.ID)
	assert.Equal(t, "Acme", e1.Company)
	assert.Equal(t, "R-1", e1.RequisitionID)
	assert.Equal(t, signal.StatusApplied, e1.Status)
	assert.True(t, e1.CreatedAt.Equal(base))
	assert.Greater(t, e2.UpdatedSeq, e1.UpdatedSeq)

	got, err := s.Get(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, got.Members, 1)
	assert.Equal(t, "m1", got.Members[0].EmailID)
	assert.Equal(t, "T1", got.Members[0].ThreadID)

	_, err = s.Get(ctx, "app-99")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	ok, err := s.HasEmail(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasEmail(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testAppend(t *testing.T, s Backend) {
	ctx := context.Background()

	e, err := s.Create(ctx, sig("m1", "T1", "", "", "", signal.StatusApplied, 2))
	require.NoError(t, err)

	e, err = s.AppendMember(ctx, e.ID, sig("m2", "T1", "Acme", "Data Engineer", "", signal.StatusInterview, 5))
	require.NoError(t, err)
	e, err = s.AppendMember(ctx, e.ID, sig("m3", "", "Acme Corp", "Senior Data Engineer", "R-9", signal.StatusUnknown, 1))
	require.NoError(t, err)

	require.Len(t, e.Members, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, emailIDs(e.Members))
	assert.Equal(t, "Acme", e.Company)
	assert.Equal(t, "Data Engineer", e.Title)
	assert.Equal(t, "R-9", e.RequisitionID)
	assert.Equal(t, signal.StatusInterview, e.Status)
	assert.True(t, e.CreatedAt.Equal(base.AddDate(0, 0, 1)))
	assert.True(t, e.LastEmailAt.Equal(base.AddDate(0, 0, 5)))
}

func testDuplicateEmail(t *testing.T, s Backend) {
	ctx := context.Background()

	e, err := s.Create(ctx, sig("m1", "", "Acme", "", "", signal.StatusApplied, 0))
	require.NoError(t, err)
	other, err := s.Create(ctx, sig("m2", "", "Globex", "", "", signal.StatusApplied, 0))
	require.NoError(t, err)

	_, err = s.Create(ctx, sig("m1", "", "Acme", "", "", signal.StatusApplied, 0))
	assert.True(t, errors.Is(err, store.ErrDuplicateEmail), "got %v", err)

	_, err = s.AppendMember(ctx, other.ID, sig("m1", "", "Acme", "", "", signal.StatusApplied, 0))
	assert.True(t, errors.Is(err, store.ErrDuplicateEmail), "got %v", err)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 1)
}

func testFindByThread(t *testing.T, s Backend) {
	ctx := context.Background()

	_, err := s.Create(ctx, sig("m1", "T1", "Acme", "", "", signal.StatusApplied, 0))
	require.NoError(t, err)
	_, err = s.Create(ctx, sig("m2", "T2", "Acme", "", "", signal.StatusApplied, 1))
	require.NoError(t, err)

	all, err := s.FindCandidates(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byThread, err := s.FindCandidates(ctx, store.Filter{ThreadID: "T2"})
	require.NoError(t, err)
	require.Len(t, byThread, 1)
	assert.Equal(t, "app-2", byThread[0].ID)

	none, err := s.FindCandidates(ctx, store.Filter{ThreadID: "T3"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testMerge(t *testing.T, s Backend) {
	ctx := context.Background()

	a, err := s.Create(ctx, sig("m1", "", "Zoom Communications", "Product Manager", "", signal.StatusApplied, 0))
	require.NoError(t, err)
	b, err := s.Create(ctx, sig("m2", "", "Zoom", "Product Manager", "", signal.StatusInterview, 3))
	require.NoError(t, err)
	_, err = s.AppendMember(ctx, a.ID, sig("m3", "", "Zoom", "", "", signal.StatusUnknown, 4))
	require.NoError(t, err)

	merged, err := s.Merge(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, emailIDs(merged.Members))
	assert.Equal(t, signal.StatusInterview, merged.Status)
	assert.Equal(t, "Zoom Communications", merged.Company)

	retired, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, retired.RetiredInto)
	assert.Empty(t, retired.Members)

	resolved, err := s.Resolve(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, resolved)

	active, err := s.FindCandidates(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, active, 1)

	withRetired, err := s.FindCandidates(ctx, store.Filter{IncludeRetired: true})
	require.NoError(t, err)
	assert.Len(t, withRetired, 2)

	_, err = s.AppendMember(ctx, b.ID, sig("m4", "", "Zoom", "", "", signal.StatusApplied, 5))
	assert.True(t, errors.Is(err, store.ErrRetired), "got %v", err)

	_, err = s.Merge(ctx, a.ID, a.ID)
	assert.True(t, errors.Is(err, store.ErrInvalidMerge), "got %v", err)
	_, err = s.Merge(ctx, a.ID, b.ID)
	assert.True(t, errors.Is(err, store.ErrRetired), "got %v", err)

	// Merged emails still count as processed.
	ok, err := s.HasEmail(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.AppendMember(ctx, a.ID, sig("m2", "", "Zoom", "", "", signal.StatusApplied, 5))
	assert.True(t, errors.Is(err, store.ErrDuplicateEmail), "got %v", err)
}

func testOverrides(t *testing.T, s Backend) {
	ctx := context.Background()

	e, err := s.Create(ctx, sig("m1", "", "acme hr", "swe", "", signal.StatusApplied, 0))
	require.NoError(t, err)

	e, err = s.UpdateDisplayFields(ctx, e.ID, store.DisplayFields{Company: "Acme", Status: signal.StatusOffer})
	require.NoError(t, err)
	assert.Equal(t, "Acme", e.Company)
	assert.Equal(t, "swe", e.Title)
	assert.Equal(t, signal.StatusOffer, e.Status)

	e, err = s.UpdateDisplayFields(ctx, e.ID, store.DisplayFields{Title: "Software Engineer"})
	require.NoError(t, err)
	assert.Equal(t, "Acme", e.Company)
	assert.Equal(t, "Software Engineer", e.Title)

	e, err = s.AppendMember(ctx, e.ID, sig("m2", "", "Other", "Other", "", signal.StatusRejected, 2))
	require.NoError(t, err)
	assert.Equal(t, "Acme", e.Company)
	assert.Equal(t, signal.StatusOffer, e.Status)

	_, err = s.UpdateDisplayFields(ctx, "app-404", store.DisplayFields{Company: "x"})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testDecisions(t *testing.T, s Backend) {
	ctx := context.Background()

	d := store.Decision{
		EmailID:    "m1",
		Outcome:    store.OutcomeCreated,
		EntityID:   "app-1",
		Method:     store.MethodNew,
		Confidence: 0,
		Trace:      []store.TraceEntry{{EntityID: "app-0", Tier: "company", Score: 0.5, Outcome: "rejected"}},
	}
	require.NoError(t, s.AppendDecision(ctx, d))
	require.NoError(t, s.AppendDecision(ctx, store.Decision{
		EmailID: "m2", Outcome: store.OutcomeLinked, EntityID: "app-1", Method: store.MethodThread, Confidence: 1,
	}))

	got, err := s.Decisions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, d, got[0])
	assert.Equal(t, store.MethodThread, got[1].Method)

	got[0].Trace[0].Outcome = "mutated"
	again, err := s.Decisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rejected", again[0].Trace[0].Outcome)

	entries := []store.LogEntry{
		{EmailID: "m1", Seq: 1, Stage: "START", Outcome: "pool_built"},
		{EmailID: "m1", Seq: 2, Stage: "CREATED", CandidateID: "", Outcome: "created", Rationale: "empty pool"},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}
	log, err := s.Log(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, log)
}

func testLabels(t *testing.T, s Backend) {
	ctx := context.Background()

	n, err := s.ImportLabels(ctx, []store.Label{
		{EmailID: "m2", Group: "g1"},
		{EmailID: "m1", Group: "g1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.ImportLabels(ctx, []store.Label{{EmailID: "m1", Group: "g2"}})
	require.NoError(t, err)

	_, err = s.ImportLabels(ctx, []store.Label{{EmailID: "", Group: "g"}})
	assert.True(t, errors.Is(err, store.ErrInvalidLabel), "got %v", err)

	labels, err := s.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Label{{EmailID: "m1", Group: "g2"}, {EmailID: "m2", Group: "g1"}}, labels)

	entities, err := s.Entities(ctx)
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func testSnapshots(t *testing.T, s Backend) {
	ctx := context.Background()

	e, err := s.Create(ctx, sig("m1", "", "Acme", "", "", signal.StatusApplied, 0))
	require.NoError(t, err)

	e.Members[0].EmailID = "mutated"
	e.Members = append(e.Members, store.Member{EmailID: "ghost"})

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, emailIDs(got.Members))
}

func testConcurrentReaders(t *testing.T, s Backend) {
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := s.Create(ctx, sig(id, "", "Acme", "", "", signal.StatusApplied, i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.Entities(ctx); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Decisions(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent read failed: %v", err)
	}
}

func emailIDs(members []store.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.EmailID)
	}
	return out
}
