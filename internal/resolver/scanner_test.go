package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/oracle"
	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

type countingRecorder struct {
	mu        sync.Mutex
	decisions int
	skipped   int
}

func (c *countingRecorder) ObserveDecision(LinkDecision, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions++
}

func (c *countingRecorder) ObserveSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped++
}

func mailbox() []signal.Signal {
	threaded := func(s signal.Signal, thread string) signal.Signal {
		s.ThreadID = thread
		return s
	}
	withReq := func(s signal.Signal, req string) signal.Signal {
		s.RequisitionID = req
		return s
	}

	// Deliberately out of order.
	return []signal.Signal{
		threaded(email("acme-2", 30, "", "", signal.StatusInterview), "T-acme"),
		threaded(email("acme-1", 0, "Acme Corp", "Data Engineer", signal.StatusApplied), "T-acme"),
		withReq(email("globex-1", 5, "Globex", "Software Engineer II", signal.StatusApplied), "R-42"),
		withReq(email("globex-2", 50, "Globex LLC", "Senior Software Engineer", signal.StatusAssessment), "R-42"),
		email("zoom-1", 10, "Zoom Communications", "Product Manager", signal.StatusApplied),
		email("zoom-2", 60, "Zoom", "Product Manager", signal.StatusInterview),
		email("acme-3", 24*60, "Acme", "Data Engineer", signal.StatusApplied),
		email("noise", 70, "", "", signal.StatusUnknown),
	}
}

func mailboxOracle() *oracle.Scripted {
	return oracle.NewScripted().
		On("globex-2", "app-2", true, oracle.CategorySame).
		On("zoom-2", "app-3", true, oracle.CategorySame).
		On("acme-3", "app-1", false, oracle.CategoryNewCycle)
}

func scan(t *testing.T, orc oracle.Oracle) (ScanSummary, *harness) {
	t.Helper()
	h := newHarness(t, orc, nil)
	sc := NewScanner(h.resolver, h.store, nil, zap.NewNop())
	summary, err := sc.Run(context.Background(), mailbox())
	require.NoError(t, err)
	return summary, h
}

func TestScannerResolvesMailbox(t *testing.T) {
	summary, h := scan(t, mailboxOracle())

	assert.Equal(t, 8, summary.Scanned)
	assert.Equal(t, 3, summary.Linked)
	assert.Equal(t, 5, summary.Created)
	assert.False(t, summary.Cancelled)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 1, summary.ByMethod[store.MethodThread])
	assert.Equal(t, 1, summary.ByMethod[store.MethodRequisitionID])
	assert.Equal(t, 1, summary.ByMethod[store.MethodCompanyFuzzyLLM])

	order := make([]string, 0, len(summary.Decisions))
	for _, d := range summary.Decisions {
		order = append(order, d.EmailID)
	}
	assert.Equal(t, []string{"acme-1", "globex-1", "zoom-1", "acme-2", "globex-2", "zoom-2", "noise", "acme-3"}, order)

	entities, err := h.store.Entities(context.Background())
	require.NoError(t, err)
	assert.Len(t, entities, 5)
}

func TestScannerIsDeterministic(t *testing.T) {
	first, h1 := scan(t, mailboxOracle())
	second, h2 := scan(t, mailboxOracle())

	assert.Equal(t, first.Decisions, second.Decisions)

	e1, err := h1.store.Entities(context.Background())
	require.NoError(t, err)
	e2, err := h2.store.Entities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e1, e2)

	assert.Equal(t, h1.log.Entries(), h2.log.Entries())
}

func TestScannerSkipsProcessedEmails(t *testing.T) {
	h := newHarness(t, mailboxOracle(), nil)
	rec := &countingRecorder{}
	sc := NewScanner(h.resolver, h.store, rec, zap.NewNop())

	_, err := sc.Run(context.Background(), mailbox())
	require.NoError(t, err)

	again, err := sc.Run(context.Background(), mailbox())
	require.NoError(t, err)

	assert.Equal(t, 0, again.Scanned)
	assert.Equal(t, 8, again.Skipped)
	assert.Equal(t, 8, rec.decisions)
	assert.Equal(t, 8, rec.skipped)

	entities, err := h.store.Entities(context.Background())
	require.NoError(t, err)
	assert.Len(t, entities, 5)
}

func TestScannerCancellation(t *testing.T) {
	h := newHarness(t, nil, nil)
	sc := NewScanner(h.resolver, h.store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := sc.Run(ctx, mailbox())
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 0, summary.Scanned)

	entities, err := h.store.Entities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entities)
}

type cancelAfter struct {
	n      int
	cancel context.CancelFunc
	count  int
}

func (c *cancelAfter) ObserveDecision(LinkDecision, time.Duration) {
	c.count++
	if c.count == c.n {
		c.cancel()
	}
}

func (c *cancelAfter) ObserveSkipped() {}

func TestScannerStopsBetweenEmails(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := NewScanner(h.resolver, h.store, &cancelAfter{n: 3, cancel: cancel}, zap.NewNop())
	summary, err := sc.Run(ctx, mailbox())
	require.NoError(t, err)

	assert.True(t, summary.Cancelled)
	assert.Equal(t, 3, summary.Scanned)

	decisions, err := h.store.Decisions(context.Background())
	require.NoError(t, err)
	assert.Len(t, decisions, 3)
}

func TestChronologicalIsStable(t *testing.T) {
	in := []signal.Signal{
		email("b", 1, "", "", signal.StatusUnknown),
		email("a", 1, "", "", signal.StatusUnknown),
		email("c", 0, "", "", signal.StatusUnknown),
	}
	out := Chronological(in)

	ids := []string{out[0].EmailID, out[1].EmailID, out[2].EmailID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, "b", in[0].EmailID, "input must not be reordered")
}

func TestScannerFinishesDecisionWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancels the scan while the oracle is judging "b", then answers once it is clear the
	// cancellation did not reach the call.
	orc := oracle.Func(func(callCtx context.Context, q oracle.Query) (oracle.Judgment, error) {
		if q.Signal.EmailID == "b" {
			cancel()
		}
		select {
		case <-callCtx.Done():
			return oracle.Judgment{}, callCtx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		return oracle.Judgment{Same: true, Category: oracle.CategorySame}, nil
	})

	h := newHarness(t, orc, nil)
	sc := NewScanner(h.resolver, h.store, nil, zap.NewNop())
	summary, err := sc.Run(ctx, []signal.Signal{
		email("a", 0, "Acme", "Data Engineer", signal.StatusApplied),
		email("b", 24, "Acme", "Data Engineer", signal.StatusInterview),
		email("c", 48, "Globex", "Product Manager", signal.StatusApplied),
	})
	require.NoError(t, err)

	assert.True(t, summary.Cancelled)
	require.Equal(t, 2, summary.Scanned)

	db := summary.Decisions[1]
	assert.Equal(t, "b", db.EmailID)
	assert.Equal(t, store.OutcomeLinked, db.Outcome)
	assert.Equal(t, "app-1", db.EntityID)
	assert.Equal(t, []string{OutcomeConfirmed}, outcomes(h.log.ForEmail("b"), StateOraclePending))

	seen, err := h.store.HasEmail(context.Background(), "c")
	require.NoError(t, err)
	assert.False(t, seen)
}
