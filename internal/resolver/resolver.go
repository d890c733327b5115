// Package resolver decides, for each incoming email, whether it continues an existing
// application entity or starts a new one. The decision runs as a small state machine:
//
//	START -> POOL_BUILT -> AUTHORITATIVE_LINK -> LINKED
//	                    -> ORACLE_PENDING -> LINKED | CREATED
//	                    -> NO_POOL -> RESCUE -> ORACLE_PENDING ...
//	                               -> CREATED
//
// Every transition is written to the decision log.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/applink/internal/linking"
	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/oracle"
	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

type (
	LinkDecision = store.Decision
	Entry        = store.LogEntry
)

type State string

const (
	StateStart         State = "START"
	StatePoolBuilt     State = "POOL_BUILT"
	StateAuthoritative State = "AUTHORITATIVE_LINK"
	StateOraclePending State = "ORACLE_PENDING"
	StateNoPool        State = "NO_POOL"
	StateRescue        State = "RESCUE"
	StateLinked        State = "LINKED"
	StateCreated       State = "CREATED"

	StageMerge   = "MANUAL_MERGE"
	StageCorrect = "MANUAL_CORRECTION"
)

// Log outcomes besides the method names written on LINKED and CREATED.
const (
	OutcomeTieBreak      = "tie_break"
	OutcomeConfirmed     = "confirmed"
	OutcomeRejected      = "rejected"
	OutcomeOracleError   = "oracle_error"
	OutcomeOracleTimeout = "oracle_timeout"
	OutcomeCapReached    = "cap_reached"
	OutcomeNoOracle      = "no_oracle"
	OutcomeEmpty         = "empty"
)

const (
	DefaultMaxOracleCalls = 5
	DefaultRecentEvents   = 5
)

const (
	confidenceThread      = 0.95
	confidenceRequisition = 0.98
	confidenceOracle      = 0.80
	confidenceRescue      = 0.75
	confidenceTitleRule   = 0.70
)

// LogSink receives decision-log entries as they happen.
type LogSink interface {
	Append(ctx context.Context, e Entry) error
}

type Config struct {
	MaxOracleCalls int
	RecentEvents   int
	// OracleTimeout bounds a single oracle call when the oracle is not already guarded.
	OracleTimeout time.Duration
}

// Deps wires a Resolver. Oracle may be nil; Sink defaults to the store.
type Deps struct {
	Store   store.Store
	Builder *linking.Builder
	Oracle  oracle.Oracle
	Sink    LogSink
	Logger  *zap.Logger
}

type Resolver struct {
	store   store.Store
	builder *linking.Builder
	oracle  oracle.Oracle
	sink    LogSink
	cfg     Config
	logger  *zap.Logger
}

func New(deps Deps, cfg Config) (*Resolver, error) {
	if deps.Store == nil {
		return nil, errors.New("resolver requires a store")
	}
	if deps.Builder == nil {
		return nil, errors.New("resolver requires a candidate pool builder")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = deps.Store
	}
	if cfg.MaxOracleCalls <= 0 {
		cfg.MaxOracleCalls = DefaultMaxOracleCalls
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = DefaultRecentEvents
	}

	orc := deps.Oracle
	if orc != nil {
		if _, guarded := orc.(*oracle.Guard); !guarded {
			orc = oracle.NewGuard(orc, oracle.GuardConfig{Timeout: cfg.OracleTimeout}, deps.Logger)
		}
	}

	return &Resolver{
		store:   deps.Store,
		builder: deps.Builder,
		oracle:  orc,
		sink:    deps.Sink,
		cfg:     cfg,
		logger:  deps.Logger,
	}, nil
}

// HasOracle reports whether a confirmation oracle is configured.
func (r *Resolver) HasOracle() bool {
	return r.oracle != nil
}

// run carries the per-email bookkeeping.
type run struct {
	sig      signal.Signal
	seq      int
	calls    int
	tieBreak bool
	trace    []store.TraceEntry
}

// Resolve decides and applies the outcome for one email. Only store failures are
// returned as errors; oracle failures degrade to "different". A decision that has started
// runs to completion: cancelling ctx does not reach the pool builder, the oracle or the
// store. Callers check for cancellation between emails.
func (r *Resolver) Resolve(ctx context.Context, sig signal.Signal) (LinkDecision, error) {
	ctx = context.WithoutCancel(ctx)
	rn := &run{sig: sig}

	if err := r.emit(ctx, rn, Entry{Stage: string(StateStart), Outcome: "received"}); err != nil {
		return LinkDecision{}, err
	}

	if sig.ForceNew {
		return r.create(ctx, rn, store.MethodForcedNew, "manual override")
	}

	pool, err := r.builder.Build(ctx, sig, r.store)
	if err != nil {
		return LinkDecision{}, fmt.Errorf("build candidate pool for %s: %w", sig.EmailID, err)
	}
	rn.tieBreak = pool.TieBreak
	rn.trace = traceOf(pool.Trace)

	if err := r.emit(ctx, rn, Entry{
		Stage:     string(StatePoolBuilt),
		Outcome:   "candidates=" + strconv.Itoa(len(pool.Candidates)),
		Rationale: stepsRationale(pool.Steps),
	}); err != nil {
		return LinkDecision{}, err
	}

	if pool.TieBreak && len(pool.Candidates) > 0 {
		top := pool.Candidates[0]
		if err := r.emit(ctx, rn, Entry{
			Stage:       string(StatePoolBuilt),
			Tier:        top.Tier,
			CandidateID: top.Entity.ID,
			Outcome:     OutcomeTieBreak,
			Rationale:   "equal score, most recently updated entity first",
		}); err != nil {
			return LinkDecision{}, err
		}
	}

	if a := pool.Authoritative; a != nil {
		if err := r.emit(ctx, rn, Entry{
			Stage:       string(StateAuthoritative),
			Tier:        a.Tier,
			CandidateID: a.Entity.ID,
			Outcome:     linking.OutcomeAuthoritative,
		}); err != nil {
			return LinkDecision{}, err
		}
		method, confidence := store.MethodThread, confidenceThread
		if a.Tier == linking.TierRequisition {
			method, confidence = store.MethodRequisitionID, confidenceRequisition
		}
		return r.link(ctx, rn, a.Entity.ID, a.Tier, method, confidence)
	}

	if pool.Rescued {
		if err := r.emit(ctx, rn, Entry{
			Stage:     string(StateNoPool),
			Outcome:   OutcomeEmpty,
			Rationale: "before progressed-status guard: " + strconv.Itoa(pool.BeforeRule1),
		}); err != nil {
			return LinkDecision{}, err
		}
		if err := r.emit(ctx, rn, Entry{
			Stage:   string(StateRescue),
			Tier:    linking.TierRescue,
			Outcome: "candidates=" + strconv.Itoa(len(pool.Candidates)),
		}); err != nil {
			return LinkDecision{}, err
		}
	}

	if len(pool.Candidates) == 0 {
		if !pool.Rescued {
			if err := r.emit(ctx, rn, Entry{Stage: string(StateNoPool), Outcome: OutcomeEmpty}); err != nil {
				return LinkDecision{}, err
			}
		}
		return r.create(ctx, rn, store.MethodNew, "no candidates")
	}

	if r.oracle == nil {
		return r.withoutOracle(ctx, rn, pool)
	}

	return r.confirm(ctx, rn, pool)
}

func (r *Resolver) confirm(ctx context.Context, rn *run, pool linking.Pool) (LinkDecision, error) {
	asked := make(map[string]struct{}, len(pool.Candidates))

	for _, c := range pool.Candidates {
		if _, dup := asked[c.Entity.ID]; dup {
			continue
		}
		if rn.calls >= r.cfg.MaxOracleCalls {
			if err := r.emit(ctx, rn, Entry{
				Stage:       string(StateOraclePending),
				Tier:        c.Tier,
				CandidateID: c.Entity.ID,
				Outcome:     OutcomeCapReached,
				Rationale:   "max oracle calls per email: " + strconv.Itoa(r.cfg.MaxOracleCalls),
			}); err != nil {
				return LinkDecision{}, err
			}
			break
		}
		asked[c.Entity.ID] = struct{}{}

		q := oracle.NewQuery(rn.sig, c.Entity, r.cfg.RecentEvents)
		j, err := r.oracle.Confirm(ctx, q)
		rn.calls++

		entry := Entry{
			Stage:       string(StateOraclePending),
			Tier:        c.Tier,
			CandidateID: c.Entity.ID,
			Rationale:   string(j.Category) + ": " + j.Rationale,
		}
		switch {
		case errors.Is(err, oracle.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
			entry.Outcome = OutcomeOracleTimeout
			entry.Rationale = err.Error()
		case err != nil:
			entry.Outcome = OutcomeOracleError
			entry.Rationale = err.Error()
		case j.Same:
			entry.Outcome = OutcomeConfirmed
		default:
			entry.Outcome = OutcomeRejected
		}
		if err := r.emit(ctx, rn, entry); err != nil {
			return LinkDecision{}, err
		}

		if entry.Outcome == OutcomeConfirmed {
			method, confidence := oracleMethod(c.Tier)
			return r.link(ctx, rn, c.Entity.ID, c.Tier, method, confidence)
		}
	}

	return r.create(ctx, rn, store.MethodNew, "oracle rejected all candidates")
}

// withoutOracle links only on the fuzzy title rule inside a requisition-narrowed pool.
func (r *Resolver) withoutOracle(ctx context.Context, rn *run, pool linking.Pool) (LinkDecision, error) {
	for _, c := range pool.Candidates {
		if c.Tier == linking.TierRequisition && c.TitleMatch {
			if err := r.emit(ctx, rn, Entry{
				Stage:       string(StatePoolBuilt),
				Tier:        c.Tier,
				CandidateID: c.Entity.ID,
				Outcome:     "title_rule",
				Rationale:   "requisition match with fuzzy title agreement",
			}); err != nil {
				return LinkDecision{}, err
			}
			return r.link(ctx, rn, c.Entity.ID, c.Tier, store.MethodRequisitionID, confidenceTitleRule)
		}
	}

	if err := r.emit(ctx, rn, Entry{
		Stage:     string(StatePoolBuilt),
		Outcome:   OutcomeNoOracle,
		Rationale: "candidates need confirmation, creating conservatively",
	}); err != nil {
		return LinkDecision{}, err
	}
	return r.create(ctx, rn, store.MethodNew, "no oracle configured")
}

func (r *Resolver) link(ctx context.Context, rn *run, entityID, tier string, method store.Method, confidence float64) (LinkDecision, error) {
	e, err := r.store.AppendMember(ctx, entityID, rn.sig)
	if err != nil {
		return LinkDecision{}, fmt.Errorf("link %s to %s: %w", rn.sig.EmailID, entityID, err)
	}

	d := LinkDecision{
		EmailID:     rn.sig.EmailID,
		Outcome:     store.OutcomeLinked,
		EntityID:    e.ID,
		Method:      method,
		Confidence:  confidence,
		OracleCalls: rn.calls,
		TieBreak:    rn.tieBreak,
		Trace:       rn.trace,
	}
	return d, r.finish(ctx, rn, d, Entry{
		Stage:       string(StateLinked),
		Tier:        tier,
		CandidateID: e.ID,
		Outcome:     string(method),
	})
}

func (r *Resolver) create(ctx context.Context, rn *run, method store.Method, reason string) (LinkDecision, error) {
	e, err := r.store.Create(ctx, rn.sig)
	if err != nil {
		return LinkDecision{}, fmt.Errorf("create entity for %s: %w", rn.sig.EmailID, err)
	}

	d := LinkDecision{
		EmailID:     rn.sig.EmailID,
		Outcome:     store.OutcomeCreated,
		EntityID:    e.ID,
		Method:      method,
		OracleCalls: rn.calls,
		TieBreak:    rn.tieBreak,
		Trace:       rn.trace,
	}
	return d, r.finish(ctx, rn, d, Entry{
		Stage:       string(StateCreated),
		CandidateID: e.ID,
		Outcome:     string(method),
		Rationale:   reason,
	})
}

func (r *Resolver) finish(ctx context.Context, rn *run, d LinkDecision, last Entry) error {
	if err := r.emit(ctx, rn, last); err != nil {
		return err
	}
	if err := r.store.AppendDecision(ctx, d); err != nil {
		// The membership is already stored, so a re-scan skips this email. Leave enough in
		// the log to repair it by hand.
		r.logger.Error("email stored without a decision record",
			append(logger.EmailFields(d.EmailID, d.EntityID),
				zap.String("outcome", string(d.Outcome)),
				zap.String(logger.FieldMethod, string(d.Method)),
				zap.Error(err),
			)...,
		)
		return fmt.Errorf("record decision for %s in %s: %w", d.EmailID, d.EntityID, err)
	}

	r.logger.Info("email resolved",
		append(logger.EmailFields(d.EmailID, d.EntityID),
			zap.String("outcome", string(d.Outcome)),
			zap.String(logger.FieldMethod, string(d.Method)),
			zap.Float64("confidence", d.Confidence),
			zap.Int("oracle_calls", d.OracleCalls),
		)...,
	)
	return nil
}

func (r *Resolver) emit(ctx context.Context, rn *run, e Entry) error {
	rn.seq++
	e.EmailID = rn.sig.EmailID
	e.Seq = rn.seq

	r.logger.Debug("resolver transition",
		append(logger.EmailFields(e.EmailID, e.CandidateID),
			zap.Int("seq", e.Seq),
			zap.String(logger.FieldStage, e.Stage),
			zap.String(logger.FieldTier, e.Tier),
			zap.String("outcome", e.Outcome),
		)...,
	)

	if err := r.sink.Append(ctx, e); err != nil {
		return fmt.Errorf("append decision log: %w", err)
	}
	return nil
}

// Merge folds absorbID into keepID and records the manual action in the decision log.
func (r *Resolver) Merge(ctx context.Context, keepID, absorbID string) (store.Entity, error) {
	e, err := r.store.Merge(ctx, keepID, absorbID)
	if err != nil {
		return store.Entity{}, err
	}
	err = r.sink.Append(ctx, Entry{
		Seq:         1,
		Stage:       StageMerge,
		CandidateID: keepID,
		Outcome:     "merged",
		Rationale:   absorbID + " retired into " + keepID,
	})
	if err != nil {
		return e, fmt.Errorf("append decision log: %w", err)
	}

	r.logger.Info("entities merged", zap.String(logger.FieldEntityID, keepID), zap.String("absorbed", absorbID))
	return e, nil
}

// Correct applies manual display-field overrides to an entity.
func (r *Resolver) Correct(ctx context.Context, entityID string, fields store.DisplayFields) (store.Entity, error) {
	e, err := r.store.UpdateDisplayFields(ctx, entityID, fields)
	if err != nil {
		return store.Entity{}, err
	}
	err = r.sink.Append(ctx, Entry{
		Seq:         1,
		Stage:       StageCorrect,
		CandidateID: entityID,
		Outcome:     "overridden",
		Rationale:   fmt.Sprintf("company=%q title=%q requisition_id=%q status=%q", fields.Company, fields.Title, fields.RequisitionID, fields.Status),
	})
	if err != nil {
		return e, fmt.Errorf("append decision log: %w", err)
	}
	return e, nil
}

func oracleMethod(tier string) (store.Method, float64) {
	switch tier {
	case linking.TierRequisition:
		return store.MethodRequisitionID, confidenceOracle
	case linking.TierRescue:
		return store.MethodCompanyFuzzyLLM, confidenceRescue
	default:
		return store.MethodCompanyTitleExact, confidenceOracle
	}
}

func traceOf(cands []linking.Candidate) []store.TraceEntry {
	if len(cands) == 0 {
		return nil
	}
	out := make([]store.TraceEntry, 0, len(cands))
	for _, c := range cands {
		out = append(out, store.TraceEntry{
			EntityID: c.Entity.ID,
			Tier:     c.Tier,
			Score:    c.Score,
			Outcome:  c.Outcome,
		})
	}
	return out
}

func stepsRationale(steps []linking.StepRecord) string {
	var out string
	for i, s := range steps {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s:%d/%d", s.Tier, s.Left, s.Initial)
	}
	return out
}
