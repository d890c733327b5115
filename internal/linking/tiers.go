package linking

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

// toggle carries the enable/disable bookkeeping shared by all tiers.
type toggle struct {
	disabled bool
	reason   string
}

func (t *toggle) Disable(reason string) {
	t.disabled = true
	t.reason = reason
}

func (t *toggle) IsEnabled() bool { return !t.disabled }

type threadTier struct{ toggle }

// NewThreadTier links an email to the entity that already owns its thread.
func NewThreadTier() Tier {
	return &threadTier{}
}

func (t *threadTier) Name() string { return TierThread }

func (t *threadTier) Validate(*Config) error { return nil }

func (t *threadTier) Apply(ctx context.Context, deps Deps, st *State) (Step, error) {
	threadID := strings.TrimSpace(st.Signal.ThreadID)
	if threadID == "" {
		return Step{}, nil
	}

	found, err := deps.View.FindCandidates(ctx, store.Filter{ThreadID: threadID})
	if err != nil {
		return Step{}, fmt.Errorf("find by thread %s: %w", threadID, err)
	}
	if len(found) == 0 {
		return Step{}, nil
	}

	cands := make([]Candidate, 0, len(found))
	for _, e := range found {
		cands = append(cands, Candidate{Entity: e, Tier: TierThread, Score: 1})
	}
	sortCandidates(cands)

	winner := cands[0]
	winner.Outcome = OutcomeAuthoritative
	st.trace(winner)
	for _, c := range cands[1:] {
		// A thread can only span entities after a forced split; the newest one keeps it.
		c.Outcome = OutcomeKept
		st.trace(c)
	}

	st.pool.Authoritative = &winner
	st.pool.Candidates = []Candidate{winner}
	st.pool.TieBreak = len(cands) > 1
	st.done = true

	return Step{Initial: len(found), Dropped: len(found) - 1, Left: 1}, nil
}

func (t *threadTier) Status() Status {
	return Status{Name: t.Name(), Enabled: t.IsEnabled(), Reason: t.reason}
}

type requisitionTier struct{ toggle }

// NewRequisitionTier links on requisition id plus strict title equality and otherwise
// narrows the base pool to the requisition matches.
func NewRequisitionTier() Tier {
	return &requisitionTier{}
}

func (t *requisitionTier) Name() string { return TierRequisition }

func (t *requisitionTier) Validate(*Config) error { return nil }

func (t *requisitionTier) Apply(ctx context.Context, deps Deps, st *State) (Step, error) {
	entities, err := st.Entities(ctx, deps)
	if err != nil {
		return Step{}, err
	}
	st.base = entities

	if st.Requisition == "" {
		return Step{Initial: len(entities), Left: len(entities)}, nil
	}

	var matches, strict []Candidate
	conflicts := make(map[string]struct{})

	for _, e := range entities {
		k := st.keys[e.ID]
		if k.requisition == "" || !k.companyCompatible(st.Company) {
			continue
		}
		if k.requisition != st.Requisition {
			if st.Company != "" && k.hasCompany(st.Company) {
				conflicts[e.ID] = struct{}{}
			}
			continue
		}

		c := Candidate{Entity: e, Tier: TierRequisition, Score: 1}
		if st.Title != "" && k.title == st.Title {
			strict = append(strict, c)
			continue
		}
		c.TitleMatch = deps.Titles.Match(st.Title, k.title)
		c.Score = Jaccard(st.Title, k.title)
		matches = append(matches, c)
	}

	if len(strict) > 0 {
		sortCandidates(strict)
		winner := strict[0]
		winner.Outcome = OutcomeAuthoritative
		st.trace(winner)
		for _, c := range strict[1:] {
			c.Outcome = OutcomeKept
			st.trace(c)
		}
		if len(strict) > 1 {
			st.pool.TieBreak = true
			deps.Logger.Info("requisition tie-break",
				zap.String("email_id", st.Signal.EmailID),
				zap.String("requisition_id", st.Requisition),
				zap.String("entity_id", winner.Entity.ID),
				zap.Int("tied", len(strict)),
			)
		}

		st.pool.Authoritative = &winner
		st.pool.Candidates = []Candidate{winner}
		st.done = true
		return Step{Initial: len(entities), Dropped: len(entities) - 1, Left: 1}, nil
	}

	if len(matches) > 0 {
		narrowed := make([]store.Entity, 0, len(matches))
		for _, c := range matches {
			narrowed = append(narrowed, c.Entity)
		}
		st.base = narrowed
		st.narrowed = true

		deps.Logger.Debug("requisition match with title drift, narrowing pool",
			zap.String("email_id", st.Signal.EmailID),
			zap.String("requisition_id", st.Requisition),
			zap.Int("candidates", len(narrowed)),
		)
		return Step{Initial: len(entities), Dropped: len(entities) - len(narrowed), Left: len(narrowed)}, nil
	}

	if len(conflicts) == 0 {
		return Step{Initial: len(entities), Left: len(entities)}, nil
	}

	base := make([]store.Entity, 0, len(entities))
	for _, e := range entities {
		if _, drop := conflicts[e.ID]; drop {
			st.trace(Candidate{Entity: e, Tier: TierRequisition, Outcome: OutcomeFilteredReqConflict})
			continue
		}
		base = append(base, e)
	}
	st.base = base

	return Step{Initial: len(entities), Dropped: len(conflicts), Left: len(base)}, nil
}

func (t *requisitionTier) Status() Status {
	return Status{Name: t.Name(), Enabled: t.IsEnabled(), Reason: t.reason}
}

type companyTier struct{ toggle }

// NewCompanyTier keeps same-company entities, preferring those whose title fuzzy-matches.
func NewCompanyTier() Tier {
	return &companyTier{}
}

func (t *companyTier) Name() string { return TierCompany }

func (t *companyTier) Validate(*Config) error { return nil }

func (t *companyTier) Apply(_ context.Context, deps Deps, st *State) (Step, error) {
	initial := len(st.base)

	tier := TierCompany
	if st.narrowed {
		tier = TierRequisition
	}

	var subset []Candidate
	for _, e := range st.base {
		k := st.keys[e.ID]
		switch {
		case st.Company != "" && st.narrowed && !k.companyCompatible(st.Company):
			continue
		case st.Company != "" && !st.narrowed && !k.hasCompany(st.Company):
			continue
		case st.Company == "" && !st.narrowed:
			continue
		}
		subset = append(subset, Candidate{
			Entity:     e,
			Tier:       tier,
			Score:      Jaccard(st.Title, k.title),
			TitleMatch: deps.Titles.Match(st.Title, k.title),
		})
	}

	if st.Title != "" {
		var preferred, rest []Candidate
		for _, c := range subset {
			if c.TitleMatch || st.keys[c.Entity.ID].title == "" {
				preferred = append(preferred, c)
				continue
			}
			rest = append(rest, c)
		}
		if len(preferred) > 0 && len(rest) > 0 {
			for _, c := range rest {
				c.Outcome = OutcomeFilteredTitle
				st.trace(c)
			}
			subset = preferred
		}
	}

	sortCandidates(subset)
	for _, c := range subset {
		c.Outcome = OutcomeKept
		st.trace(c)
	}

	st.pool.Candidates = subset
	if tied(subset) {
		st.pool.TieBreak = true
	}

	return Step{Initial: initial, Dropped: initial - len(subset), Left: len(subset)}, nil
}

func (t *companyTier) Status() Status {
	return Status{Name: t.Name(), Enabled: t.IsEnabled(), Reason: t.reason}
}

type progressedTier struct{ toggle }

// NewProgressedTier drops candidates that are already past "applied" when the new
// email is a fresh application confirmation.
func NewProgressedTier() Tier {
	return &progressedTier{}
}

func (t *progressedTier) Name() string { return TierProgressed }

func (t *progressedTier) Validate(*Config) error { return nil }

func (t *progressedTier) Apply(_ context.Context, deps Deps, st *State) (Step, error) {
	initial := len(st.pool.Candidates)
	st.pool.BeforeRule1 = initial

	if st.Signal.Status != signal.StatusApplied || initial == 0 {
		return Step{Initial: initial, Left: initial}, nil
	}

	kept := st.pool.Candidates[:0:0]
	for _, c := range st.pool.Candidates {
		if c.Entity.Status.Progressed() {
			c.Outcome = OutcomeFilteredProgressed
			st.trace(c)
			continue
		}
		kept = append(kept, c)
	}

	if dropped := initial - len(kept); dropped > 0 {
		deps.Logger.Info("re-application filtered progressed candidates",
			zap.String("email_id", st.Signal.EmailID),
			zap.Int("filtered", dropped),
			zap.Int("remaining", len(kept)),
		)
	}

	st.pool.Candidates = kept
	st.pool.TieBreak = st.pool.TieBreak && tied(kept)

	return Step{Initial: initial, Dropped: initial - len(kept), Left: len(kept)}, nil
}

func (t *progressedTier) Status() Status {
	return Status{Name: t.Name(), Enabled: t.IsEnabled(), Reason: t.reason}
}

type rescueTier struct {
	toggle
	threshold float64
	topN      int
}

// NewRescueTier fills an empty pool with fuzzy company matches. It only makes sense when
// an oracle will confirm them, so callers disable it otherwise.
func NewRescueTier() Tier {
	return &rescueTier{}
}

func (t *rescueTier) Name() string { return TierRescue }

func (t *rescueTier) Validate(cfg *Config) error {
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold must be in (0, 1], got %v", cfg.FuzzyThreshold)
	}
	if cfg.RescueTopN < 1 {
		return fmt.Errorf("rescue top-n must be positive, got %d", cfg.RescueTopN)
	}
	t.threshold = cfg.FuzzyThreshold
	t.topN = cfg.RescueTopN
	return nil
}

func (t *rescueTier) Apply(ctx context.Context, deps Deps, st *State) (Step, error) {
	if len(st.pool.Candidates) > 0 || st.Company == "" {
		return Step{Initial: len(st.pool.Candidates), Left: len(st.pool.Candidates)}, nil
	}

	entities, err := st.Entities(ctx, deps)
	if err != nil {
		return Step{}, err
	}

	var found []Candidate
	for _, e := range entities {
		best := 0.0
		for key := range st.keys[e.ID].companies {
			if s := Similarity(st.Company, key); s > best {
				best = s
			}
		}
		if best >= t.threshold {
			found = append(found, Candidate{Entity: e, Tier: TierRescue, Score: best})
		}
	}
	sortCandidates(found)

	kept := found
	if len(kept) > t.topN {
		kept = found[:t.topN]
		for _, c := range found[t.topN:] {
			c.Outcome = OutcomeRescueCapped
			st.trace(c)
		}
	}
	for i := range kept {
		kept[i].Outcome = OutcomeRescued
		st.trace(kept[i])
	}

	st.pool.Candidates = kept
	st.pool.Rescued = true
	st.pool.TieBreak = tied(kept)

	if len(kept) > 0 {
		deps.Logger.Info("fuzzy company rescue",
			zap.String("email_id", st.Signal.EmailID),
			zap.String("company", st.Company),
			zap.Int("candidates", len(kept)),
			zap.String("best_similarity", formatFloat(kept[0].Score)),
		)
	}

	return Step{Initial: len(entities), Dropped: len(entities) - len(kept), Left: len(kept)}, nil
}

func (t *rescueTier) Status() Status {
	return Status{
		Name:    t.Name(),
		Enabled: t.IsEnabled(),
		Reason:  t.reason,
		Details: map[string]string{
			"threshold": formatFloat(t.threshold),
			"top_n":     strconv.Itoa(t.topN),
		},
	}
}
