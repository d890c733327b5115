// Package linking builds the ordered candidate pool for one incoming email. Tiers run in
// a fixed priority order, each one a small strategy in the same shape as a filter step:
// it sees the shared state, narrows or fills the pool, and reports how many candidates it
// started with, dropped and left.
package linking

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/spigell/applink/internal/normalize"
	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

const (
	TierThread      = "thread"
	TierRequisition = "requisition"
	TierCompany     = "company"
	TierProgressed  = "progressed_status"
	TierRescue      = "rescue"
)

// Trace outcomes.
const (
	OutcomeAuthoritative       = "authoritative"
	OutcomeKept                = "kept"
	OutcomeFilteredProgressed  = "filtered_progressed"
	OutcomeFilteredReqConflict = "filtered_req_conflict"
	OutcomeFilteredTitle       = "filtered_title_mismatch"
	OutcomeRescued             = "rescued"
	OutcomeRescueCapped        = "rescue_capped"
)

const (
	DefaultFuzzyThreshold = 0.75
	DefaultRescueTopN     = 3
)

// View is the read-only part of the store the builder needs.
type View interface {
	FindCandidates(ctx context.Context, filter store.Filter) ([]store.Entity, error)
}

// Tier is one step of candidate pool construction.
type Tier interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate(cfg *Config) error
	Apply(ctx context.Context, deps Deps, st *State) (Step, error)
}

// Deps aggregates dependencies shared across all tiers.
type Deps struct {
	View   View
	Logger *zap.Logger
	Titles *TitleMatcher
	Config *Config
}

// Step describes the result of executing a tier.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// StepRecord is a Step tagged with the tier that produced it.
type StepRecord struct {
	Tier string
	Step
}

// Config contains the tunable linking constants.
type Config struct {
	FuzzyThreshold float64
	RescueTopN     int
	RoleWords      []string
	Aliases        *normalize.Aliases
}

// Status represents runtime information about a tier.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

type statusProvider interface {
	Status() Status
}

// Candidate is an entity considered for the incoming email.
type Candidate struct {
	Entity     store.Entity
	Tier       string
	Score      float64
	Outcome    string
	TitleMatch bool
}

// Pool is the output of Build.
type Pool struct {
	// Candidates are the survivors in the order the oracle should see them.
	Candidates []Candidate
	// Trace holds every candidate considered, including dropped ones.
	Trace         []Candidate
	Authoritative *Candidate
	BeforeRule1   int
	TieBreak      bool
	Rescued       bool
	Steps         []StepRecord
}

// State is shared between tiers while building one pool.
type State struct {
	Signal      signal.Signal
	Company     string
	Title       string
	Requisition string

	entities []store.Entity
	loaded   bool
	keys     map[string]entityKeys

	base     []store.Entity
	narrowed bool
	done     bool

	pool Pool
}

type entityKeys struct {
	companies   map[string]struct{}
	title       string
	requisition string
}

func (k entityKeys) hasCompany(key string) bool {
	_, ok := k.companies[key]
	return ok
}

// companyCompatible is true when either side has no company or they share a key.
func (k entityKeys) companyCompatible(key string) bool {
	return key == "" || len(k.companies) == 0 || k.hasCompany(key)
}

// Entities loads the active entity snapshot once per build.
func (st *State) Entities(ctx context.Context, deps Deps) ([]store.Entity, error) {
	if st.loaded {
		return st.entities, nil
	}

	entities, err := deps.View.FindCandidates(ctx, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}

	st.entities = entities
	st.loaded = true
	st.keys = make(map[string]entityKeys, len(entities))
	for i := range entities {
		st.keys[entities[i].ID] = keysOf(&entities[i], deps.Config.Aliases)
	}
	return entities, nil
}

func keysOf(e *store.Entity, aliases *normalize.Aliases) entityKeys {
	k := entityKeys{companies: make(map[string]struct{})}
	if key, ok := aliases.Company(e.Company); ok {
		k.companies[key] = struct{}{}
	}
	for _, m := range e.Members {
		if key, ok := aliases.Company(m.Company); ok {
			k.companies[key] = struct{}{}
		}
	}
	k.title, _ = normalize.Title(e.Title)
	k.requisition, _ = normalize.Requisition(e.RequisitionID)
	return k
}

func (st *State) trace(c Candidate) {
	st.pool.Trace = append(st.pool.Trace, c)
}

// Builder runs the tier list.
type Builder struct {
	cfg    *Config
	tiers  []Tier
	titles *TitleMatcher
	logger *zap.Logger
}

// NewBuilder validates the configuration against the tiers. Pass nil tiers for the
// default order: thread, requisition, company, progressed status, rescue.
func NewBuilder(cfg Config, tiers []Tier, logger *zap.Logger) (*Builder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FuzzyThreshold == 0 {
		cfg.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if cfg.RescueTopN == 0 {
		cfg.RescueTopN = DefaultRescueTopN
	}
	if len(cfg.RoleWords) == 0 {
		cfg.RoleWords = DefaultRoleWords
	}
	if cfg.Aliases == nil {
		cfg.Aliases = normalize.DefaultAliases
	}
	if tiers == nil {
		tiers = DefaultTiers()
	}

	for _, t := range tiers {
		if !t.IsEnabled() {
			continue
		}
		if err := t.Validate(&cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
	}

	return &Builder{
		cfg:    &cfg,
		tiers:  tiers,
		titles: NewTitleMatcher(cfg.RoleWords),
		logger: logger,
	}, nil
}

// DefaultTiers returns a fresh tier list in priority order.
func DefaultTiers() []Tier {
	return []Tier{
		NewThreadTier(),
		NewRequisitionTier(),
		NewCompanyTier(),
		NewProgressedTier(),
		NewRescueTier(),
	}
}

// DisableByName marks a tier with the provided name as disabled while keeping it in the list.
func DisableByName(tiers []Tier, name, reason string) {
	for _, t := range tiers {
		if t.Name() == name {
			t.Disable(reason)
		}
	}
}

// Describe returns status entries for the builder's tiers.
func (b *Builder) Describe() []Status {
	statuses := make([]Status, 0, len(b.tiers))
	for _, t := range b.tiers {
		if reporter, ok := t.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}
		statuses = append(statuses, Status{Name: t.Name(), Enabled: t.IsEnabled()})
	}
	return statuses
}

// Titles exposes the fuzzy title rule used by the builder.
func (b *Builder) Titles() *TitleMatcher {
	return b.titles
}

// Build runs every enabled tier for the signal. Tier evaluation stops at the first
// authoritative match.
func (b *Builder) Build(ctx context.Context, sig signal.Signal, view View) (Pool, error) {
	st := &State{Signal: sig}
	st.Company, _ = b.cfg.Aliases.Company(sig.Company)
	st.Title, _ = normalize.Title(sig.Title)
	st.Requisition, _ = normalize.Requisition(sig.RequisitionID)

	deps := Deps{View: view, Logger: b.logger, Titles: b.titles, Config: b.cfg}

	for _, t := range b.tiers {
		if st.done {
			break
		}
		if !t.IsEnabled() {
			continue
		}

		info, err := t.Apply(ctx, deps, st)
		if err != nil {
			return Pool{}, fmt.Errorf("%s: %w", t.Name(), err)
		}

		st.pool.Steps = append(st.pool.Steps, StepRecord{Tier: t.Name(), Step: info})
		b.logger.Debug("linking tier",
			zap.String("email_id", sig.EmailID),
			zap.String("tier", t.Name()),
			zap.Int("initial", info.Initial),
			zap.Int("dropped", info.Dropped),
			zap.Int("left", info.Left),
		)
	}

	if st.pool.TieBreak {
		fields := []zap.Field{zap.String("email_id", sig.EmailID)}
		if len(st.pool.Candidates) > 0 {
			fields = append(fields,
				zap.String("entity_id", st.pool.Candidates[0].Entity.ID),
				zap.String("tier", st.pool.Candidates[0].Tier),
			)
		}
		b.logger.Info("ambiguous tie resolved by recency", fields...)
	}

	return st.pool, nil
}

// sortCandidates orders by score, then most recently updated, then id.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].Entity.UpdatedSeq != c[j].Entity.UpdatedSeq {
			return c[i].Entity.UpdatedSeq > c[j].Entity.UpdatedSeq
		}
		return c[i].Entity.ID < c[j].Entity.ID
	})
}

func tied(c []Candidate) bool {
	return len(c) >= 2 && c[0].Tier == c[1].Tier && c[0].Score == c[1].Score
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
