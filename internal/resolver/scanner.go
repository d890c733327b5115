package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

// Recorder observes scan progress, typically for metrics.
type Recorder interface {
	ObserveDecision(d LinkDecision, elapsed time.Duration)
	ObserveSkipped()
}

// ScanSummary reports what one scan did.
type ScanSummary struct {
	RunID       string
	Scanned     int
	Linked      int
	Created     int
	Skipped     int
	OracleCalls int
	Cancelled   bool
	ByMethod    map[store.Method]int
	Decisions   []LinkDecision
}

// Scanner feeds signals to the resolver strictly oldest to newest.
type Scanner struct {
	resolver *Resolver
	store    store.Store
	recorder Recorder
	logger   *zap.Logger
}

func NewScanner(r *Resolver, st store.Store, rec Recorder, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{resolver: r, store: st, recorder: rec, logger: logger}
}

// Run resolves every signal. Emails already in the store are skipped, so a re-run over
// the same input is a no-op. Cancellation is checked between emails only; a cancelled
// scan returns its partial summary with Cancelled set and no error. Store failures stop
// the scan and are returned.
func (s *Scanner) Run(ctx context.Context, signals []signal.Signal) (ScanSummary, error) {
	summary := ScanSummary{
		RunID:    uuid.NewString(),
		ByMethod: make(map[store.Method]int),
	}
	log := logger.WithRun(s.logger, summary.RunID)

	ordered := Chronological(signals)
	log.Info("scan started", zap.Int("emails", len(ordered)), zap.Bool("oracle", s.resolver.HasOracle()))

	for _, sig := range ordered {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			log.Warn("scan cancelled", zap.Int("processed", summary.Scanned), zap.Error(err))
			break
		}

		seen, err := s.store.HasEmail(ctx, sig.EmailID)
		if err != nil {
			return summary, fmt.Errorf("check email %s: %w", sig.EmailID, err)
		}
		if seen {
			summary.Skipped++
			if s.recorder != nil {
				s.recorder.ObserveSkipped()
			}
			log.Debug("email already processed", logger.EmailFields(sig.EmailID, "")...)
			continue
		}

		start := time.Now()
		d, err := s.resolver.Resolve(ctx, sig)
		if err != nil {
			return summary, err
		}
		if s.recorder != nil {
			s.recorder.ObserveDecision(d, time.Since(start))
		}

		summary.Scanned++
		summary.OracleCalls += d.OracleCalls
		summary.ByMethod[d.Method]++
		summary.Decisions = append(summary.Decisions, d)
		switch d.Outcome {
		case store.OutcomeLinked:
			summary.Linked++
		case store.OutcomeCreated:
			summary.Created++
		}
	}

	log.Info("scan finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("linked", summary.Linked),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
		zap.Int("oracle_calls", summary.OracleCalls),
		zap.Bool("cancelled", summary.Cancelled),
	)
	return summary, nil
}

// Chronological returns the signals sorted oldest first; equal timestamps order by
// email id so the sequence is stable across runs.
func Chronological(signals []signal.Signal) []signal.Signal {
	out := append([]signal.Signal(nil), signals...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EmailID < out[j].EmailID
	})
	return out
}
