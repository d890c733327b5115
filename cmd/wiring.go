package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/applink/internal/ai"
	"github.com/spigell/applink/internal/ai/anthropic"
	"github.com/spigell/applink/internal/ai/gemini"
	"github.com/spigell/applink/internal/linking"
	"github.com/spigell/applink/internal/normalize"
	"github.com/spigell/applink/internal/oracle"
	"github.com/spigell/applink/internal/resolver"
	"github.com/spigell/applink/internal/secrets"
	"github.com/spigell/applink/internal/store"
	"github.com/spigell/applink/internal/store/sqlite"
)

// backend is what every command needs from persistence.
type backend interface {
	store.Store
	store.LabelStore
}

// openStore opens the SQLite database, or an in-memory store when no path is configured.
func openStore(config *Config, logger *zap.Logger) (backend, func(), error) {
	if strings.TrimSpace(config.Database) == "" {
		logger.Warn("no database configured, results will not be persisted",
			zap.String("hint", "set 'database' in the configuration file"),
		)
		return store.NewMemory(), func() {}, nil
	}

	db, err := sqlite.Open(config.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", zap.Error(err))
		}
	}
	return db, closeFn, nil
}

func requireDatabase(config *Config) error {
	if strings.TrimSpace(config.Database) == "" {
		return errors.New("a database is required for this command (set 'database' in the configuration file)")
	}
	return nil
}

// companyAliases layers the configured aliases over the built-in table.
func companyAliases(cfg *LinkingConfig) *normalize.Aliases {
	aliases := make(map[string]string, len(normalize.DefaultCompanyAliases)+len(cfg.CompanyAliases))
	for k, v := range normalize.DefaultCompanyAliases {
		aliases[k] = v
	}
	for k, v := range cfg.CompanyAliases {
		aliases[k] = v
	}
	return normalize.NewAliases(aliases)
}

// newBuilder prepares the candidate pool builder. Fuzzy rescue needs an oracle to confirm
// its guesses, so the tier is disabled when none is configured.
func newBuilder(cfg *LinkingConfig, withOracle bool, logger *zap.Logger) (*linking.Builder, error) {
	tiers := linking.DefaultTiers()
	if !withOracle {
		linking.DisableByName(tiers, linking.TierRescue, "no confirmation oracle configured")
	}

	builder, err := linking.NewBuilder(linking.Config{
		FuzzyThreshold: cfg.FuzzyThreshold,
		RescueTopN:     cfg.RescueTopN,
		RoleWords:      cfg.RoleWords,
		Aliases:        companyAliases(cfg),
	}, tiers, logger)
	if err != nil {
		return nil, fmt.Errorf("building candidate pool builder: %w", err)
	}

	for _, s := range builder.Describe() {
		fields := []zap.Field{zap.String("tier", s.Name), zap.Bool("enabled", s.Enabled)}
		if s.Reason != "" {
			fields = append(fields, zap.String("reason", s.Reason))
		}
		logger.Debug("linking tier", fields...)
	}

	return builder, nil
}

// newOracle returns a guarded LLM oracle, or nil when confirmation is disabled.
func newOracle(ctx context.Context, cfg *OracleConfig, logger *zap.Logger) (oracle.Oracle, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var confirmer *ai.Confirmer
	switch provider := strings.TrimSpace(strings.ToLower(cfg.Provider)); provider {
	case "", "none":
		return nil, nil
	case gemini.Provider:
		gc := cfg.Gemini
		if gc == nil {
			gc = &GeminiConfig{}
		}

		apiKey, err := secrets.Load(secrets.Source{
			Name: "gemini api key",
			File: gc.APIKeyFile,
			Env:  "GEMINI_API_KEY",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set oracle.gemini.api-key-file or APPLINK_GEMINI_API_KEY_FILE)", err)
		}

		generator, err := gemini.NewGenerator(ctx, apiKey, gc.Model, logger)
		if err != nil {
			return nil, err
		}
		confirmer = ai.NewConfirmer(generator, gemini.Provider, gc.MaxLogLength, logger)
	case anthropic.Provider:
		ac := cfg.Anthropic
		if ac == nil {
			ac = &AnthropicConfig{}
		}

		apiKey, err := secrets.Load(secrets.Source{
			Name: "anthropic api key",
			File: ac.APIKeyFile,
			Env:  "ANTHROPIC_API_KEY",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set oracle.anthropic.api-key-file or APPLINK_ANTHROPIC_API_KEY_FILE)", err)
		}

		generator, err := anthropic.NewGenerator(apiKey, ac.Model, ac.MaxTokens, logger)
		if err != nil {
			return nil, err
		}
		confirmer = ai.NewConfirmer(generator, anthropic.Provider, ac.MaxLogLength, logger)
	default:
		return nil, fmt.Errorf("unsupported oracle provider: %s", cfg.Provider)
	}

	return oracle.NewGuard(confirmer, oracle.GuardConfig{
		Timeout:       cfg.Timeout,
		RatePerMinute: cfg.RatePerMinute,
	}, logger), nil
}

// newResolver wires the builder, oracle and store together.
func newResolver(ctx context.Context, config *Config, st store.Store, logger *zap.Logger) (*resolver.Resolver, error) {
	orc, err := newOracle(ctx, config.Oracle, logger)
	if err != nil {
		return nil, fmt.Errorf("building confirmation oracle: %w", err)
	}
	if orc == nil {
		logger.Info("confirmation oracle disabled, ambiguous emails start new applications")
	}

	builder, err := newBuilder(config.Linking, orc != nil, logger)
	if err != nil {
		return nil, err
	}

	return resolver.New(resolver.Deps{
		Store:   st,
		Builder: builder,
		Oracle:  orc,
		Logger:  logger,
	}, resolver.Config{
		MaxOracleCalls: config.Linking.MaxOracleCalls,
		RecentEvents:   config.Linking.RecentEvents,
		OracleTimeout:  config.Oracle.Timeout,
	})
}
