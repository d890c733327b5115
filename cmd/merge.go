package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/resolver"
	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

var mergeCmd = &cobra.Command{
	Use:   "merge KEEP_ID ABSORB_ID",
	Short: "Fold one application into another when the resolver split them",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		merge(cmd, args[0], args[1])
	},
}

var correctCmd = &cobra.Command{
	Use:   "correct ENTITY_ID",
	Short: "Override the displayed company, title, requisition id or status of an application",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		correct(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(correctCmd)

	mergeCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	correctCmd.Flags().String("company", "", "company to display")
	correctCmd.Flags().String("title", "", "title to display")
	correctCmd.Flags().String("requisition-id", "", "requisition id to display")
	correctCmd.Flags().String("status", "", "status to display")
}

// manualResolver opens the database and builds a resolver without an oracle; manual edits
// never need one.
func manualResolver(logger *zap.Logger) (*resolver.Resolver, store.Store, func()) {
	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	if err := requireDatabase(config); err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}

	st, closeStore, err := openStore(config, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}

	builder, err := newBuilder(config.Linking, false, logger)
	if err != nil {
		closeStore()
		logger.Fatal("building the resolver", zap.Error(err))
	}

	res, err := resolver.New(resolver.Deps{Store: st, Builder: builder, Logger: logger}, resolver.Config{})
	if err != nil {
		closeStore()
		logger.Fatal("building the resolver", zap.Error(err))
	}

	return res, st, closeStore
}

func merge(cmd *cobra.Command, keepID, absorbID string) {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	res, st, closeStore := manualResolver(logger)
	defer closeStore()

	keep, err := st.Get(ctx, keepID)
	if err != nil {
		logger.Fatal("looking up the application to keep", zap.Error(err))
	}
	absorb, err := st.Get(ctx, absorbID)
	if err != nil {
		logger.Fatal("looking up the application to absorb", zap.Error(err))
	}

	if cmd.Flag("yes").Value.String() == "false" {
		prompt := promptui.Prompt{
			Label:     fmt.Sprintf("Merge %s into %s", describe(absorb), describe(keep)),
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			if errors.Is(err, promptui.ErrAbort) {
				logger.Info("exiting", zap.String("reason", "got no from prompt"))
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}

	merged, err := res.Merge(ctx, keepID, absorbID)
	if err != nil {
		logger.Fatal("merging applications", zap.Error(err))
	}

	logger.Info("applications merged",
		zap.String("entity_id", merged.ID),
		zap.String("absorbed", absorbID),
		zap.Int("emails", len(merged.Members)),
	)
}

func correct(cmd *cobra.Command, entityID string) {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	fields := store.DisplayFields{
		Company:       cmd.Flag("company").Value.String(),
		Title:         cmd.Flag("title").Value.String(),
		RequisitionID: cmd.Flag("requisition-id").Value.String(),
	}
	if raw := cmd.Flag("status").Value.String(); raw != "" {
		fields.Status = signal.ParseStatus(raw)
		if !fields.Status.Known() {
			logger.Fatal("unknown status", zap.String("status", raw))
		}
	}
	if fields.Empty() {
		logger.Fatal("nothing to correct", zap.String("hint", "pass at least one of --company, --title, --requisition-id, --status"))
	}

	res, _, closeStore := manualResolver(logger)
	defer closeStore()

	updated, err := res.Correct(ctx, entityID, fields)
	if err != nil {
		logger.Fatal("correcting application", zap.Error(err))
	}

	logger.Info("application corrected",
		zap.String("entity_id", updated.ID),
		zap.String("company", updated.Company),
		zap.String("title", updated.Title),
		zap.String("requisition_id", updated.RequisitionID),
		zap.String("status", updated.Status.String()),
	)
}

func describe(e store.Entity) string {
	parts := []string{e.ID}
	if e.Company != "" {
		parts = append(parts, e.Company)
	}
	if e.Title != "" {
		parts = append(parts, e.Title)
	}
	return fmt.Sprintf("%s (%d emails)", strings.Join(parts, " / "), len(e.Members))
}
