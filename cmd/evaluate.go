package cmd

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/evaluation"
	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/store"
)

// currentRun is the name the stored clustering is reported under.
const currentRun = "current"

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score the stored clustering and any baselines against ground-truth labels",
	Run: func(cmd *cobra.Command, _ []string) {
		evaluate(cmd)
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringP("labels", "l", "", "YAML labels file. Labels imported into the database are used when unset")
	evaluateCmd.Flags().Bool("report-json", false, "print the full reports as JSON instead of the summary table")

	viper.BindPFlag("evaluation.labels", evaluateCmd.Flags().Lookup("labels"))
}

func evaluate(cmd *cobra.Command) {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

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
	defer closeStore()

	labels, err := loadTruth(ctx, config.Evaluation.Labels, st)
	if err != nil {
		logger.Fatal("loading labels", zap.Error(err))
	}
	if len(labels) == 0 {
		logger.Warn("no labels found, metrics are undefined",
			zap.String("hint", "run 'applink labels import' or set evaluation.labels"),
		)
	}

	entities, err := st.Entities(ctx)
	if err != nil {
		logger.Fatal("reading entities", zap.Error(err))
	}

	runs := map[string]evaluation.Partition{
		currentRun: evaluation.FromEntities(entities),
	}
	for name, path := range config.Evaluation.Baselines {
		if name == currentRun {
			logger.Fatal("baseline name is reserved", zap.String("name", name))
		}
		p, err := evaluation.LoadPartition(path)
		if err != nil {
			logger.Fatal("loading baseline", zap.String("name", name), zap.Error(err))
		}
		runs[name] = p
	}

	reports, err := evaluation.Compare(ctx, evaluation.FromLabels(labels), runs)
	if err != nil {
		logger.Fatal("evaluating", zap.Error(err))
	}

	if cmd.Flag("report-json").Value.String() == "true" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			logger.Fatal("encoding reports", zap.Error(err))
		}
		return
	}

	evaluation.WriteSummary(os.Stdout, reports)
}

// loadTruth prefers a labels file over labels imported into the store.
func loadTruth(ctx context.Context, path string, st store.LabelStore) ([]store.Label, error) {
	if path != "" {
		return store.LoadLabels(path)
	}
	return st.Labels(ctx)
}
