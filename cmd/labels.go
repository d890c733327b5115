package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/store"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Manage ground-truth labels",
}

var labelsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import ground-truth labels from a YAML file into the database",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		importLabels(args[0])
	},
}

func init() {
	rootCmd.AddCommand(labelsCmd)
	labelsCmd.AddCommand(labelsImportCmd)
}

func importLabels(path string) {
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

	labels, err := store.LoadLabels(path)
	if err != nil {
		logger.Fatal("loading labels", zap.Error(err))
	}

	st, closeStore, err := openStore(config, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer closeStore()

	n, err := st.ImportLabels(ctx, labels)
	if err != nil {
		logger.Fatal("importing labels", zap.Error(err))
	}

	logger.Info("labels imported", zap.Int("count", n), zap.String("file", path))
}
