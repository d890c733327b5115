package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/metrics"
	"github.com/spigell/applink/internal/resolver"
	emailsignal "github.com/spigell/applink/internal/signal"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Resolve every email of the input file into applications",
	Run: func(_ *cobra.Command, _ []string) {
		scan()
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringP("input", "i", "", "YAML file with the emails to scan")
	scanCmd.Flags().String("metrics-file", "", "write scan metrics in the Prometheus text format to this file")

	viper.BindPFlag("input", scanCmd.Flags().Lookup("input"))
	viper.BindPFlag("metrics-file", scanCmd.Flags().Lookup("metrics-file"))
}

func scan() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the applink scan", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if config.Input == "" {
		logger.Fatal("input file is required", zap.String("hint", "set 'input' in the configuration file or pass --input"))
	}

	raw, err := emailsignal.LoadEmails(config.Input)
	if err != nil {
		logger.Fatal("loading emails", zap.Error(err))
	}

	signals, err := emailsignal.ExtractAll(ctx, emailsignal.NewRulesExtractor(), raw, logger)
	if err != nil {
		logger.Fatal("extracting signals", zap.Error(err))
	}
	logger.Info("emails loaded", zap.Int("count", len(raw)), zap.Int("signals", len(signals)))

	st, closeStore, err := openStore(config, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer closeStore()

	res, err := newResolver(ctx, config, st, logger)
	if err != nil {
		logger.Fatal("building the resolver", zap.Error(err))
	}

	recorder := metrics.NewScan()
	summary, err := resolver.NewScanner(res, st, recorder, logger).Run(ctx, signals)
	if err != nil {
		logger.Error("scan stopped", zap.Error(err))
	}

	if config.MetricsFile != "" {
		if err := recorder.WriteTextfile(config.MetricsFile, time.Now()); err != nil {
			logger.Warn("writing metrics", zap.Error(err))
		}
	}

	logger.Info("scan summary",
		zap.String("run_id", summary.RunID),
		zap.Int("scanned", summary.Scanned),
		zap.Int("linked", summary.Linked),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
		zap.Int("oracle_calls", summary.OracleCalls),
		zap.Bool("cancelled", summary.Cancelled),
		zap.Any("by_method", summary.ByMethod),
	)

	if err != nil {
		closeStore()
		os.Exit(1)
	}
}
