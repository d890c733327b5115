package cmd

import (
	"errors"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "applink"
)

type Config struct {
	Input       string            `mapstructure:"input"`
	Database    string            `mapstructure:"database"`
	MetricsFile string            `mapstructure:"metrics-file"`
	Linking     *LinkingConfig    `mapstructure:"linking"`
	Oracle      *OracleConfig     `mapstructure:"oracle"`
	Evaluation  *EvaluationConfig `mapstructure:"evaluation"`
}

type LinkingConfig struct {
	FuzzyThreshold float64           `mapstructure:"fuzzy-threshold"`
	RescueTopN     int               `mapstructure:"rescue-top-n"`
	MaxOracleCalls int               `mapstructure:"max-oracle-calls"`
	RecentEvents   int               `mapstructure:"recent-events"`
	RoleWords      []string          `mapstructure:"role-words"`
	CompanyAliases map[string]string `mapstructure:"company-aliases"`
}

type OracleConfig struct {
	Enabled       bool             `mapstructure:"enabled"`
	Provider      string           `mapstructure:"provider"`
	Timeout       time.Duration    `mapstructure:"timeout"`
	RatePerMinute float64          `mapstructure:"rate-per-minute"`
	Gemini        *GeminiConfig    `mapstructure:"gemini"`
	Anthropic     *AnthropicConfig `mapstructure:"anthropic"`
}

type GeminiConfig struct {
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type AnthropicConfig struct {
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxTokens    int    `mapstructure:"max-tokens"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type EvaluationConfig struct {
	Labels    string            `mapstructure:"labels"`
	Baselines map[string]string `mapstructure:"baselines"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "applink groups job-search emails into applications and scores the grouping against labels",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := viper.BindEnv("oracle.gemini.api-key-file", "APPLINK_GEMINI_API_KEY_FILE"); err != nil {
		log.Fatalf("binding APPLINK_GEMINI_API_KEY_FILE environment variable: %v", err)
	}
	if err := viper.BindEnv("oracle.anthropic.api-key-file", "APPLINK_ANTHROPIC_API_KEY_FILE"); err != nil {
		log.Fatalf("binding APPLINK_ANTHROPIC_API_KEY_FILE environment variable: %v", err)
	}

	viper.SetDefault("oracle.timeout", 20*time.Second)
	viper.SetDefault("oracle.provider", "gemini")

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is applink.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")
	rootCmd.PersistentFlags().String("database", "", "SQLite database path. Scans run in memory when unset")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("database"))
}

func initConfig() {
	// The version command works without a config.
	if versionCmd.CalledAs() != "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// Flags and defaults are enough for most commands, but a config that exists and
		// fails to parse is fatal.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	if config == nil {
		config = &Config{}
	}
	if config.Linking == nil {
		config.Linking = &LinkingConfig{}
	}
	if config.Oracle == nil {
		config.Oracle = &OracleConfig{}
	}
	if config.Evaluation == nil {
		config.Evaluation = &EvaluationConfig{}
	}

	return config, nil
}
