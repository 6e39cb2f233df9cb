package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load loads and validates configuration from:
// 1. Default values
// 2. the config file at path (or ./config.yaml when empty)
// 3. BOT_* environment variables
func Load(path string) (*Config, error) {
	setDefaults()

	if err := readConfig(path); err != nil {
		return nil, fmt.Errorf("%w: failed to load config file: %v", ErrConfiguration, err)
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

// readConfig initializes and loads the configuration using viper.
func readConfig(path string) error {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("BOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Allow missing config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read config file: %v", err)
		}
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("log.level", DefaultLogLevel)
	viper.SetDefault("log.format", DefaultLogFormat)

	viper.SetDefault("telegram.static_dir", DefaultStaticDir)

	viper.SetDefault("database.path", DefaultDBPath)
	viper.SetDefault("database.conn_max_lifetime", DefaultDBConnMaxLifetime)

	viper.SetDefault("funnels.dir", DefaultFunnelsDir)
	viper.SetDefault("funnels.default_funnel", DefaultFunnelName)
	viper.SetDefault("funnels.default_persona", DefaultPersona)

	viper.SetDefault("notifier.poll_interval", DefaultPollInterval)
	viper.SetDefault("notifier.staleness", DefaultStaleness)
	viper.SetDefault("notifier.inactivity_days", DefaultInactivity)
	viper.SetDefault("notifier.max_campaign_days", DefaultMaxCampaign)
	viper.SetDefault("notifier.ignored_count", DefaultIgnoredCount)
	viper.SetDefault("notifier.ignored_window_days", DefaultIgnoredWindow)
	viper.SetDefault("notifier.ignored_silence_days", DefaultIgnoredQuiet)
	viper.SetDefault("notifier.resume_grace", DefaultResumeGrace)
	viper.SetDefault("notifier.resume_window_days", DefaultResumeWindow)
	viper.SetDefault("notifier.timezone", DefaultNotifierTZ)

	viper.SetDefault("crm.timeout", DefaultCRMTimeout)

	viper.SetDefault("tasks.sql_maintenance", DefaultSQLMaintenanceSchedule)
	viper.SetDefault("tasks.stage_sync", DefaultStageSyncSchedule)
	viper.SetDefault("tasks.resume_sweep", DefaultResumeSweepSchedule)
}
