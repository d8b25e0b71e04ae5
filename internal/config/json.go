package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/flagx"
	"github.com/dmitrijs2005/crosspost/internal/timex"
	"github.com/goccy/go-json"
	"github.com/tidwall/jsonc"
)

// JsonConfig is the on-disk shape of the configuration file. Duration
// fields accept "30s" style strings or integer nanoseconds. Comments and
// trailing commas are allowed.
type JsonConfig struct {
	DatabaseDriver      string         `json:"database_driver"`
	DatabaseDSN         string         `json:"database_dsn"`
	MasterKey           string         `json:"master_key"`
	MasterKeyPassphrase string         `json:"master_key_passphrase"`
	MasterKeySalt       string         `json:"master_key_salt"`
	PollInterval        timex.Duration `json:"poll_interval"`
	Workers             int            `json:"workers"`
	RequestTimeout      timex.Duration `json:"request_timeout"`
	MaxAttempts         int            `json:"max_attempts"`
	FetchLimit          int            `json:"fetch_limit"`
	StaleRunAfter       timex.Duration `json:"stale_run_after"`
	RateWindow          timex.Duration `json:"rate_window"`
	TwitterBudget       int            `json:"twitter_budget"`
	BlueskyBudget       int            `json:"bluesky_budget"`
	TwitterAPIBase      string         `json:"twitter_api_base"`
	BlueskyPDS          string         `json:"bluesky_pds"`
	BootstrapUser       string         `json:"bootstrap_user"`
	BlueskyIdentifier   string         `json:"bluesky_identifier"`
	HealthAddr          string         `json:"health_addr"`
	MetricsAddr         string         `json:"metrics_addr"`
	S3Bucket            string         `json:"s3_bucket"`
	S3Region            string         `json:"s3_region"`
	S3BaseEndpoint      string         `json:"s3_base_endpoint"`
	LogLevel            string         `json:"log_level"`
	LogFormat           string         `json:"log_format"`
}

// parseJson overlays the file named by -c/-config in args, if any.
func parseJson(config *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)

	// nothing to load
	if path == "" {
		return nil
	}
	return loadJsonFile(config, path)
}

// loadJsonFile overlays every field set in the file. Absent or zero fields
// keep the value already in config. Platform secrets are deliberately not
// read from files; they come from the environment or the CLI prompt.
func loadJsonFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setString(&config.DatabaseDriver, c.DatabaseDriver)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.MasterKey, c.MasterKey)
	setString(&config.MasterKeyPassphrase, c.MasterKeyPassphrase)
	setString(&config.MasterKeySalt, c.MasterKeySalt)
	setDuration(&config.PollInterval, c.PollInterval)
	setInt(&config.Workers, c.Workers)
	setDuration(&config.RequestTimeout, c.RequestTimeout)
	setInt(&config.MaxAttempts, c.MaxAttempts)
	setInt(&config.FetchLimit, c.FetchLimit)
	setDuration(&config.StaleRunAfter, c.StaleRunAfter)
	setDuration(&config.RateWindow, c.RateWindow)
	setInt(&config.TwitterBudget, c.TwitterBudget)
	setInt(&config.BlueskyBudget, c.BlueskyBudget)
	setString(&config.TwitterAPIBase, c.TwitterAPIBase)
	setString(&config.BlueskyPDS, c.BlueskyPDS)
	setString(&config.BootstrapUser, c.BootstrapUser)
	setString(&config.BlueskyIdentifier, c.BlueskyIdentifier)
	setString(&config.HealthAddr, c.HealthAddr)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
