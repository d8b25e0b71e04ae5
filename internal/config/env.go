package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var lookupEnv = os.LookupEnv

// parseEnv overlays values from environment variables. Durations given as
// a bare integer are seconds; strings like "15m" are also accepted.
func parseEnv(config *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATABASE_DRIVER":       &config.DatabaseDriver,
		"DATABASE_DSN":          &config.DatabaseDSN,
		"MASTER_KEY":            &config.MasterKey,
		"MASTER_KEY_PASSPHRASE": &config.MasterKeyPassphrase,
		"MASTER_KEY_SALT":       &config.MasterKeySalt,
		"TWITTER_API_BASE":      &config.TwitterAPIBase,
		"BLUESKY_PDS":           &config.BlueskyPDS,
		"BOOTSTRAP_USER":        &config.BootstrapUser,
		"TWITTER_BEARER_TOKEN":  &config.TwitterBearerToken,
		"BLUESKY_IDENTIFIER":    &config.BlueskyIdentifier,
		"BLUESKY_APP_PASSWORD":  &config.BlueskyAppPassword,
		"HEALTH_ADDR":           &config.HealthAddr,
		"METRICS_ADDR":          &config.MetricsAddr,
		"S3_BUCKET":             &config.S3Bucket,
		"S3_REGION":             &config.S3Region,
		"S3_BASE_ENDPOINT":      &config.S3BaseEndpoint,
		"S3_ACCESS_KEY":         &config.S3AccessKey,
		"S3_SECRET_KEY":         &config.S3SecretKey,
		"LOG_LEVEL":             &config.LogLevel,
		"LOG_FORMAT":            &config.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SYNC_WORKERS":      &config.Workers,
		"SYNC_MAX_ATTEMPTS": &config.MaxAttempts,
		"SYNC_FETCH_LIMIT":  &config.FetchLimit,
		"TWITTER_BUDGET":    &config.TwitterBudget,
		"BLUESKY_BUDGET":    &config.BlueskyBudget,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":   &config.PollInterval,
		"REQUEST_TIMEOUT": &config.RequestTimeout,
		"RATE_WINDOW":     &config.RateWindow,
		"STALE_RUN_AFTER": &config.StaleRunAfter,
	}
	for name, dst := range durations {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = d
	}

	return nil
}

func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
