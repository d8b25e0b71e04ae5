package config

import (
	"flag"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/flagx"
)

// parseFlags overlays command-line flags.
//
//	-D string   database driver (pgx or sqlite)
//	-d string   database DSN
//	-k string   master key (hex or base64)
//	-i int      poll interval, seconds
//	-w int      number of sync workers
//	-t int      per-call request timeout, seconds
//	-a string   gRPC health bind address
//	-m string   metrics HTTP bind address
//	-l string   log level
//
// Unknown flags (for example -c) are filtered out before parsing.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-D", "-d", "-k", "-i", "-w", "-t", "-a", "-m", "-l"})

	fs := flag.NewFlagSet("syncd", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDriver, "D", config.DatabaseDriver, "database driver (pgx or sqlite)")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.MasterKey, "k", config.MasterKey, "master key, hex or base64")

	pollInterval := fs.Int("i", int(config.PollInterval.Seconds()), "poll interval (in seconds)")
	fs.IntVar(&config.Workers, "w", config.Workers, "number of sync workers")
	requestTimeout := fs.Int("t", int(config.RequestTimeout.Seconds()), "per-call request timeout (in seconds)")

	fs.StringVar(&config.HealthAddr, "a", config.HealthAddr, "gRPC health address")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics HTTP address")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return err
	}

	config.PollInterval = time.Duration(*pollInterval) * time.Second
	config.RequestTimeout = time.Duration(*requestTimeout) * time.Second
	return nil
}
