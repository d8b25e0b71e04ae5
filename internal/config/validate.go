package config

import (
	"errors"
	"fmt"

	"github.com/gookit/validate"
)

// Validate checks the rules declared in struct tags, then the duration
// settings, which the tag rules do not cover.
func (c *Config) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return fmt.Errorf("config: %w", errors.New(v.Errors.One()))
	}

	return errors.Join(
		positive("poll interval", c.PollInterval),
		positive("request timeout", c.RequestTimeout),
		positive("rate window", c.RateWindow),
		positive("stale run threshold", c.StaleRunAfter),
	)
}
