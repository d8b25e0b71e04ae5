package platform

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/models"
)

// RateLimitError reports platform throttling. RetryAfter is the cooldown
// the platform announced, or zero when it gave none.
type RateLimitError struct {
	Platform   models.Platform
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Platform, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Platform)
}

// Is makes errors.Is(err, common.ErrRateLimit) true.
func (e *RateLimitError) Is(target error) bool {
	return target == common.ErrRateLimit
}

// RetryAfter extracts the announced cooldown from err.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// APIError is a non-success HTTP response. It unwraps to the sentinel
// error of its class (auth, validation, network, not found).
type APIError struct {
	Platform models.Platform
	Status   int
	Code     string
	Message  string
	kind     error
}

func (e *APIError) Error() string {
	msg := e.Code
	if e.Message != "" {
		if msg != "" {
			msg += ": "
		}
		msg += e.Message
	}
	return fmt.Sprintf("%s api: status %d: %s", e.Platform, e.Status, msg)
}

func (e *APIError) Unwrap() error { return e.kind }

// Validationf builds a content constraint violation.
func Validationf(p models.Platform, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", common.ErrValidation, p, fmt.Sprintf(format, args...))
}
