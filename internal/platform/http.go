package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/goccy/go-json"
)

const (
	maxErrorBody    = 64 << 10
	maxErrorMessage = 200
)

// authCodes are error codes platforms return with a 400 when the session
// itself is the problem.
var authCodes = map[string]bool{
	"ExpiredToken":           true,
	"InvalidToken":           true,
	"AuthenticationRequired": true,
	"AccountTakedown":        true,
}

// API issues JSON requests against one platform and maps responses onto the
// common error taxonomy.
type API struct {
	Platform models.Platform
	BaseURL  string
	// ResetHeader carries the epoch second at which a 429 cooldown ends.
	ResetHeader string
	Clock       clock.Clock
}

// NewRequest builds a request for path relative to BaseURL. A non-nil body
// is encoded as JSON.
func (a *API) NewRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := strings.TrimRight(a.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// NewRawRequest builds a request that carries body verbatim.
func (a *API) NewRawRequest(ctx context.Context, method, path, contentType string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

// Do sends req with client and decodes a successful JSON response into out
// (which may be nil).
func (a *API) Do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", common.ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %w", common.ErrNetwork, req.URL.Path, err)
		}
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return a.classify(resp, body)
}

func (a *API) classify(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Platform: a.Platform, RetryAfter: a.retryAfter(resp.Header)}
	}

	apiErr := &APIError{Platform: a.Platform, Status: resp.StatusCode}
	apiErr.Code, apiErr.Message = errorFields(body)

	switch {
	case authCodes[apiErr.Code]:
		apiErr.kind = common.ErrAuth
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		apiErr.kind = common.ErrAuth
	case resp.StatusCode == http.StatusNotFound:
		apiErr.kind = common.ErrorNotFound
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusUnprocessableEntity:
		apiErr.kind = common.ErrValidation
	default:
		apiErr.kind = common.ErrNetwork
	}
	return apiErr
}

func (a *API) retryAfter(h http.Header) time.Duration {
	if a.ResetHeader != "" {
		if v := h.Get(a.ResetHeader); v != "" {
			if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
				d := time.Unix(epoch, 0).Sub(a.now())
				if d > 0 {
					return d
				}
				return 0
			}
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func (a *API) now() time.Time {
	if a.Clock == nil {
		return time.Now()
	}
	return a.Clock.Now()
}

// errorFields pulls a short code and message out of the error shapes the
// supported platforms use. Unknown bodies yield empty strings.
func errorFields(body []byte) (code, message string) {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Title   string `json:"title"`
		Detail  string `json:"detail"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}

	code = e.Error
	if code == "" {
		code = e.Title
	}
	message = e.Message
	if message == "" {
		message = e.Detail
	}
	if message == "" && len(e.Errors) > 0 {
		message = e.Errors[0].Message
	}
	return code, common.TruncateString(message, maxErrorMessage)
}
