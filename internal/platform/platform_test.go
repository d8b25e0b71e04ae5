package platform

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	Adapter
	p models.Platform
}

func (s stubAdapter) Platform() models.Platform { return s.p }

func (s stubAdapter) FetchRecent(context.Context, *models.Session, models.Marker, int) iter.Seq2[models.ContentItem, error] {
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{p: models.Twitter}, stubAdapter{p: models.Bluesky})

	assert.Equal(t, []models.Platform{models.Bluesky, models.Twitter}, r.Platforms())

	a, err := r.Get(models.Twitter)
	require.NoError(t, err)
	assert.Equal(t, models.Twitter, a.Platform())

	_, err = r.Get(models.Platform("mastodon"))
	assert.Error(t, err)
}

func TestLimitsCheck(t *testing.T) {
	l := Limits{MaxGraphemes: 5, MaxMedia: 1}

	tests := []struct {
		name    string
		item    models.ContentItem
		wantErr bool
	}{
		{"fits", models.ContentItem{Text: "hello"}, false},
		{"combining marks count once", models.ContentItem{Text: strings.Repeat("e\u0301", 5)}, false},
		{"too long", models.ContentItem{Text: "hello!"}, true},
		{"empty", models.ContentItem{Text: " \n"}, true},
		{"media only", models.ContentItem{Media: []models.MediaRef{{ID: "a"}}}, false},
		{"too many media", models.ContentItem{Text: "x", Media: []models.MediaRef{{ID: "a"}, {ID: "b"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Check(models.Twitter, tt.item)
			if tt.wantErr {
				assert.True(t, errors.Is(err, common.ErrValidation), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAPIDo_Classification(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		status   int
		header   map[string]string
		body     string
		wantErr  error
		wantCode string
		retry    time.Duration
	}{
		{name: "reset header", status: 429, header: map[string]string{"ratelimit-reset": strconv.FormatInt(now.Add(time.Minute).Unix(), 10)}, wantErr: common.ErrRateLimit, retry: time.Minute},
		{name: "reset in past", status: 429, header: map[string]string{"ratelimit-reset": strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)}, wantErr: common.ErrRateLimit},
		{name: "retry-after", status: 429, header: map[string]string{"Retry-After": "30"}, wantErr: common.ErrRateLimit, retry: 30 * time.Second},
		{name: "no hint", status: 429, wantErr: common.ErrRateLimit},
		{name: "expired token code", status: 400, body: `{"error":"ExpiredToken","message":"Token has expired"}`, wantErr: common.ErrAuth, wantCode: "ExpiredToken"},
		{name: "unauthorized", status: 401, body: `{"error":"AuthenticationRequired"}`, wantErr: common.ErrAuth, wantCode: "AuthenticationRequired"},
		{name: "forbidden", status: 403, wantErr: common.ErrAuth},
		{name: "not found", status: 404, wantErr: common.ErrorNotFound},
		{name: "invalid request", status: 400, body: `{"error":"InvalidRequest","message":"Record/text must not be longer than 300 graphemes"}`, wantErr: common.ErrValidation, wantCode: "InvalidRequest"},
		{name: "payload too large", status: 413, wantErr: common.ErrValidation},
		{name: "server error", status: 500, body: "<html>oops</html>", wantErr: common.ErrNetwork},
		{name: "unavailable", status: 503, wantErr: common.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			api := &API{Platform: models.Bluesky, BaseURL: srv.URL, ResetHeader: "ratelimit-reset", Clock: clock.Fake(now)}
			req, err := api.NewRequest(context.Background(), http.MethodGet, "/x", nil, nil)
			require.NoError(t, err)

			err = api.Do(srv.Client(), req, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)

			if tt.wantErr == common.ErrRateLimit {
				d, ok := RetryAfter(err)
				assert.True(t, ok)
				assert.Equal(t, tt.retry, d)
				return
			}

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestAPIDo_LongMessageKeepsValidUTF8(t *testing.T) {
	// one ASCII byte shifts every two-byte character across the cut
	msg := "x" + strings.Repeat("ж", maxErrorMessage)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"InvalidRequest","message":"` + msg + `"}`))
	}))
	defer srv.Close()

	api := &API{Platform: models.Bluesky, BaseURL: srv.URL, Clock: clock.Fake(time.Now())}
	req, err := api.NewRequest(context.Background(), http.MethodGet, "/x", nil, nil)
	require.NoError(t, err)

	var apiErr *APIError
	require.True(t, errors.As(api.Do(srv.Client(), req, nil), &apiErr))
	assert.True(t, utf8.ValidString(apiErr.Message))
	assert.LessOrEqual(t, len(apiErr.Message), maxErrorMessage)
	assert.True(t, strings.HasPrefix(msg, apiErr.Message))
}

func TestAPIDo_DecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "a=1", r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"name":"ok"}`))
	}))
	defer srv.Close()

	api := &API{Platform: models.Twitter, BaseURL: srv.URL + "/"}
	req, err := api.NewRequest(context.Background(), http.MethodPost, "/x", map[string][]string{"a": {"1"}}, map[string]string{"k": "v"})
	require.NoError(t, err)

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, api.Do(srv.Client(), req, &out))
	assert.Equal(t, "ok", out.Name)
}

func TestAPIDo_BadJSONIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":`))
	}))
	defer srv.Close()

	api := &API{Platform: models.Twitter, BaseURL: srv.URL}
	req, err := api.NewRequest(context.Background(), http.MethodGet, "/x", nil, nil)
	require.NoError(t, err)

	var out map[string]any
	err = api.Do(srv.Client(), req, &out)
	assert.True(t, errors.Is(err, common.ErrNetwork))
}

func TestAPIDo_DeadlineIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	api := &API{Platform: models.Twitter, BaseURL: srv.URL}
	req, err := api.NewRequest(ctx, http.MethodGet, "/slow", nil, nil)
	require.NoError(t, err)

	err = api.Do(srv.Client(), req, nil)
	assert.True(t, errors.Is(err, common.ErrNetwork))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDownloadMedia(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	})
	mux.HandleFunc("/huge", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", MaxMediaBytes+1)))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()

	data, mime, err := DownloadMedia(ctx, srv.Client(), models.MediaRef{URL: srv.URL + "/ok.png"})
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "image/png", mime)

	_, _, err = DownloadMedia(ctx, srv.Client(), models.MediaRef{URL: srv.URL + "/huge"})
	assert.True(t, errors.Is(err, common.ErrValidation))

	_, _, err = DownloadMedia(ctx, srv.Client(), models.MediaRef{URL: srv.URL + "/gone"})
	assert.True(t, errors.Is(err, common.ErrValidation))

	_, _, err = DownloadMedia(ctx, srv.Client(), models.MediaRef{URL: srv.URL + "/broken"})
	assert.True(t, errors.Is(err, common.ErrNetwork))

	_, _, err = DownloadMedia(ctx, srv.Client(), models.MediaRef{ID: "x"})
	assert.True(t, errors.Is(err, common.ErrValidation))
}
