// Package twitter implements the platform adapter for the Twitter (X) API
// v2, authenticated with an OAuth 2.0 bearer token.
package twitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"iter"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://api.twitter.com"

	pageSize = 100
)

var limits = platform.Limits{MaxGraphemes: 280, MaxMedia: 4}

// Config configures an Adapter.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Clock      clock.Clock
}

// Adapter talks to the Twitter API v2.
type Adapter struct {
	api  *platform.API
	http *http.Client
}

// New creates an Adapter, filling defaults for zero Config fields.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Adapter{
		api: &platform.API{
			Platform:    models.Twitter,
			BaseURL:     cfg.BaseURL,
			ResetHeader: "x-rate-limit-reset",
			Clock:       cfg.Clock,
		},
		http: cfg.HTTPClient,
	}
}

func (a *Adapter) Platform() models.Platform { return models.Twitter }

func (a *Adapter) CredentialType() string { return models.CredentialBearerToken }

// client returns an HTTP client that authorizes requests with token.
func (a *Adapter) client(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.http)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
}

// Authenticate resolves the account behind a bearer token.
func (a *Adapter) Authenticate(ctx context.Context, secret []byte) (*models.Session, error) {
	token := strings.TrimSpace(string(secret))
	if token == "" {
		return nil, fmt.Errorf("%w: twitter: empty bearer token", common.ErrAuth)
	}

	req, err := a.api.NewRequest(ctx, http.MethodGet, "/2/users/me", nil, nil)
	if err != nil {
		return nil, err
	}

	var me struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := a.api.Do(a.client(ctx, token), req, &me); err != nil {
		return nil, err
	}
	if me.Data.ID == "" {
		return nil, fmt.Errorf("%w: twitter: token does not identify a user", common.ErrAuth)
	}

	return &models.Session{
		Platform:    models.Twitter,
		AccountID:   me.Data.ID,
		Handle:      me.Data.Username,
		AccessToken: token,
	}, nil
}

// FetchRecent walks the user's timeline newest-first from the API, then
// yields the collected tweets oldest-first. With no marker only the most
// recent page is read, so a new account does not mirror its whole history.
func (a *Adapter) FetchRecent(ctx context.Context, s *models.Session, since models.Marker, limit int) iter.Seq2[models.ContentItem, error] {
	return func(yield func(models.ContentItem, error) bool) {
		items, err := a.collect(ctx, s, since, limit)
		if err != nil {
			yield(models.ContentItem{}, err)
			return
		}
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
	}
}

func (a *Adapter) collect(ctx context.Context, s *models.Session, since models.Marker, limit int) ([]models.ContentItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	client := a.client(ctx, s.AccessToken)
	size := min(max(limit, 5), pageSize)

	var (
		items []models.ContentItem
		next  string
	)
	// without a marker only the newest page is read; with one, every page
	// back to it, so no post between the marker and now is skipped
	for {
		q := url.Values{}
		q.Set("max_results", strconv.Itoa(size))
		q.Set("exclude", "retweets")
		q.Set("tweet.fields", "created_at,conversation_id,in_reply_to_user_id,referenced_tweets,attachments,entities,public_metrics")
		q.Set("expansions", "attachments.media_keys")
		q.Set("media.fields", "url,type,alt_text,preview_image_url")
		if since != "" {
			q.Set("since_id", string(since))
		}
		if next != "" {
			q.Set("pagination_token", next)
		}

		req, err := a.api.NewRequest(ctx, http.MethodGet, "/2/users/"+url.PathEscape(s.AccountID)+"/tweets", q, nil)
		if err != nil {
			return nil, err
		}

		var resp timelineResponse
		if err := a.api.Do(client, req, &resp); err != nil {
			return nil, err
		}

		media := make(map[string]mediaObject, len(resp.Includes.Media))
		for _, m := range resp.Includes.Media {
			media[m.MediaKey] = m
		}
		for _, t := range resp.Data {
			if it, ok := toItem(s, t, media); ok {
				items = append(items, it)
			}
		}

		prev := next
		next = resp.Meta.NextToken
		if next == "" || since == "" {
			break
		}
		if next == prev {
			return nil, fmt.Errorf("twitter: pagination token %q repeated", next)
		}
	}

	sort.Slice(items, func(i, j int) bool { return lessID(items[i].SourceID, items[j].SourceID) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// lessID orders snowflake ids numerically without parsing them.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func toItem(s *models.Session, t tweet, media map[string]mediaObject) (models.ContentItem, bool) {
	var parent string
	for _, ref := range t.ReferencedTweets {
		switch ref.Type {
		case "retweeted":
			return models.ContentItem{}, false
		case "replied_to":
			parent = ref.ID
		}
	}
	// replies to other accounts are conversations, not threads
	if parent != "" && t.InReplyToUserID != s.AccountID {
		return models.ContentItem{}, false
	}

	it := models.ContentItem{
		SourcePlatform: models.Twitter,
		SourceID:       t.ID,
		Author:         s.Handle,
		Text:           expandText(t),
		CreatedAt:      t.CreatedAt.UTC(),
		Cursor:         models.Marker(t.ID),
		Metrics: models.Engagement{
			Likes:   t.PublicMetrics.LikeCount,
			Reposts: t.PublicMetrics.RetweetCount + t.PublicMetrics.QuoteCount,
			Replies: t.PublicMetrics.ReplyCount,
		},
	}
	if parent != "" {
		it.ThreadParentID = parent
		it.ThreadRootID = t.ConversationID
	}

	for _, key := range t.Attachments.MediaKeys {
		m, ok := media[key]
		if !ok {
			continue
		}
		u := m.URL
		if u == "" {
			u = m.PreviewImageURL
		}
		it.Media = append(it.Media, models.MediaRef{ID: m.MediaKey, URL: u, AltText: m.AltText})
	}
	return it, true
}

// expandText replaces t.co links with their targets, drops links that only
// point at attached media and unescapes the HTML entities the API returns.
func expandText(t tweet) string {
	text := t.Text
	for _, u := range t.Entities.URLs {
		replacement := u.ExpandedURL
		if u.MediaKey != "" || strings.HasPrefix(u.DisplayURL, "pic.twitter.com") || strings.HasPrefix(u.DisplayURL, "pic.x.com") {
			replacement = ""
		}
		text = strings.Replace(text, u.URL, replacement, 1)
	}
	return strings.TrimSpace(html.UnescapeString(text))
}

func (a *Adapter) Validate(c models.ContentItem) error {
	return limits.Check(models.Twitter, c)
}

// Publish uploads attachments and posts a tweet, replying to parent when set.
func (a *Adapter) Publish(ctx context.Context, s *models.Session, c models.ContentItem, parent *platform.ThreadRef) (string, error) {
	if err := a.Validate(c); err != nil {
		return "", err
	}

	client := a.client(ctx, s.AccessToken)

	body := createTweet{Text: c.Text}
	for _, m := range c.Media {
		id, err := a.uploadMedia(ctx, client, m)
		if err != nil {
			return "", err
		}
		if body.Media == nil {
			body.Media = &tweetMedia{}
		}
		body.Media.MediaIDs = append(body.Media.MediaIDs, id)
	}
	if parent != nil && parent.ID != "" {
		body.Reply = &tweetReply{InReplyToTweetID: parent.ID}
	}

	req, err := a.api.NewRequest(ctx, http.MethodPost, "/2/tweets", nil, body)
	if err != nil {
		return "", err
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.api.Do(client, req, &resp); err != nil {
		var apiErr *platform.APIError
		// the API answers 403 to duplicate status text
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden &&
			strings.Contains(strings.ToLower(apiErr.Message), "duplicate") {
			return "", platform.Validationf(models.Twitter, "duplicate content for %s", c.SourceID)
		}
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("%w: twitter: create tweet returned no id", common.ErrNetwork)
	}
	return resp.Data.ID, nil
}

func (a *Adapter) uploadMedia(ctx context.Context, client *http.Client, ref models.MediaRef) (string, error) {
	data, _, err := platform.DownloadMedia(ctx, a.http, ref)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("media_category", "tweet_image"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("media", "media")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := a.api.NewRawRequest(ctx, http.MethodPost, "/2/media/upload", w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.api.Do(client, req, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("%w: twitter: media upload returned no id", common.ErrNetwork)
	}
	return resp.Data.ID, nil
}
