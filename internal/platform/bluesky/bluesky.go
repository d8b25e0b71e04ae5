// Package bluesky implements the platform adapter for Bluesky over the AT
// Protocol XRPC API, authenticated with an app password session.
package bluesky

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultPDS = "https://bsky.social"

	pageSize = 100
)

var limits = platform.Limits{MaxGraphemes: 300, MaxMedia: 4}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// Config configures an Adapter.
type Config struct {
	// BaseURL is the user's PDS.
	BaseURL    string
	HTTPClient *http.Client
	Clock      clock.Clock
}

// Adapter talks to a Bluesky PDS.
type Adapter struct {
	api   *platform.API
	http  *http.Client
	clock clock.Clock
}

// New creates an Adapter, filling defaults for zero Config fields.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPDS
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Adapter{
		api: &platform.API{
			Platform:    models.Bluesky,
			BaseURL:     cfg.BaseURL,
			ResetHeader: "ratelimit-reset",
			Clock:       cfg.Clock,
		},
		http:  cfg.HTTPClient,
		clock: cfg.Clock,
	}
}

func (a *Adapter) Platform() models.Platform { return models.Bluesky }

func (a *Adapter) CredentialType() string { return models.CredentialAppPassword }

// EncodeSecret builds the stored credential for an identifier (handle or
// DID) and app password.
func EncodeSecret(identifier, password string) ([]byte, error) {
	return json.Marshal(credentials{Identifier: identifier, Password: password})
}

// Authenticate opens a session with the identifier and app password stored
// in secret as {"identifier": ..., "password": ...}.
func (a *Adapter) Authenticate(ctx context.Context, secret []byte) (*models.Session, error) {
	var creds credentials
	if err := json.Unmarshal(secret, &creds); err != nil {
		return nil, fmt.Errorf("%w: bluesky: malformed app password credential", common.ErrAuth)
	}
	if creds.Identifier == "" || creds.Password == "" {
		return nil, fmt.Errorf("%w: bluesky: identifier and password are required", common.ErrAuth)
	}

	req, err := a.api.NewRequest(ctx, http.MethodPost, "/xrpc/com.atproto.server.createSession", nil, creds)
	if err != nil {
		return nil, err
	}

	var resp sessionResponse
	if err := a.api.Do(a.http, req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessJwt == "" || resp.DID == "" {
		return nil, fmt.Errorf("%w: bluesky: session response without token", common.ErrAuth)
	}

	return &models.Session{
		Platform:    models.Bluesky,
		AccountID:   resp.DID,
		Handle:      resp.Handle,
		AccessToken: resp.AccessJwt,
		ExpiresAt:   tokenExpiry(resp.AccessJwt),
	}, nil
}

// tokenExpiry reads the exp claim of an access token. The PDS is the only
// party that verifies it, so the signature is not checked here.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.UTC()
}

func (a *Adapter) do(s *models.Session, req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	return a.api.Do(a.http, req, out)
}

// FetchRecent reads the author feed newest-first until it reaches the
// marker, then yields the collected posts oldest-first. The marker is the
// creation time of the newest processed post.
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

	var after time.Time
	if since != "" {
		t, err := time.Parse(time.RFC3339Nano, string(since))
		if err != nil {
			return nil, fmt.Errorf("bluesky: invalid marker %q: %w", since, err)
		}
		after = t
	}

	var (
		items  []models.ContentItem
		cursor string
	)
	// pages are read back to the marker however deep it lies
	for {
		q := url.Values{}
		q.Set("actor", s.AccountID)
		q.Set("limit", strconv.Itoa(min(limit, pageSize)))
		q.Set("filter", "posts_and_author_threads")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		req, err := a.api.NewRequest(ctx, http.MethodGet, "/xrpc/app.bsky.feed.getAuthorFeed", q, nil)
		if err != nil {
			return nil, err
		}

		var resp feedResponse
		if err := a.do(s, req, &resp); err != nil {
			return nil, err
		}

		reached := false
		for _, fi := range resp.Feed {
			it, ok := toItem(s, fi)
			if !ok {
				continue
			}
			if !after.IsZero() && !it.CreatedAt.After(after) {
				reached = true
				continue
			}
			items = append(items, it)
		}

		prev := cursor
		cursor = resp.Cursor
		if cursor == "" || since == "" || reached {
			break
		}
		if cursor == prev {
			return nil, fmt.Errorf("bluesky: feed cursor %q repeated", cursor)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].SourceID < items[j].SourceID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func toItem(s *models.Session, fi feedItem) (models.ContentItem, bool) {
	// reposts and pinned posts carry a reason
	if len(fi.Reason) > 0 && string(fi.Reason) != "null" {
		return models.ContentItem{}, false
	}
	p := fi.Post
	if p.Author.DID != s.AccountID {
		return models.ContentItem{}, false
	}

	created, err := time.Parse(time.RFC3339Nano, p.Record.CreatedAt)
	if err != nil {
		return models.ContentItem{}, false
	}
	created = created.UTC()

	it := models.ContentItem{
		SourcePlatform: models.Bluesky,
		SourceID:       p.URI,
		Author:         p.Author.Handle,
		Text:           expandLinks(p.Record.Text, p.Record.Facets),
		CreatedAt:      created,
		Cursor:         models.Marker(created.Format(time.RFC3339Nano)),
		Metrics: models.Engagement{
			Likes:   p.LikeCount,
			Reposts: p.RepostCount + p.QuoteCount,
			Replies: p.ReplyCount,
		},
	}

	if r := p.Record.Reply; r != nil {
		// replies to other accounts are conversations, not threads
		if repoOf(r.Parent.URI) != s.AccountID {
			return models.ContentItem{}, false
		}
		it.ThreadParentID = r.Parent.URI
		it.ThreadRootID = r.Root.URI
	}

	if p.Record.Embed != nil && p.Record.Embed.Type == imagesEmbedType {
		for i, img := range p.Record.Embed.Images {
			ref := models.MediaRef{ID: img.Image.Ref.Link, MimeType: img.Image.MimeType, AltText: img.Alt}
			if p.Embed != nil && i < len(p.Embed.Images) {
				ref.URL = p.Embed.Images[i].Fullsize
			}
			it.Media = append(it.Media, ref)
		}
	}
	return it, true
}

// repoOf returns the DID authority of an at:// URI.
func repoOf(uri string) string {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ""
	}
	repo, _, _ := strings.Cut(rest, "/")
	return repo
}

// expandLinks restores full URLs that clients shortened in the visible text
// of link facets.
func expandLinks(text string, facets []facet) string {
	links := make([]facet, 0, len(facets))
	for _, f := range facets {
		if linkURI(f) != "" {
			links = append(links, f)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Index.ByteStart > links[j].Index.ByteStart })

	end := len(text) + 1
	for _, f := range links {
		start, stop := f.Index.ByteStart, f.Index.ByteEnd
		if start < 0 || stop > len(text) || start >= stop || stop > end {
			continue
		}
		text = text[:start] + linkURI(f) + text[stop:]
		end = start
	}
	return text
}

func linkURI(f facet) string {
	for _, ft := range f.Features {
		if ft.Type == linkFeature && ft.URI != "" {
			return ft.URI
		}
	}
	return ""
}

// linkFacets marks every URL in text as a link so it renders clickable.
func linkFacets(text string) []facet {
	var out []facet
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		for end > start && strings.ContainsRune(".,;:!?)\"'", rune(text[end-1])) {
			end--
		}
		var f facet
		f.Index.ByteStart = start
		f.Index.ByteEnd = end
		f.Features = []feature{{Type: linkFeature, URI: text[start:end]}}
		out = append(out, f)
	}
	return out
}

func (a *Adapter) Validate(c models.ContentItem) error {
	return limits.Check(models.Bluesky, c)
}

// Publish uploads attachments and creates a post record, replying to parent
// when it still exists.
func (a *Adapter) Publish(ctx context.Context, s *models.Session, c models.ContentItem, parent *platform.ThreadRef) (string, error) {
	if err := a.Validate(c); err != nil {
		return "", err
	}

	rec := postRecord{
		Type:      postType,
		Text:      c.Text,
		CreatedAt: a.clock.Now().UTC().Format(time.RFC3339Nano),
		Facets:    linkFacets(c.Text),
	}

	if parent != nil && parent.ID != "" {
		reply, err := a.resolveReply(ctx, s, parent)
		if err != nil {
			return "", err
		}
		rec.Reply = reply
	}

	for _, m := range c.Media {
		b, err := a.uploadBlob(ctx, s, m)
		if err != nil {
			return "", err
		}
		if rec.Embed == nil {
			rec.Embed = &embedRecord{Type: imagesEmbedType}
		}
		rec.Embed.Images = append(rec.Embed.Images, image{Alt: m.AltText, Image: b})
	}

	req, err := a.api.NewRequest(ctx, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", nil, createRecordRequest{
		Repo:       s.AccountID,
		Collection: postCollection,
		Record:     rec,
	})
	if err != nil {
		return "", err
	}

	var resp createRecordResponse
	if err := a.do(s, req, &resp); err != nil {
		return "", err
	}
	if resp.URI == "" {
		return "", fmt.Errorf("%w: bluesky: create record returned no uri", common.ErrNetwork)
	}
	return resp.URI, nil
}

// resolveReply looks up the strong refs of the parent and root posts. A
// deleted parent yields nil and the post is published unthreaded.
func (a *Adapter) resolveReply(ctx context.Context, s *models.Session, parent *platform.ThreadRef) (*replyRef, error) {
	q := url.Values{}
	q.Add("uris", parent.ID)
	if parent.RootID != "" && parent.RootID != parent.ID {
		q.Add("uris", parent.RootID)
	}

	req, err := a.api.NewRequest(ctx, http.MethodGet, "/xrpc/app.bsky.feed.getPosts", q, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Posts []postView `json:"posts"`
	}
	if err := a.do(s, req, &resp); err != nil {
		return nil, err
	}

	refs := make(map[string]strongRef, len(resp.Posts))
	for _, p := range resp.Posts {
		refs[p.URI] = strongRef{URI: p.URI, CID: p.CID}
	}

	p, ok := refs[parent.ID]
	if !ok {
		return nil, nil
	}
	root, ok := refs[parent.RootID]
	if !ok {
		root = p
	}
	return &replyRef{Root: root, Parent: p}, nil
}

func (a *Adapter) uploadBlob(ctx context.Context, s *models.Session, ref models.MediaRef) (blob, error) {
	data, mime, err := platform.DownloadMedia(ctx, a.http, ref)
	if err != nil {
		return blob{}, err
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	req, err := a.api.NewRawRequest(ctx, http.MethodPost, "/xrpc/com.atproto.repo.uploadBlob", mime, data)
	if err != nil {
		return blob{}, err
	}

	var resp struct {
		Blob blob `json:"blob"`
	}
	if err := a.do(s, req, &resp); err != nil {
		return blob{}, err
	}
	if resp.Blob.Ref.Link == "" {
		return blob{}, fmt.Errorf("%w: bluesky: upload returned no blob", common.ErrNetwork)
	}
	return resp.Blob, nil
}
