package engine

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform"
)

type publishCall struct {
	item   models.ContentItem
	parent *platform.ThreadRef
	id     string
}

// fakeAdapter keeps one timeline per account. The account id is the
// secret, so each user sees only their own posts. Published posts land on
// the publishing account's timeline like on a real platform.
type fakeAdapter struct {
	mu sync.Mutex

	p        models.Platform
	credType string
	maxRunes int
	seq      int

	timelines map[string][]models.ContentItem
	published []publishCall
	fetches   int
	auths     int

	authErr error
	// fetchErr, when set, decides the result of the n-th fetch (1-based)
	fetchErr func(n int) error
	// publishErr, when set, decides the result of the n-th publish call
	publishErr func(ctx context.Context, n int, item models.ContentItem) error
}

func newFakeAdapter(p models.Platform, credType string) *fakeAdapter {
	return &fakeAdapter{p: p, credType: credType, maxRunes: 300, timelines: make(map[string][]models.ContentItem)}
}

func (f *fakeAdapter) nextID() (string, models.Marker) {
	f.seq++
	return fmt.Sprintf("%s-%d", f.p, f.seq), models.Marker(fmt.Sprintf("%06d", f.seq))
}

// post adds an original post to account's timeline and returns its id.
func (f *fakeAdapter) post(account, text string, opts ...func(*models.ContentItem)) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, cursor := f.nextID()
	it := models.ContentItem{
		SourcePlatform: f.p,
		SourceID:       id,
		Author:         account,
		Text:           text,
		Cursor:         cursor,
		Metrics:        models.Engagement{Likes: 1},
	}
	for _, o := range opts {
		o(&it)
	}
	f.timelines[account] = append(f.timelines[account], it)
	return id
}

func replyTo(parent, root string) func(*models.ContentItem) {
	return func(it *models.ContentItem) {
		it.ThreadParentID = parent
		it.ThreadRootID = root
	}
}

func (f *fakeAdapter) publishedCalls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.published)
}

func (f *fakeAdapter) publishedTexts() []string {
	var out []string
	for _, c := range f.publishedCalls() {
		if c.id != "" {
			out = append(out, c.item.Text)
		}
	}
	return out
}

func (f *fakeAdapter) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeAdapter) Platform() models.Platform { return f.p }

func (f *fakeAdapter) CredentialType() string { return f.credType }

func (f *fakeAdapter) Authenticate(_ context.Context, secret []byte) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths++
	if f.authErr != nil {
		return nil, f.authErr
	}
	account := string(secret)
	return &models.Session{Platform: f.p, AccountID: account, Handle: "@" + account, AccessToken: "t-" + account}, nil
}

func (f *fakeAdapter) FetchRecent(ctx context.Context, s *models.Session, since models.Marker, limit int) iter.Seq2[models.ContentItem, error] {
	return func(yield func(models.ContentItem, error) bool) {
		f.mu.Lock()
		f.fetches++
		n := f.fetches
		var items []models.ContentItem
		for _, it := range f.timelines[s.AccountID] {
			if it.Cursor > since && len(items) < limit {
				items = append(items, it)
			}
		}
		hook := f.fetchErr
		f.mu.Unlock()

		if hook != nil {
			if err := hook(n); err != nil {
				yield(models.ContentItem{}, err)
				return
			}
		}
		if err := ctx.Err(); err != nil {
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

func (f *fakeAdapter) Publish(ctx context.Context, s *models.Session, c models.ContentItem, parent *platform.ThreadRef) (string, error) {
	if err := f.Validate(c); err != nil {
		return "", err
	}

	f.mu.Lock()
	n := len(f.published) + 1
	hook := f.publishErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, n, c); err != nil {
			f.mu.Lock()
			f.published = append(f.published, publishCall{item: c, parent: parent})
			f.mu.Unlock()
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id, cursor := f.nextID()
	f.published = append(f.published, publishCall{item: c, parent: parent, id: id})
	mirror := c
	mirror.SourcePlatform, mirror.SourceID, mirror.Author, mirror.Cursor = f.p, id, s.AccountID, cursor
	mirror.ThreadParentID, mirror.ThreadRootID = "", ""
	if parent != nil {
		mirror.ThreadParentID, mirror.ThreadRootID = parent.ID, parent.RootID
	}
	f.timelines[s.AccountID] = append(f.timelines[s.AccountID], mirror)
	return id, nil
}

func (f *fakeAdapter) Validate(c models.ContentItem) error {
	if len([]rune(c.Text)) > f.maxRunes {
		return platform.Validationf(f.p, "text too long")
	}
	return nil
}
