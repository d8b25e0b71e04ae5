package models

import "time"

// MediaRef points at a media attachment of a post.
type MediaRef struct {
	// ID is the platform's stable identifier (media key, blob cid). May be
	// empty when only a URL is known.
	ID       string
	URL      string
	MimeType string
	AltText  string
}

// Key is the canonical identifier used for fingerprinting.
func (m MediaRef) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.URL
}

// Engagement holds platform-reported counters for a post.
type Engagement struct {
	Likes   int64
	Reposts int64
	Replies int64
}

// ContentItem is one post read from a source platform.
type ContentItem struct {
	SourcePlatform Platform
	SourceID       string
	Author         string
	Text           string
	Media          []MediaRef
	CreatedAt      time.Time

	// ThreadParentID and ThreadRootID are source-platform ids of the post
	// this one replies to and of the thread's first post. Empty for
	// top-level posts.
	ThreadParentID string
	ThreadRootID   string

	// Cursor is the marker value that, once stored, excludes this item and
	// everything older from the next fetch.
	Cursor Marker

	Metrics Engagement
}

// IsReply reports whether the item continues a thread.
func (c ContentItem) IsReply() bool {
	return c.ThreadParentID != ""
}

// Marker is an opaque, platform-specific fetch position. The zero value
// means "from the beginning".
type Marker string

// Fingerprint is the hex digest of normalized content.
type Fingerprint string
