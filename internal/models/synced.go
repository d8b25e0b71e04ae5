package models

import "time"

// SyncedContent records that a fingerprint was mirrored in a direction.
// (UserID, Fingerprint, Direction) is unique.
type SyncedContent struct {
	ID          string
	UserID      string
	Fingerprint Fingerprint
	Direction   Direction
	SourceID    string
	DestID      string
	CreatedAt   time.Time
}

// SyncMarker is the stored fetch position for one user and direction.
type SyncMarker struct {
	UserID    string
	Direction Direction
	Marker    Marker
	UpdatedAt time.Time
}
