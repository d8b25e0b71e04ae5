package models

import "time"

const (
	CredentialBearerToken = "bearer_token"
	CredentialAppPassword = "app_password"
)

// Credential is an encrypted platform secret owned by one user. The
// plaintext never appears in this struct.
type Credential struct {
	ID             string
	UserID         string
	Platform       Platform
	CredentialType string
	Ciphertext     []byte
	Nonce          []byte
	Tag            []byte
	// KeyID identifies the master key that sealed the row.
	KeyID     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is authenticated platform state produced by an adapter. It lives
// only in memory for the duration of a run.
type Session struct {
	Platform  Platform
	AccountID string
	Handle    string
	// AccessToken authorizes API calls. Never logged.
	AccessToken string
	ExpiresAt   time.Time
}
