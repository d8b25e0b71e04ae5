// Package vault is the credential store: platform secrets are sealed with
// AES-256-GCM under the process master key and bound to their owner, so a
// row can never be opened as another user's or another platform's secret.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/cryptox"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/repositories/repomanager"
	"github.com/google/uuid"
)

// Vault stores and retrieves encrypted credentials.
type Vault struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	keys   *Keyring
	clock  clock.Clock
	logger logging.Logger
	locks  rowLocks
}

// New constructs a Vault. keys is owned by the caller, who closes it on
// shutdown.
func New(db *sql.DB, repos repomanager.RepositoryManager, keys *Keyring, clk clock.Clock, logger logging.Logger) *Vault {
	return &Vault{
		db:     db,
		repos:  repos,
		keys:   keys,
		clock:  clk,
		logger: logger.With("module", "vault"),
	}
}

func associatedData(userID string, platform models.Platform, credType string) []byte {
	return cryptox.AssociatedData(userID, string(platform), credType)
}

// Store seals plaintext and saves it, replacing any existing credential of
// the same user, platform and type.
func (v *Vault) Store(ctx context.Context, userID string, platform models.Platform, credType string, plaintext []byte) (*models.Credential, error) {
	keyID, key, err := v.keys.Current()
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, tag, err := cryptox.Seal(key, plaintext, associatedData(userID, platform, credType))
	if err != nil {
		return nil, err
	}

	now := v.clock.Now().UTC()
	c := &models.Credential{
		ID:             uuid.NewString(),
		UserID:         userID,
		Platform:       platform,
		CredentialType: credType,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		Tag:            tag,
		KeyID:          keyID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	unlock := v.locks.lock(userID, platform, credType)
	defer unlock()

	if err := v.repos.Credentials(v.db).Upsert(ctx, c); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	v.logger.Info(ctx, "credential stored", "user_id", userID, "platform", platform, "type", credType, "key_id", keyID)
	return c, nil
}

// Retrieve opens the credential. A missing row fails with common.ErrCredential
// wrapping common.ErrorNotFound; a row that does not authenticate fails with
// common.ErrDecryption. The caller wipes the returned plaintext.
func (v *Vault) Retrieve(ctx context.Context, userID string, platform models.Platform, credType string) ([]byte, error) {
	unlock := v.locks.rlock(userID, platform, credType)
	defer unlock()

	c, err := v.repos.Credentials(v.db).Get(ctx, userID, platform, credType)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("%w: no %s %s for user: %w", common.ErrCredential, platform, credType, err)
	}
	if err != nil {
		return nil, err
	}

	return v.open(c)
}

func (v *Vault) open(c *models.Credential) ([]byte, error) {
	key, ok := v.keys.Key(c.KeyID)
	if !ok {
		return nil, fmt.Errorf("%w: credential sealed by unknown key %s", common.ErrDecryption, c.KeyID)
	}
	return cryptox.Open(key, c.Nonce, c.Ciphertext, c.Tag, associatedData(c.UserID, c.Platform, c.CredentialType))
}

// Has reports whether the credential exists, without opening it.
func (v *Vault) Has(ctx context.Context, userID string, platform models.Platform, credType string) (bool, error) {
	_, err := v.repos.Credentials(v.db).Get(ctx, userID, platform, credType)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a credential.
func (v *Vault) Delete(ctx context.Context, userID string, platform models.Platform, credType string) error {
	unlock := v.locks.lock(userID, platform, credType)
	defer unlock()
	return v.repos.Credentials(v.db).Delete(ctx, userID, platform, credType)
}

// ListUsers returns the users that own at least one credential.
func (v *Vault) ListUsers(ctx context.Context) ([]string, error) {
	return v.repos.Credentials(v.db).ListUsers(ctx)
}

// RotationFailure describes a credential that was left under its old key.
type RotationFailure struct {
	CredentialID string
	Err          error
}

// RotationReport summarizes RotateMasterKey.
type RotationReport struct {
	Rotated int
	Skipped int
	Failed  []RotationFailure
}

// RotateMasterKey re-seals every credential from oldKey to newKey. newKey
// becomes the current key before any row is touched, so credentials stored
// during rotation are already under it.
//
// Each row is rotated in its own transaction while holding that row's lock:
// it is re-read, opened with oldKey, sealed with newKey and written back only
// if its nonce is unchanged. Rows already under newKey are skipped, so
// running the rotation again after an interruption completes it. A row that
// cannot be opened is reported and left untouched.
func (v *Vault) RotateMasterKey(ctx context.Context, oldKey, newKey []byte) (RotationReport, error) {
	var report RotationReport

	if err := checkKey(oldKey); err != nil {
		return report, err
	}
	if err := checkKey(newKey); err != nil {
		return report, err
	}

	oldID, err := v.keys.Add(oldKey)
	if err != nil {
		return report, err
	}
	newID, err := v.keys.SetCurrent(newKey)
	if err != nil {
		return report, err
	}

	creds, err := v.repos.Credentials(v.db).List(ctx)
	if err != nil {
		return report, fmt.Errorf("list credentials: %w", err)
	}

	for _, c := range creds {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		rotated, err := v.rotateRow(ctx, c, oldID, oldKey, newID, newKey)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, RotationFailure{CredentialID: c.ID, Err: err})
			v.logger.Error(ctx, "credential rotation failed", "credential_id", c.ID, "error", err)
		case rotated:
			report.Rotated++
		default:
			report.Skipped++
		}
	}

	v.logger.Info(ctx, "master key rotation finished",
		"new_key_id", newID, "rotated", report.Rotated, "skipped", report.Skipped, "failed", len(report.Failed))

	if len(report.Failed) > 0 {
		errs := make([]error, 0, len(report.Failed))
		for _, f := range report.Failed {
			errs = append(errs, fmt.Errorf("credential %s: %w", f.CredentialID, f.Err))
		}
		return report, errors.Join(errs...)
	}
	return report, nil
}

func (v *Vault) rotateRow(ctx context.Context, listed *models.Credential, oldID string, oldKey []byte, newID string, newKey []byte) (bool, error) {
	unlock := v.locks.lock(listed.UserID, listed.Platform, listed.CredentialType)
	defer unlock()

	rotated := false
	err := dbx.WithTx(ctx, v.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := v.repos.Credentials(tx)

		c, err := repo.GetByID(ctx, listed.ID)
		if err != nil {
			return err
		}
		if c.KeyID == newID {
			return nil
		}
		if c.KeyID != oldID {
			return fmt.Errorf("%w: sealed by key %s, not the key being rotated", common.ErrDecryption, c.KeyID)
		}

		aad := associatedData(c.UserID, c.Platform, c.CredentialType)
		plaintext, err := cryptox.Open(oldKey, c.Nonce, c.Ciphertext, c.Tag, aad)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(plaintext)

		nonce, ciphertext, tag, err := cryptox.Seal(newKey, plaintext, aad)
		if err != nil {
			return err
		}

		oldNonce := c.Nonce
		c.Nonce, c.Ciphertext, c.Tag, c.KeyID = nonce, ciphertext, tag, newID
		c.UpdatedAt = v.clock.Now().UTC()

		if err := repo.CompareAndSwap(ctx, c, oldNonce); err != nil {
			return err
		}
		rotated = true
		return nil
	})
	return rotated, err
}

// rowLocks serializes access per credential row. Retrieve shares the lock;
// Store, Delete and rotation take it exclusively.
type rowLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func (l *rowLocks) get(userID string, platform models.Platform, credType string) *sync.RWMutex {
	key := string(cryptox.AssociatedData(userID, string(platform), credType))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.RWMutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[key] = m
	}
	return m
}

func (l *rowLocks) lock(userID string, platform models.Platform, credType string) func() {
	m := l.get(userID, platform, credType)
	m.Lock()
	return m.Unlock
}

func (l *rowLocks) rlock(userID string, platform models.Platform, credType string) func() {
	m := l.get(userID, platform, credType)
	m.RLock()
	return m.RUnlock
}
