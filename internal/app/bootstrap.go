package app

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform/bluesky"
)

// SetCredential seals secret into the vault and records it in the audit
// trail. The caller wipes secret.
func (a *App) SetCredential(ctx context.Context, userID string, p models.Platform, credType string, secret []byte) error {
	if _, err := a.Vault.Store(ctx, userID, p, credType, secret); err != nil {
		_ = a.Audit.Record(ctx, userID, models.ActionCredentialSet, p, models.OutcomeError, credType)
		return err
	}
	return a.Audit.Record(ctx, userID, models.ActionCredentialSet, p, models.OutcomeOK, credType)
}

// Bootstrap stores the credentials given in configuration for
// BootstrapUser. It does nothing when none are configured.
func (a *App) Bootstrap(ctx context.Context) error {
	cfg := a.config
	if !cfg.HasBootstrap() {
		return nil
	}

	if cfg.TwitterBearerToken != "" {
		secret := []byte(cfg.TwitterBearerToken)
		err := a.SetCredential(ctx, cfg.BootstrapUser, models.Twitter, models.CredentialBearerToken, secret)
		common.WipeByteArray(secret)
		if err != nil {
			return fmt.Errorf("bootstrap twitter credential: %w", err)
		}
	}

	if cfg.BlueskyAppPassword != "" {
		secret, err := bluesky.EncodeSecret(cfg.BlueskyIdentifier, cfg.BlueskyAppPassword)
		if err != nil {
			return fmt.Errorf("bootstrap bluesky credential: %w", err)
		}
		err = a.SetCredential(ctx, cfg.BootstrapUser, models.Bluesky, models.CredentialAppPassword, secret)
		common.WipeByteArray(secret)
		if err != nil {
			return fmt.Errorf("bootstrap bluesky credential: %w", err)
		}
	}

	a.logger.Info(ctx, "bootstrap credentials stored", "user_id", cfg.BootstrapUser)
	return nil
}

// RotateMasterKey re-seals every credential under newKey and audits the
// outcome. Rows that failed are listed in the returned error.
func (a *App) RotateMasterKey(ctx context.Context, oldKey, newKey []byte) (int, error) {
	report, err := a.Vault.RotateMasterKey(ctx, oldKey, newKey)
	outcome := models.OutcomeOK
	if err != nil {
		outcome = models.OutcomeError
	}
	detail := fmt.Sprintf("rotated=%d skipped=%d failed=%d", report.Rotated, report.Skipped, len(report.Failed))
	_ = a.Audit.Record(ctx, "", models.ActionKeyRotate, "", outcome, detail)
	return report.Rotated, err
}
