package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/cryptox"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform/bluesky"
	"github.com/spf13/cobra"
)

// NewCredentialCommand groups the credential subcommands.
func NewCredentialCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage encrypted platform credentials",
	}
	cmd.AddCommand(newCredentialSetCommand(opts))
	cmd.AddCommand(newCredentialDeleteCommand(opts))
	cmd.AddCommand(newCredentialRotateCommand(opts))
	cmd.AddCommand(newKeygenCommand(opts))
	return cmd
}

type credentialOptions struct {
	user       string
	platform   string
	credType   string
	identifier string
}

// defaultCredentialType is what each adapter authenticates with.
func defaultCredentialType(p models.Platform) string {
	if p == models.Bluesky {
		return models.CredentialAppPassword
	}
	return models.CredentialBearerToken
}

func newCredentialSetCommand(opts *RootOptions) *cobra.Command {
	co := &credentialOptions{}

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a credential, reading the secret from the terminal",
		Long: `Store a platform credential for a user. The secret is read from the
terminal without echo, or from standard input when it is not a terminal.

Example:
  crosspost credential set --user alice --platform twitter
  crosspost credential set --user alice --platform bluesky --identifier alice.bsky.social`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := models.ParsePlatform(co.platform)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid platform", err)
			}
			credType := co.credType
			if credType == "" {
				credType = defaultCredentialType(p)
			}
			if p == models.Bluesky && credType == models.CredentialAppPassword && co.identifier == "" {
				return WrapExitError(ExitCommandError, "bluesky app passwords need --identifier", nil)
			}

			secret, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("%s %s for %s", p, credType, co.user))
			if err != nil {
				return WrapExitError(ExitCommandError, "read secret", err)
			}
			defer common.WipeByteArray(secret)

			if p == models.Bluesky && credType == models.CredentialAppPassword {
				encoded, err := bluesky.EncodeSecret(co.identifier, string(secret))
				if err != nil {
					return err
				}
				defer common.WipeByteArray(encoded)
				secret = encoded
			}

			a, err := opts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.SetCredential(cmd.Context(), co.user, p, credType, secret); err != nil {
				return err
			}
			return opts.output(cmd).Message(fmt.Sprintf("stored %s %s for %s", p, credType, co.user))
		},
	}

	cmd.Flags().StringVarP(&co.user, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(&co.platform, "platform", "p", "", "twitter or bluesky (required)")
	cmd.Flags().StringVar(&co.credType, "type", "", "credential type (defaults to the platform's)")
	cmd.Flags().StringVar(&co.identifier, "identifier", "", "bluesky handle or email")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newCredentialDeleteCommand(opts *RootOptions) *cobra.Command {
	co := &credentialOptions{}

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := models.ParsePlatform(co.platform)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid platform", err)
			}
			credType := co.credType
			if credType == "" {
				credType = defaultCredentialType(p)
			}

			a, err := opts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Vault.Delete(cmd.Context(), co.user, p, credType); err != nil {
				return err
			}
			return opts.output(cmd).Message(fmt.Sprintf("deleted %s %s for %s", p, credType, co.user))
		},
	}

	cmd.Flags().StringVarP(&co.user, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(&co.platform, "platform", "p", "", "twitter or bluesky (required)")
	cmd.Flags().StringVar(&co.credType, "type", "", "credential type (defaults to the platform's)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newCredentialRotateCommand(opts *RootOptions) *cobra.Command {
	var newKeyFlag string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every credential under a new master key",
		Long: `Re-encrypt every stored credential from the configured master key to
the new one. Rows already under the new key are skipped, so an interrupted
rotation is completed by running it again. Configure the new key for the
daemon once this succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			newKey, err := cryptox.ParseKey(newKeyFlag)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --new-key", err)
			}
			defer common.WipeByteArray(newKey)

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			oldKey, err := cryptox.LoadMasterKey(cfg.MasterKey, cfg.MasterKeyPassphrase, cfg.MasterKeySalt)
			if err != nil {
				return WrapExitError(ExitCommandError, "load master key", err)
			}
			defer common.WipeByteArray(oldKey)

			a, err := opts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rotated, err := a.RotateMasterKey(cmd.Context(), oldKey, newKey)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("rotation incomplete after %d credentials", rotated), err)
			}
			return opts.output(cmd).Message(fmt.Sprintf("rotated %d credentials to key %s", rotated, cryptox.KeyID(newKey)))
		},
	}

	cmd.Flags().StringVar(&newKeyFlag, "new-key", "", "new master key, hex or base64 (required)")
	_ = cmd.MarkFlagRequired("new-key")
	return cmd
}

func newKeygenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh random master key in hex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := common.GenerateRandByteArray(cryptox.KeySize)
			defer common.WipeByteArray(key)
			return opts.output(cmd).Message(hex.EncodeToString(key))
		},
	}
}
