package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ptoc-relay/internal/auth"
	"ptoc-relay/internal/config"
)

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configFile)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("token: AUTH_JWT_SECRET is required")
			}
			normalized, ok := auth.NormalizeRole(role)
			if !ok {
				return fmt.Errorf("token: unknown role %q", role)
			}
			token, err := auth.IssueJWT([]byte(cfg.Auth.JWTSecret), subject, normalized, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "Role (viewer, operator, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
