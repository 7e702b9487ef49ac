package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/services"
)

// tokenCmd issues an access token with the configured secret, for local
// development against the relay.
func tokenCmd() *cobra.Command {
	var (
		user   string
		device int
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := uuid.New()
			if user != "" {
				var err error
				if userID, err = uuid.Parse(user); err != nil {
					return fmt.Errorf("invalid --user: %w", err)
				}
			}
			token, expiresIn, err := services.NewAuthService(cfg.JWTSecret, 0).IssueAccessToken(userID, device)
			if err != nil {
				return err
			}
			fmt.Printf("user:    %s\ndevice:  %d\nexpires: %ds\ntoken:   %s\n", userID, device, expiresIn, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (random when empty)")
	cmd.Flags().IntVar(&device, "device", encryption.DefaultDeviceID, "device id")
	return cmd
}
