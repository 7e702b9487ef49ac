package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/signal"
	"sentinal-e2ee/pkg/database"
)

// keyService talks to Postgres directly. Cached sessions expire on their own
// TTL, which config validation keeps below the retention.
func keyService(ctx context.Context) (*services.KeyService, *pgxpool.Pool, error) {
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	sealer, err := signal.NewSealer(cfg.Keys.SealingSecret)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	keys := services.NewKeyService(repository.NewPostgresStore(pool), signal.New(), sealer, cfg.Keys, log.Named("keys"))
	return keys, pool, nil
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions, sender keys and signed prekeys past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, pool, err := keyService(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := keys.PurgeStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d sessions, %d sender keys, %d signed prekeys\n", res.Sessions, res.SenderKeys, res.SignedPreKeys)
			return nil
		},
	}
}

func rotateCmd() *cobra.Command {
	var (
		user   string
		device int
	)
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Issue a new signed prekey for one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			keys, pool, err := keyService(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			spk, err := keys.RotateSignedPreKey(cmd.Context(), userID, device)
			if err != nil {
				return err
			}
			fmt.Printf("Signed prekey %d issued for %s/%d\n", spk.KeyID, userID, device)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().IntVar(&device, "device", encryption.DefaultDeviceID, "device id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
