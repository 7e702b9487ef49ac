package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sentinal-e2ee/config"
	"sentinal-e2ee/pkg/logger"
)

var (
	cfg *config.Config
	log *logger.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:          "keyctl",
		Short:        "Operate the key store and relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig()
			if err != nil {
				return err
			}
			mode := logger.DevelopmentMode
			if cfg.AppMode == config.ReleaseMode {
				mode = logger.ProductionMode
			}
			log, err = logger.NewWithOptions(logger.Options{
				Mode:         mode,
				FilePath:     cfg.Log.FilePath,
				MaxAge:       cfg.Log.MaxAge,
				RotationTime: cfg.Log.RotationTime,
			})
			if err != nil {
				return err
			}
			logger.SetGlobalLogger(log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}

	root.AddCommand(migrateCmd(), purgeCmd(), rotateCmd(), tokenCmd(), serveCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}
