package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/pkg/database"
)

func migrateCmd() *cobra.Command {
	var drop bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the key, session and envelope tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := database.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if drop {
				if err := repository.DropSchema(ctx, pool); err != nil {
					return err
				}
				fmt.Println("Dropped schema")
			}
			if err := repository.InitSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Println("Schema is up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&drop, "drop", false, "drop every table first (DANGEROUS)")
	return cmd
}
