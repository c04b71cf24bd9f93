package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/conventions/libs/config"
	"github.com/md-rashed-zaman/conventions/libs/db"
	"github.com/md-rashed-zaman/conventions/services/convention-service/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to DATABASE_URL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		databaseURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		pool, err := db.Open(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()

		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}
