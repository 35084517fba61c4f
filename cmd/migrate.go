package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-subscriptions/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Run: func(_ *cobra.Command, _ []string) {
		cfg := mustLoadConfig()
		db := mustOpenDatabase(cfg)
		defer db.Close()

		if err := migrations.Up(db); err != nil {
			logrus.WithError(err).Fatal("Migration failed")
		}
		logrus.Info("Migrations applied")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
