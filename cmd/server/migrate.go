package main

import (
	"log"

	"github.com/spf13/cobra"

	"nexusvoice-server/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建或更新数据库表",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := repository.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		log.Println("[INFO] Running database migrations...")
		if err := repository.AutoMigrate(db); err != nil {
			return err
		}
		log.Println("[INFO] Database migrations completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
