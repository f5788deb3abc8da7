/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/inkwell-cms/apiserver/internal/storage"
	"github.com/spf13/cobra"
)

// storageCmd groups object storage maintenance commands.
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Object storage maintenance",
}

var ensureBucketCmd = &cobra.Command{
	Use:   "ensure-bucket",
	Short: "Create the configured bucket if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadConfig()

		objects, err := storage.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if err := objects.EnsureBucket(cmd.Context()); err != nil {
			return err
		}
		log.Info().Str("backend", cfg.Storage.Backend).Str("bucket", objects.Bucket()).Msg("bucket ready")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(ensureBucketCmd)
}
