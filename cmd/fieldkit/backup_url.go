package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldkit/internal/backup"
	"github.com/hyperengineering/fieldkit/internal/config"
)

var backupURLCmd = &cobra.Command{
	Use:   "backup-url",
	Short: "Print a temporary download URL for this device's latest backup",
	Args:  cobra.NoArgs,
	RunE:  runBackupURL,
}

func runBackupURL(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadLocal(configPath)
	if err != nil {
		return err
	}

	uploader, err := backup.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	device := deviceID(cfg)
	url, expiry, err := uploader.PresignedURL(cmd.Context(), device)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"device":     device,
			"url":        url,
			"expires_at": expiry,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), url)
	return nil
}
