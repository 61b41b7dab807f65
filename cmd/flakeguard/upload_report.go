package main

import (
	"context"
	"fmt"
	"os"

	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/upload"
	"github.com/spf13/cobra"
)

var uploadReportDir string

var uploadReportCmd = &cobra.Command{
	Use:   "upload-report",
	Short: "Upload a report directory to object storage",
	Long: `Push a previously written report directory to the configured
S3-compatible bucket. Connectivity is verified with a small write
before any report file is transferred.`,
	RunE: uploadReport,
}

func init() {
	rootCmd.AddCommand(uploadReportCmd)
	uploadReportCmd.Flags().StringVar(&uploadReportDir, "report-dir", "",
		"report directory to upload (defaults to the configured output dir)")
}

func uploadReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if cfg.Report.Upload == nil || cfg.Report.Upload.Bucket == "" {
		return fmt.Errorf("no upload configuration: set report.upload in the config file")
	}

	dir := uploadReportDir
	if dir == "" {
		dir = reportDir(cfg)
	}

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("report directory %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploader, err := upload.NewS3Uploader(log, cfg.Report.Upload)
	if err != nil {
		return fmt.Errorf("creating uploader: %w", err)
	}

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("verifying storage access: %w", err)
	}

	return uploader.Upload(ctx, dir)
}
