package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var ingestMaxJobs int

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the ingestion pipeline once and exit",
	Long: `Claims and processes queued ingestion jobs until the queue is empty
or the per-run job limit is reached, then exits. Meant to be run on a
schedule or fanned out for parallel throughput.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest()
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestMaxJobs, "max-jobs", 0, "override max jobs for this run (0 = configured value)")
}

func runIngest() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	maxJobs := cfg.MaxJobsPerRun
	if ingestMaxJobs > 0 {
		maxJobs = ingestMaxJobs
	}

	result, err := app.runner.Run(ctx, maxJobs)
	if err != nil {
		return fmt.Errorf("running ingestion: %w", err)
	}

	logger.Info("ingestion run finished",
		"processed_jobs", result.ProcessedJobs,
		"pdf_fallbacks_used", result.PDFFallbacksUsed)
	return nil
}
