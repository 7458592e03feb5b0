package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/histvault/internal/pipeline"
	"github.com/sawpanic/histvault/internal/storage"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the environment",
		Long: `Checks database reachability, vendor credentials, mapping documents
and quarantine directory writability. Exits 0 when healthy, 1 when any
check fails.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, apis, logger, err := loadEnvironment()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// A down database is a degraded check, not a fatal startup error here.
	var openErr error
	db, openErr := storage.Open(ctx, cfg.Database, logger)
	if db != nil {
		defer db.Close()
	}

	orch := pipeline.New(cfg, apis, db, vendorClientFactory(logger), logger)
	report := orch.Status(ctx)
	if openErr != nil {
		for i := range report.Checks {
			if report.Checks[i].Name == "database" {
				report.Checks[i].OK = false
				report.Checks[i].Error = openErr.Error()
			}
		}
		report.Healthy = false
	}

	for _, check := range report.Checks {
		mark := "ok"
		if !check.OK {
			mark = "FAIL"
		}
		line := fmt.Sprintf("%-24s %s", check.Name, mark)
		if check.Error != "" {
			line += "  (" + check.Error + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}

	if !report.Healthy {
		return &degradedError{msg: "environment degraded", code: exitFailed}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "healthy")
	return nil
}
