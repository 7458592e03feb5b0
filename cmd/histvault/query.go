package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/histvault/internal/config"
	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
	"github.com/sawpanic/histvault/internal/query"
	"github.com/sawpanic/histvault/internal/storage"
)

// largeQueryDays triggers the confirmation prompt for high-volume
// schemas (trades, tbbo) over a wide unlimited range.
const largeQueryDays = 7

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored records",
		Long: `Resolves symbols against the definitions table and runs a range scan.
Empty results are a normal condition, not an error.`,
		RunE: runQuery,
	}
	cmd.Flags().StringSlice("symbols", nil, "Symbols, comma-separated or repeated (required)")
	cmd.Flags().String("start-date", "", "Range start YYYY-MM-DD (required)")
	cmd.Flags().String("end-date", "", "Range end YYYY-MM-DD, inclusive (required)")
	cmd.Flags().String("schema", string(models.SchemaOHLCV1D), "Schema to query")
	cmd.Flags().String("output-format", "table", "Output format: table, csv or json")
	cmd.Flags().String("output-file", "", "Write results to a file instead of stdout")
	cmd.Flags().Int("limit", 0, "Maximum rows (0 = unlimited)")
	cmd.Flags().Bool("ascending", false, "Sort ts_event ascending instead of descending")
	cmd.Flags().Bool("force", false, "Skip the large-query confirmation prompt")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}

	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	if len(symbols) == 0 {
		return usageErrorf("--symbols is required")
	}
	startStr, _ := cmd.Flags().GetString("start-date")
	endStr, _ := cmd.Flags().GetString("end-date")
	if startStr == "" || endStr == "" {
		return usageErrorf("--start-date and --end-date are required")
	}
	start, err := config.ParseDate(startStr)
	if err != nil {
		return usageErrorf("--start-date: %s", err)
	}
	end, err := config.ParseDate(endStr)
	if err != nil {
		return usageErrorf("--end-date: %s", err)
	}
	if end.Before(start.Time) {
		return usageErrorf("--end-date %s is before --start-date %s", end, start)
	}

	schemaStr, _ := cmd.Flags().GetString("schema")
	schema, err := models.ParseSchema(schemaStr)
	if err != nil {
		return usageErrorf("--schema: %s", err)
	}
	formatStr, _ := cmd.Flags().GetString("output-format")
	format, err := query.ParseFormat(formatStr)
	if err != nil {
		return usageErrorf("--output-format: %s", err)
	}
	limit, _ := cmd.Flags().GetInt("limit")
	ascending, _ := cmd.Flags().GetBool("ascending")
	force, _ := cmd.Flags().GetBool("force")

	days := int(end.Sub(start.Time).Hours()/24) + 1
	highVolume := schema == models.SchemaTrades || schema == models.SchemaTBBO
	if highVolume && days > largeQueryDays && limit == 0 && !force {
		if !confirmLargeQuery(cmd, schema, days) {
			fmt.Fprintln(cmd.OutOrStdout(), "query cancelled")
			return nil
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		return &errs.Config{Reason: fmt.Sprintf("database unreachable: %s", err)}
	}
	defer db.Close()

	builder := query.New(db, logger)
	rows, err := builder.Query(ctx, schema, query.Params{
		Symbols:   symbols,
		Start:     start.Time,
		End:       end.Time,
		Limit:     limit,
		Ascending: ascending,
	})
	if err != nil {
		return err
	}
	defer rows.Close()

	var out io.Writer = cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("output-file"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("open output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	writer, err := query.NewWriter(out, format, schema)
	if err != nil {
		return err
	}
	for {
		rec, ok, err := rows.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := writer.Write(rec); err != nil {
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if writer.Rows() == 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "no %s records matched %s..%s for %s\n",
			schema, start, end, strings.Join(symbols, ","))
	}
	return nil
}

// confirmLargeQuery prompts on a TTY; non-interactive runs proceed.
func confirmLargeQuery(cmd *cobra.Command, schema models.Schema, days int) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}
	fmt.Fprintf(cmd.ErrOrStderr(),
		"this queries %d days of %s data with no limit and may return a very large result set; continue? [y/N] ",
		days, schema)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
