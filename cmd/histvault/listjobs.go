package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-jobs",
		Short: "List configured ingestion jobs",
		RunE:  runListJobs,
	}
	cmd.Flags().String("api", "", "Only list jobs for this API")
	return cmd
}

func runListJobs(cmd *cobra.Command, args []string) error {
	_, apis, _, err := loadEnvironment()
	if err != nil {
		return err
	}
	apiFilter, _ := cmd.Flags().GetString("api")

	type row struct {
		api, name, schema, dataset, symbols, window string
	}
	var rows []row
	for name, file := range apis {
		if apiFilter != "" && apiFilter != name {
			continue
		}
		for _, job := range file.Jobs {
			symbols := strings.Join(job.Symbols, ",")
			if len(symbols) > 40 {
				symbols = symbols[:37] + "..."
			}
			rows = append(rows, row{
				api:     name,
				name:    job.Name,
				schema:  job.Schema,
				dataset: job.Dataset,
				symbols: symbols,
				window:  fmt.Sprintf("%s..%s", job.StartDate, job.EndDate),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].api != rows[j].api {
			return rows[i].api < rows[j].api
		}
		return rows[i].name < rows[j].name
	})

	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no jobs configured")
		return nil
	}

	table := tablewriter.NewTable(cmd.OutOrStdout())
	table.Header([]string{"api", "job", "schema", "dataset", "symbols", "range"})
	for _, r := range rows {
		table.Append([]string{r.api, r.name, r.schema, r.dataset, r.symbols, r.window})
	}
	return table.Render()
}
