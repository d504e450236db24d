package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the tables visible to data analysis",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if services.DataSource == nil {
			return fmt.Errorf("no data source configured; set DATASOURCE_URL")
		}
		schema, err := services.DataSource.FetchSchema(cmd.Context())
		if err != nil {
			return err
		}
		if len(schema) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "(no tables)")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TABLE\tROWS\tCOLUMNS")
		for _, name := range schema.TableNames() {
			table := schema[name]
			columns := make([]string, 0, len(table.Columns))
			for _, column := range table.Columns {
				columns = append(columns, column.Name+" "+column.Type)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\n", name, table.RowCount, strings.Join(columns, ", "))
		}
		return tw.Flush()
	},
}
