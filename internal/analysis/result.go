package analysis

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// FallbackText is returned for results that have no tabular shape.
const FallbackText = "Analysis completed, but the result could not be displayed."

type Result struct {
	SQL       string
	Columns   []string
	Rows      [][]any
	Truncated bool
}

// Tabular reports whether the result has at least one column.
func (r Result) Tabular() bool {
	return len(r.Columns) > 0
}

// String renders tabular results as an aligned text table and everything
// else as FallbackText.
func (r Result) String() string {
	if !r.Tabular() {
		return FallbackText
	}

	var out strings.Builder
	tw := tabwriter.NewWriter(&out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(r.Columns, "\t"))
	for _, row := range r.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = formatValue(value)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()

	text := strings.TrimRight(out.String(), "\n")
	if len(r.Rows) == 0 {
		text += "\n(no rows)"
	}
	if r.Truncated {
		text += fmt.Sprintf("\n(showing first %d rows)", len(r.Rows))
	}
	return text
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case float64:
		return fmt.Sprintf("%g", v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return strings.ReplaceAll(fmt.Sprint(v), "\t", " ")
	}
}
