package query

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/histvault/internal/models"
)

// Format selects how query results are rendered.
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
)

// ParseFormat validates a user-supplied output format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatTable, FormatCSV, FormatJSON:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, csv or json)", s)
	}
}

// Writer renders records in one of the supported formats. Table output
// buffers rows until Flush; csv and json stream row by row.
type Writer struct {
	out    io.Writer
	format Format
	cols   []string

	table   *tablewriter.Table
	csvw    *csv.Writer
	started bool
	rows    int
}

// NewWriter starts a result stream for one schema.
func NewWriter(out io.Writer, format Format, schema models.Schema) (*Writer, error) {
	w := &Writer{
		out:    out,
		format: format,
		cols:   models.CanonicalFields(schema),
	}
	switch format {
	case FormatTable:
		w.table = tablewriter.NewTable(out)
		w.table.Header(w.cols)
	case FormatCSV:
		w.csvw = csv.NewWriter(out)
		if err := w.csvw.Write(w.cols); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	case FormatJSON:
		if _, err := io.WriteString(out, "[\n"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return w, nil
}

// Write renders one record.
func (w *Writer) Write(rec models.Record) error {
	w.rows++
	switch w.format {
	case FormatJSON:
		sep := ",\n"
		if !w.started {
			sep = ""
			w.started = true
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if _, err := fmt.Fprintf(w.out, "%s  %s", sep, buf); err != nil {
			return err
		}
		return nil
	default:
		fields := rec.Fields()
		row := make([]string, len(w.cols))
		for i, col := range w.cols {
			row[i] = formatValue(fields[col])
		}
		if w.format == FormatCSV {
			return w.csvw.Write(row)
		}
		w.table.Append(row)
		return nil
	}
}

// Rows is the count written so far.
func (w *Writer) Rows() int { return w.rows }

// Flush finalizes the stream: renders the buffered table, flushes csv,
// or closes the json array.
func (w *Writer) Flush() error {
	switch w.format {
	case FormatTable:
		if w.rows == 0 {
			return nil
		}
		if err := w.table.Render(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w.out, "(%d rows)\n", w.rows)
		return err
	case FormatCSV:
		w.csvw.Flush()
		return w.csvw.Error()
	case FormatJSON:
		if w.started {
			if _, err := io.WriteString(w.out, "\n"); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w.out, "]\n")
		return err
	}
	return nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case decimal.Decimal:
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case string:
		return val
	case models.Side:
		return string(val)
	case models.StatType:
		return fmt.Sprintf("%d", uint16(val))
	case models.UpdateAction:
		return fmt.Sprintf("%d", uint8(val))
	default:
		return fmt.Sprintf("%v", val)
	}
}
