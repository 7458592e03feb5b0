package query

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histvault/internal/models"
)

func sampleBar() models.OHLCVBar {
	return models.OHLCVBar{
		InstrumentID: 42,
		TsEvent:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Granularity:  "1d",
		Open:         decimal.RequireFromString("4810.25"),
		High:         decimal.RequireFromString("4825"),
		Low:          decimal.RequireFromString("4800.5"),
		Close:        decimal.RequireFromString("4820.75"),
		Volume:       100,
	}
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"table", "csv", "json"} {
		f, err := ParseFormat(s)
		require.NoError(t, err)
		assert.Equal(t, Format(s), f)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestWriterCSV(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, FormatCSV, models.SchemaOHLCV1D)
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleBar()))
	require.NoError(t, w.Flush())

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.CanonicalFields(models.SchemaOHLCV1D), records[0])

	row := records[1]
	assert.Contains(t, row, "4810.25")
	assert.Contains(t, row, "2024-03-01T00:00:00Z")
	assert.Contains(t, row, "1d")
}

func TestWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, FormatJSON, models.SchemaOHLCV1D)
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleBar()))
	require.NoError(t, w.Write(sampleBar()))
	require.NoError(t, w.Flush())

	var out []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out), "output: %s", buf.String())
	require.Len(t, out, 2)
	assert.Equal(t, "4810.25", out[0]["open_price"])
}

func TestWriterJSONEmptyResult(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, FormatJSON, models.SchemaTrades)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	var out []any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Empty(t, out)
}

func TestWriterTable(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, FormatTable, models.SchemaOHLCV1D)
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleBar()))
	require.NoError(t, w.Flush())

	out := buf.String()
	assert.Contains(t, out, "4810.25")
	assert.Contains(t, out, "(1 rows)")
	assert.Equal(t, 1, w.Rows())
}

func TestWriterTableEmptySkipsRender(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, FormatTable, models.SchemaOHLCV1D)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "4810.25", formatValue(decimal.RequireFromString("4810.25")))
	assert.Equal(t, "A", formatValue(models.SideAsk))
	assert.Equal(t, "100", formatValue(uint64(100)))
}
