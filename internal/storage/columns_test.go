package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histvault/internal/models"
)

func TestSelfCheckPasses(t *testing.T) {
	assert.NoError(t, SelfCheck())
}

func TestSpecForOHLCVVariants(t *testing.T) {
	daily, err := specFor(models.SchemaOHLCV1D)
	require.NoError(t, err)
	assert.Equal(t, "ohlcv_daily", daily.table)

	for _, schema := range []models.Schema{models.SchemaOHLCV1H, models.SchemaOHLCV1M} {
		spec, err := specFor(schema)
		require.NoError(t, err)
		assert.Equal(t, "ohlcv_intraday", spec.table, "intraday granularities share one table")
	}
}

func TestSpecForUnknownSchema(t *testing.T) {
	_, err := specFor(models.Schema("quotes"))
	assert.Error(t, err)
}
