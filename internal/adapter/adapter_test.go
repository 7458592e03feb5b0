package adapter

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histvault/internal/config"
	"github.com/sawpanic/histvault/internal/retry"
)

type fakeClient struct {
	connects int
	lastReq  RangeParams
	getRange func(RangeParams) (io.ReadCloser, error)
}

func (f *fakeClient) Connect(context.Context) error { f.connects++; return nil }
func (f *fakeClient) Disconnect() error             { return nil }

func (f *fakeClient) GetRange(_ context.Context, p RangeParams) (io.ReadCloser, error) {
	f.lastReq = p
	return f.getRange(p)
}

func ndjson(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func testJob(schema string, symbols ...string) config.Job {
	job := config.Job{
		Name:      "test-job",
		API:       "databento",
		Dataset:   "GLBX.MDP3",
		Schema:    schema,
		Symbols:   symbols,
		StartDate: config.Date{Time: day(2024, 3, 1)},
		EndDate:   config.Date{Time: day(2024, 3, 2)},
		Retry:     retry.Policy{MaxAttempts: 2, InitialWait: time.Millisecond, Multiplier: 2, MaxWait: 10 * time.Millisecond},
	}
	job.Normalize()
	return job
}

func collect(t *testing.T, ch <-chan FetchItem) []FetchItem {
	t.Helper()
	var items []FetchItem
	deadline := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return items
			}
			items = append(items, item)
		case <-deadline:
			t.Fatal("fetch stream did not close")
		}
	}
}

func TestFetchStreamsRecordsAndIsolatesBadLines(t *testing.T) {
	client := &fakeClient{getRange: func(RangeParams) (io.ReadCloser, error) {
		return ndjson(
			`{"instrument_id":1,"ts_event":1,"price":10,"size":1,"side":"A","sequence":1}`,
			`{"instrument_id":1,"ts_event":2,"price":"bad","size":1,"sequence":2}`,
			``,
			`{"instrument_id":1,"ts_event":3,"price":12,"size":2,"side":"B","sequence":3}`,
		), nil
	}}
	a, err := New(client, testJob("trades", "ESH4"), zerolog.Nop())
	require.NoError(t, err)

	chunks := a.Chunks()
	require.NotEmpty(t, chunks)
	items := collect(t, a.Fetch(context.Background(), chunks[0], 16))

	require.Len(t, items, 3)
	assert.NoError(t, items[0].Err)
	assert.Equal(t, "TradeMsg", items[0].Record.Model())

	require.Error(t, items[1].Err)
	assert.Contains(t, items[1].Raw, `"price":"bad"`, "bad lines carry the raw payload for quarantine")

	assert.NoError(t, items[2].Err)
}

func TestFetchDefinitionsFiltersClientSide(t *testing.T) {
	def := func(symbol, asset string) string {
		return `{"instrument_id":1,"ts_event":1,"raw_symbol":"` + symbol + `","instrument_class":"FUT","exchange":"XCME","asset":"` + asset + `","activation":1,"expiration":2,"min_price_increment":250000000,"contract_multiplier":50,"leg_count":0}`
	}
	client := &fakeClient{getRange: func(RangeParams) (io.ReadCloser, error) {
		return ndjson(def("ESH4", "ES"), def("NQH4", "NQ"), def("ESM4", "ES")), nil
	}}
	job := testJob("definition", "ES.FUT")
	job.STypeIn = "parent"
	a, err := New(client, job, zerolog.Nop())
	require.NoError(t, err)

	items := collect(t, a.Fetch(context.Background(), a.Chunks()[0], 16))

	// The request goes out unfiltered; matching happens on this side.
	assert.Equal(t, []string{"ALL_SYMBOLS"}, client.lastReq.Symbols)
	assert.Equal(t, "raw_symbol", client.lastReq.STypeIn)

	require.Len(t, items, 2)
	for _, item := range items {
		require.NoError(t, item.Err)
		assert.Equal(t, "ES", item.Record.Fields()["asset"])
	}
}

func TestFetchEmitsStreamFailureAsFinalItem(t *testing.T) {
	terminal := errors.New("vendor rejected request: 400 Bad Request")
	client := &fakeClient{getRange: func(RangeParams) (io.ReadCloser, error) {
		return nil, terminal
	}}
	a, err := New(client, testJob("trades", "ESH4"), zerolog.Nop())
	require.NoError(t, err)

	items := collect(t, a.Fetch(context.Background(), a.Chunks()[0], 4))
	require.Len(t, items, 1)
	assert.ErrorIs(t, items[0].Err, terminal)
	assert.Nil(t, items[0].Record)
}

func TestFetchStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{getRange: func(RangeParams) (io.ReadCloser, error) {
		lines := make([]string, 1000)
		for i := range lines {
			lines[i] = `{"instrument_id":1,"ts_event":1,"price":10,"size":1,"side":"A","sequence":1}`
		}
		return ndjson(lines...), nil
	}}
	a, err := New(client, testJob("trades", "ESH4"), zerolog.Nop())
	require.NoError(t, err)

	// Unbuffered consumption: read one item, cancel, then drain. The
	// producer goroutine must close the channel promptly.
	ch := a.Fetch(ctx, a.Chunks()[0], 1)
	<-ch
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("fetch stream did not close after cancellation")
		}
	}
}

func TestValidateConfigCollectsProblems(t *testing.T) {
	job := testJob("trades", "ES H4", "ESH4")
	job.Dataset = ""
	a, err := New(&fakeClient{}, job, zerolog.Nop())
	require.NoError(t, err)

	problems := a.ValidateConfig()
	require.Len(t, problems, 2, "problems: %v", problems)
}

func TestNewRejectsUnknownSchema(t *testing.T) {
	job := testJob("trades", "ESH4")
	job.Schema = "quotes"
	_, err := New(&fakeClient{}, job, zerolog.Nop())
	assert.Error(t, err)
}
