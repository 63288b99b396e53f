package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/fetcher"
	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var caFed = model.Jurisdiction{
	ID:        "ca-fed",
	Name:      "Canada",
	Tier:      model.TierFederal,
	Endpoints: []string{"https://www.ourcommons.ca/feed.json"},
	Enabled:   true,
}

func records(n int) []model.Record {
	out := make([]model.Record, n)
	for i := range out {
		out[i] = model.Record{Kind: model.KindBill, Fields: map[string]any{"number": "C-1"}}
	}
	return out
}

func TestTable_Lookup(t *testing.T) {
	tbl := NewTable()
	tbl.Register("ca-fed", Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		return model.CollectorResult{}, nil
	}))
	tbl.Register("feed", NewFeedCollector(nil, FeedOptions{}))

	_, err := tbl.Lookup(caFed)
	require.NoError(t, err)

	_, err = tbl.Lookup(model.Jurisdiction{ID: "on", Collector: "feed"})
	require.NoError(t, err)

	_, err = tbl.Lookup(model.Jurisdiction{ID: "qc"})
	assert.ErrorIs(t, err, ErrNoCollector)
	assert.Equal(t, []string{"ca-fed", "feed"}, tbl.Keys())
}

func TestInvoke_Success(t *testing.T) {
	tbl := NewTable()
	tbl.Register("ca-fed", Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		return model.CollectorResult{Records: records(3), Errors: []string{"page 4 skipped"}}, nil
	}))

	res := NewInvoker(tbl, nil).Invoke(context.Background(), caFed, time.Second)
	assert.Len(t, res.Records, 3)
	assert.False(t, Failed(res))
	assert.NoError(t, FailureError(res))
}

func TestInvoke_Timeout(t *testing.T) {
	tbl := NewTable()
	tbl.Register("ca-fed", Func(func(ctx context.Context, _ model.Jurisdiction) (model.CollectorResult, error) {
		<-ctx.Done()
		return model.CollectorResult{}, ctx.Err()
	}))

	res := NewInvoker(tbl, nil).Invoke(context.Background(), caFed, 20*time.Millisecond)
	require.True(t, Failed(res))
	assert.Empty(t, res.Records)
	assert.Equal(t, "collector_failed: timeout after 20ms", res.Errors[0])
	assert.ErrorIs(t, FailureError(res), resilience.ErrCollectorFailure)
}

func TestInvoke_TimeoutIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tbl := NewTable()
	tbl.Register("ca-fed", Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		<-release
		return model.CollectorResult{Records: records(1)}, nil
	}))

	start := time.Now()
	res := NewInvoker(tbl, nil).Invoke(context.Background(), caFed, 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, Failed(res))
}

func TestInvoke_Error(t *testing.T) {
	tbl := NewTable()
	tbl.Register("ca-fed", Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		return model.CollectorResult{Records: records(2)}, errors.New("login page changed")
	}))

	res := NewInvoker(tbl, nil).Invoke(context.Background(), caFed, time.Second)
	require.True(t, Failed(res))
	assert.Empty(t, res.Records)
	assert.Equal(t, "collector_failed: login page changed", res.Errors[0])
}

func TestInvoke_Panic(t *testing.T) {
	tbl := NewTable()
	tbl.Register("ca-fed", Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		var m map[string]int
		m["boom"]++
		return model.CollectorResult{}, nil
	}))

	res := NewInvoker(tbl, nil).Invoke(context.Background(), caFed, time.Second)
	require.True(t, Failed(res))
	assert.Contains(t, res.Errors[0], "collector_failed: panic:")
}

func TestInvoke_UnknownCollector(t *testing.T) {
	res := NewInvoker(NewTable(), nil).Invoke(context.Background(), caFed, time.Second)
	require.True(t, Failed(res))
	assert.Contains(t, res.Errors[0], "no collector registered")
}

func TestInvoke_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	tbl := NewTable()
	tbl.Register("ca-fed", Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		calls.Add(1)
		return model.CollectorResult{}, errors.New("503")
	}))
	inv := NewInvoker(tbl, resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}))

	for i := 0; i < 2; i++ {
		assert.True(t, Failed(inv.Invoke(context.Background(), caFed, time.Second)))
	}
	res := inv.Invoke(context.Background(), caFed, time.Second)
	require.True(t, Failed(res))
	assert.Equal(t, "collector_failed: circuit breaker is open", res.Errors[0])
	assert.Equal(t, int32(2), calls.Load())
}

func TestFailed(t *testing.T) {
	assert.False(t, Failed(model.CollectorResult{}))
	assert.False(t, Failed(model.CollectorResult{Errors: []string{"page 2: 404"}}))
	assert.False(t, Failed(model.CollectorResult{Records: records(1), Errors: []string{"collector_failed: x"}}))
	assert.True(t, Failed(model.CollectorResult{Errors: []string{"collector_failed: x"}}))
}

func TestTruncate(t *testing.T) {
	r := model.CollectorResult{Records: records(5)}
	assert.Len(t, Truncate(r, 2).Records, 2)
	assert.Len(t, Truncate(r, 0).Records, 5)
	assert.Len(t, Truncate(r, 10).Records, 5)
}

func newFeedServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *FeedCollector) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout: 2 * time.Second,
		Retry:   resilience.RequestRetry{MaxAttempts: 1},
	})
	return srv, NewFeedCollector(f, FeedOptions{Rename: map[string]string{"elected_office": "role"}})
}

func TestFeedCollector_JSON(t *testing.T) {
	srv, fc := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"objects":[
			{"kind":"Representative","id":42,"name":"Jane Doe","elected_office":"MP","url":"https://example.ca/jane"},
			{"external_id":"C-11","number":"C-11","title":"Online Streaming Act"}
		]}`))
	})

	j := model.Jurisdiction{ID: "ca-fed", Tier: model.TierFederal, Endpoints: []string{srv.URL + "/reps"}}
	res, err := fc.Collect(context.Background(), j)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	rep := res.Records[0]
	assert.Equal(t, model.KindRepresentative, rep.Kind)
	assert.Equal(t, "42", rep.ExternalID)
	assert.Equal(t, "https://example.ca/jane", rep.SourceURL)
	assert.Equal(t, model.RoleMP, rep.Representative().Role)
	assert.NotContains(t, rep.Fields, "kind")

	bill := res.Records[1]
	assert.Equal(t, model.KindBill, bill.Kind)
	assert.Equal(t, "C-11", bill.ExternalID)
	assert.Equal(t, srv.URL+"/reps", bill.SourceURL)
}

func TestFeedCollector_CSVAndETag(t *testing.T) {
	var hits atomic.Int32
	srv, fc := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("Kind,Name,Elected Office\nrepresentative,Jane Doe,Councillor\n"))
	})

	j := model.Jurisdiction{ID: "city-a", Tier: model.TierMunicipal, Endpoints: []string{srv.URL + "/council.csv"}}
	res, err := fc.Collect(context.Background(), j)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, model.RoleCouncillor, res.Records[0].Representative().Role)

	res, err = fc.Collect(context.Background(), j)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFeedCollector_PartialFailure(t *testing.T) {
	srv, fc := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"number":"1"}]`))
	})

	j := model.Jurisdiction{ID: "on", Endpoints: []string{srv.URL + "/bills", srv.URL + "/missing"}}
	res, err := fc.Collect(context.Background(), j)
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "/missing")
}

func TestFeedCollector_AllEndpointsFail(t *testing.T) {
	srv, fc := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := fc.Collect(context.Background(), model.Jurisdiction{ID: "on", Endpoints: []string{srv.URL}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 1 endpoints failed")

	_, err = fc.Collect(context.Background(), model.Jurisdiction{ID: "none"})
	assert.Error(t, err)
}
