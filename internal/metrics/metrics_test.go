package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fmcg/dimpipe/internal/table"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RowsIngested.Add(12)
	m.DuplicatesDropped.Add(2)
	m.ObserveMerge(3, 7)
	m.ObserveStage("cleanse", 150*time.Millisecond, nil)
	m.ObserveStage("merge", time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(m.RowsIngested); got != 12 {
		t.Errorf("rows ingested = %v", got)
	}
	if got := testutil.ToFloat64(m.MergeRows.WithLabelValues("inserted")); got != 3 {
		t.Errorf("inserted = %v", got)
	}
	if got := testutil.ToFloat64(m.MergeRows.WithLabelValues("updated")); got != 7 {
		t.Errorf("updated = %v", got)
	}
	if got := testutil.ToFloat64(m.StageFailures.WithLabelValues("merge")); got != 1 {
		t.Errorf("merge failures = %v", got)
	}
	if got := testutil.ToFloat64(m.StageFailures.WithLabelValues("cleanse")); got != 0 {
		t.Errorf("cleanse failures = %v", got)
	}
	if n := testutil.CollectAndCount(m.StageDuration); n != 2 {
		t.Errorf("expected 2 stage duration series, got %d", n)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.CitiesPatched.Inc()
	if got := testutil.ToFloat64(b.CitiesPatched); got != 0 {
		t.Errorf("second run saw %v patched cities", got)
	}
}

func TestPush(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.RowsIngested.Add(5)
	if err := m.Push(context.Background(), srv.URL, "dimpipe", table.DefaultParams()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if gotPath != "/metrics/job/dimpipe/catalog/fmcg/data_source/customers" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotBody, "dimpipe_rows_ingested_total") {
		t.Error("pushed body should contain the ingest counter")
	}
}

func TestPushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := New().Push(context.Background(), srv.URL, "dimpipe", table.DefaultParams()); err == nil {
		t.Error("expected error from failing gateway")
	}
}
