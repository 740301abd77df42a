package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fmcg/dimpipe/internal/changefeed"
	"github.com/fmcg/dimpipe/internal/ingest"
	"github.com/fmcg/dimpipe/internal/lookup"
	"github.com/fmcg/dimpipe/internal/merge"
	"github.com/fmcg/dimpipe/internal/metrics"
	"github.com/fmcg/dimpipe/internal/source"
	"github.com/fmcg/dimpipe/internal/state"
	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
	"github.com/fmcg/dimpipe/internal/verify"
)

const customersCSV = `customer_id,customer_name,city
789001,  acme FOODS ,Bengalore
789002,zen foods,Hyderabad
789403,sprintx nutrition,
789001,Acme Foods,Bengalore
789500,corner store,
`

var clock = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newParentStore returns a bootstrapped store whose parent dimension already
// holds one row of this company and one of another.
func newParentStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	p := table.DefaultParams()
	st := store.NewMemoryStore()
	if err := st.Bootstrap(ctx, p.Catalog, table.Layers); err != nil {
		t.Fatal(err)
	}
	parent := table.ParentDimension(p)
	if _, err := st.CreateTable(ctx, parent, merge.ParentSchema, store.WriteOptions{ChangeFeed: true}); err != nil {
		t.Fatal(err)
	}
	seed := &table.Frame{Schema: merge.ParentSchema, Rows: []table.Row{
		{"customer_code": "789002", "customer": "Zen Foods-Unknown", "market": "India", "platform": "Sports Bar", "channel": "Acquisition"},
		{"customer_code": "P100", "customer": "Parent Mart-Hyderabad", "market": "India", "platform": "Atliqo", "channel": "Retailer"},
	}}
	if _, err := st.Merge(ctx, parent, seed, merge.Options("seed")); err != nil {
		t.Fatal(err)
	}
	return st
}

func newRunner(st store.Store, files map[string]string) *Runner {
	r := New(table.DefaultParams(), st, &source.MockReader{Files: files}, lookup.Default(), discard())
	r.Now = func() time.Time { return clock }
	return r
}

func rowsByKey(t *testing.T, f *table.Frame, key string) map[string]table.Row {
	t.Helper()
	out := make(map[string]table.Row, f.Len())
	for _, r := range f.Rows {
		k, _ := r.String(key)
		if _, dup := out[k]; dup {
			t.Errorf("%s %s appears more than once", key, k)
		}
		out[k] = r
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := newParentStore(t)
	pub := &changefeed.MockPublisher{}
	m := metrics.New()

	r := newRunner(st, map[string]string{"customers_1.csv": customersCSV})
	r.State = state.New(r.Params)
	r.StatePath = filepath.Join(t.TempDir(), "state.yaml")
	r.Metrics = m
	r.Publisher = pub
	r.Verify = true

	var statuses []StageStatus
	r.Callback = func(s StageStatus) { statuses = append(statuses, s) }

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	silver, err := st.Read(ctx, table.Silver(r.Params))
	if err != nil {
		t.Fatal(err)
	}
	got := rowsByKey(t, silver, "customer_id")
	if len(got) != 4 {
		t.Fatalf("expected 4 silver rows, got %d", len(got))
	}
	tests := []struct {
		id, name string
		city     any
		label    string
	}{
		{"789001", "Acme Foods", "Bengaluru", "Acme Foods-Bengaluru"},
		{"789002", "Zen Foods", "Hyderabad", "Zen Foods-Hyderabad"},
		{"789403", "Sprintx Nutrition", "New Delhi", "Sprintx Nutrition-New Delhi"},
		{"789500", "Corner Store", nil, "Corner Store-Unknown"},
	}
	for _, tt := range tests {
		row := got[tt.id]
		if row["customer_name"] != tt.name || row["city"] != tt.city || row["customer"] != tt.label {
			t.Errorf("silver %s = %+v", tt.id, row)
		}
		if row["market"] != "India" || row["platform"] != "Sports Bar" || row["channel"] != "Acquisition" {
			t.Errorf("silver %s constants = %+v", tt.id, row)
		}
	}

	curated, err := st.Read(ctx, table.CompanyDimension(r.Params))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"customer_id", "customer_name", "city", "customer", "market", "platform", "channel"}; !cmp.Equal(curated.Schema.Names(), want) {
		t.Errorf("curated columns = %v", curated.Schema.Names())
	}

	parent, err := st.Read(ctx, table.ParentDimension(r.Params))
	if err != nil {
		t.Fatal(err)
	}
	codes := rowsByKey(t, parent, "customer_code")
	if len(codes) != 5 {
		t.Errorf("expected 5 parent rows, got %d", len(codes))
	}
	if codes["789002"]["customer"] != "Zen Foods-Hyderabad" {
		t.Errorf("789002 not updated: %+v", codes["789002"])
	}
	if codes["P100"]["platform"] != "Atliqo" {
		t.Errorf("parent-only row changed: %+v", codes["P100"])
	}

	rep := r.Report
	if rep.Status != RunComplete {
		t.Errorf("report status = %s", rep.Status)
	}
	if rep.Merge.Inserted != 3 || rep.Merge.Updated != 1 {
		t.Errorf("merge = %+v", rep.Merge)
	}
	if rep.Cleanse.RowsIn != 5 || rep.Cleanse.RowsOut != 4 {
		t.Errorf("cleanse = %+v", rep.Cleanse)
	}
	if rep.Verification == nil || rep.Verification.Status != verify.StatusPass {
		t.Errorf("verification = %+v", rep.Verification)
	}
	if len(rep.Stages) != 6 {
		t.Errorf("expected 6 stage outcomes, got %d", len(rep.Stages))
	}

	// seed merge v1 (2 inserts) and this run v2 (1 pre/post pair, 3 inserts)
	if len(pub.Events) != 7 || rep.Published != 7 {
		t.Errorf("published %d events, report %d", len(pub.Events), rep.Published)
	}
	if v := r.State.PublishedVersion(table.ParentDimension(r.Params)); v != 2 {
		t.Errorf("published version = %d", v)
	}
	for _, s := range state.Stages {
		if !r.State.IsStageComplete(s) {
			t.Errorf("stage %s not complete in state", s)
		}
	}
	if v, _ := r.State.Version(table.ParentDimension(r.Params)); v != 2 {
		t.Errorf("state parent version = %d", v)
	}

	loaded, err := state.Load(r.StatePath, r.Params)
	if err != nil {
		t.Fatalf("state.Load: %v", err)
	}
	if loaded.LastRunID != r.RunID {
		t.Errorf("persisted run id = %q", loaded.LastRunID)
	}

	if got := testutil.ToFloat64(m.RowsIngested); got != 5 {
		t.Errorf("rows ingested = %v", got)
	}
	if got := testutil.ToFloat64(m.DuplicatesDropped); got != 1 {
		t.Errorf("duplicates dropped = %v", got)
	}
	if got := testutil.ToFloat64(m.CitiesCorrected); got != 1 {
		t.Errorf("cities corrected = %v", got)
	}
	if got := testutil.ToFloat64(m.CitiesPatched); got != 1 {
		t.Errorf("cities patched = %v", got)
	}

	var running, complete int
	for _, s := range statuses {
		switch s.Status {
		case state.StatusRunning:
			running++
		case state.StatusComplete:
			complete++
		}
	}
	if running != 6 || complete != 6 {
		t.Errorf("callbacks: %d running, %d complete", running, complete)
	}
}

func TestRunTwiceUpdatesOnly(t *testing.T) {
	ctx := context.Background()
	st := newParentStore(t)
	pub := &changefeed.MockPublisher{}
	s := state.New(table.DefaultParams())

	for i := 0; i < 2; i++ {
		r := newRunner(st, map[string]string{"customers_1.csv": customersCSV})
		r.State = s
		r.Publisher = pub
		if err := r.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		if i == 1 {
			if r.Report.Merge.Inserted != 0 || r.Report.Merge.Updated != 4 {
				t.Errorf("second merge = %+v", r.Report.Merge)
			}
			if r.Report.Published != 8 {
				t.Errorf("second run published %d events", r.Report.Published)
			}
		}
	}

	parent, _ := st.Read(ctx, table.ParentDimension(table.DefaultParams()))
	if parent.Len() != 5 {
		t.Errorf("expected 5 parent rows after two runs, got %d", parent.Len())
	}
}

func TestIngestIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newParentStore(t)
	files := map[string]string{"customers_1.csv": customersCSV}

	r := newRunner(st, files)
	if err := r.RunStage(ctx, state.StageIngest); err != nil {
		t.Fatal(err)
	}
	first, _ := st.Read(ctx, table.Bronze(r.Params))

	r = newRunner(st, files)
	r.Now = func() time.Time { return clock.Add(24 * time.Hour) }
	if err := r.RunStage(ctx, state.StageIngest); err != nil {
		t.Fatal(err)
	}
	second, _ := st.Read(ctx, table.Bronze(r.Params))

	ignoreTS := cmpopts.IgnoreMapEntries(func(k string, _ any) bool { return k == ingest.ColReadTimestamp })
	if diff := cmp.Diff(first.Rows, second.Rows, ignoreTS); diff != "" {
		t.Errorf("bronze rows differ beyond read_timestamp (-first +second):\n%s", diff)
	}
	if second.Rows[0][ingest.ColReadTimestamp] == first.Rows[0][ingest.ColReadTimestamp] {
		t.Error("read_timestamp should reflect the second run")
	}

	hist, _ := st.History(ctx, table.Bronze(r.Params))
	if len(hist) != 2 || hist[0].Version != 1 {
		t.Errorf("history = %+v", hist)
	}
}

func TestRunHaltsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	st := newParentStore(t)
	r := New(table.DefaultParams(), st, &source.MockReader{ListErr: errors.New("access denied")}, nil, discard())
	r.State = state.New(r.Params)

	statuses := map[state.Stage]string{}
	r.Callback = func(s StageStatus) { statuses[s.Stage] = s.Status }

	err := r.Run(ctx)
	if err == nil {
		t.Fatal("expected ingest failure")
	}
	if statuses[state.StageIngest] != state.StatusFailed {
		t.Errorf("ingest status = %s", statuses[state.StageIngest])
	}
	for _, s := range []state.Stage{state.StageCleanse, state.StageConform, state.StageMerge} {
		if statuses[s] != state.StatusSkipped {
			t.Errorf("%s status = %s, want skipped", s, statuses[s])
		}
	}
	if r.State.StageStatus(state.StageIngest) != state.StatusFailed || r.State.StageStatus(state.StageBootstrap) != state.StatusComplete {
		t.Errorf("state stages = %+v", r.State.Stages)
	}
	if r.Report.Status != RunFailed {
		t.Errorf("report status = %s", r.Report.Status)
	}
	if _, err := st.Read(ctx, table.Bronze(r.Params)); !errors.Is(err, store.ErrTableNotFound) {
		t.Errorf("bronze should not exist, got %v", err)
	}
}

func TestMergeWithoutParent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRunner(st, map[string]string{"customers_1.csv": customersCSV})

	err := r.Run(ctx)
	if !errors.Is(err, store.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}

	r = newRunner(st, map[string]string{"customers_1.csv": customersCSV})
	r.CreateParent = true
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run with CreateParent: %v", err)
	}
	if r.Report.Merge.Inserted != 4 {
		t.Errorf("merge = %+v", r.Report.Merge)
	}
}

func TestStagesRunIndividually(t *testing.T) {
	ctx := context.Background()
	st := newParentStore(t)
	r := newRunner(st, map[string]string{"customers_1.csv": customersCSV})

	if err := r.RunStage(ctx, state.StageConform); !errors.Is(err, store.ErrTableNotFound) {
		t.Errorf("conform before cleanse: expected ErrTableNotFound, got %v", err)
	}
	for _, s := range []state.Stage{state.StageIngest, state.StageCleanse, state.StageConform} {
		if err := r.RunStage(ctx, s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	curated, err := st.Read(ctx, table.CompanyDimension(r.Params))
	if err != nil {
		t.Fatal(err)
	}
	if curated.Len() != 4 {
		t.Errorf("curated rows = %d", curated.Len())
	}

	// a second cleanse keeps the conformed columns, nulled until conform runs again
	if err := r.RunStage(ctx, state.StageCleanse); err != nil {
		t.Fatal(err)
	}
	silver, _ := st.Read(ctx, table.Silver(r.Params))
	if !silver.HasColumn("customer") || silver.Rows[0]["customer"] != nil {
		t.Errorf("silver after re-cleanse = %+v", silver.Rows[0])
	}
}

func TestPublishError(t *testing.T) {
	st := newParentStore(t)
	r := newRunner(st, map[string]string{"customers_1.csv": customersCSV})
	r.Publisher = &changefeed.MockPublisher{Err: errors.New("broker down")}

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected publish failure")
	}
	if r.Report.Merge == nil {
		t.Error("merge should have committed before publishing failed")
	}
}

func TestWithLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "fmcg.customers.lock")
	ran := false
	err := WithLock(path, func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Errorf("WithLock: ran=%v err=%v", ran, err)
	}
}
