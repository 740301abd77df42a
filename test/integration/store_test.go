//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/fmcg/dimpipe/internal/merge"
	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
)

func TestPostgresStore(t *testing.T) {
	skipIfNoPostgres(t)
	p := testParams()
	exerciseStore(t, openPostgres(t, p), p)
}

func TestMongoStore(t *testing.T) {
	skipIfNoMongo(t)
	p := testParams()
	exerciseStore(t, openMongo(t, p), p)
}

func parentRow(code, customer string) table.Row {
	return table.Row{"customer_code": code, "customer": customer, "market": "India", "platform": "Sports Bar", "channel": "Acquisition"}
}

// exerciseStore checks the behavior every store backend shares.
func exerciseStore(t *testing.T, st store.Store, p table.Params) {
	t.Helper()
	ctx := context.Background()
	bronze := table.Bronze(p)
	parent := table.ParentDimension(p)

	f := &table.Frame{Schema: table.Schema{{Name: "customer_id", Type: table.TypeBigint}}}
	if _, err := st.Overwrite(ctx, bronze, f, store.WriteOptions{}); !errors.Is(err, store.ErrNamespaceNotFound) {
		t.Fatalf("expected ErrNamespaceNotFound before bootstrap, got %v", err)
	}

	if err := st.Bootstrap(ctx, p.Catalog, table.Layers); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := st.Bootstrap(ctx, p.Catalog, table.Layers); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}

	// Overwrite with schema merge.
	schema := table.Schema{{Name: "customer_id", Type: table.TypeBigint}, {Name: "city", Type: table.TypeString}}
	first := &table.Frame{Schema: schema, Rows: []table.Row{
		{"customer_id": int64(1), "city": "Bengaluru"},
		{"customer_id": int64(2), "city": nil},
	}}
	c, err := st.Overwrite(ctx, bronze, first, store.WriteOptions{ChangeFeed: true, RunID: "r1"})
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if c.Version != 0 {
		t.Errorf("first version = %d, want 0", c.Version)
	}

	wider := &table.Frame{
		Schema: append(schema, table.Column{Name: "file_name", Type: table.TypeString}),
		Rows:   []table.Row{{"customer_id": int64(3), "city": "Hyderabad", "file_name": "a.csv"}},
	}
	if _, err := st.Overwrite(ctx, bronze, wider, store.WriteOptions{}); !errors.Is(err, table.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch without MergeSchema, got %v", err)
	}
	c, err = st.Overwrite(ctx, bronze, wider, store.WriteOptions{MergeSchema: true, RunID: "r2"})
	if err != nil {
		t.Fatalf("Overwrite with MergeSchema: %v", err)
	}
	if c.Version != 1 || len(c.AddedColumns) != 1 {
		t.Errorf("commit = %+v", c)
	}

	got, err := st.Read(ctx, bronze)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Len() != 1 || got.Rows[0]["customer_id"] != int64(3) || got.Rows[0]["file_name"] != "a.csv" {
		t.Errorf("bronze after overwrite = %+v", got.Rows)
	}

	changes, err := st.Changes(ctx, bronze, 1)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	var deletes, inserts int
	for _, ch := range changes {
		switch ch.Type {
		case store.ChangeDelete:
			deletes++
		case store.ChangeInsert:
			inserts++
		}
	}
	if deletes != 2 || inserts != 1 {
		t.Errorf("version 1 changes: %d deletes, %d inserts", deletes, inserts)
	}

	// Merge into the parent dimension.
	if _, err := st.Merge(ctx, parent, &table.Frame{Schema: merge.ParentSchema}, merge.Options("r3")); !errors.Is(err, store.ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
	created, err := st.CreateTable(ctx, parent, merge.ParentSchema, store.WriteOptions{ChangeFeed: true})
	if err != nil || !created {
		t.Fatalf("CreateTable = %v, %v", created, err)
	}
	if created, err := st.CreateTable(ctx, parent, merge.ParentSchema, store.WriteOptions{}); err != nil || created {
		t.Errorf("second CreateTable = %v, %v", created, err)
	}

	seed := &table.Frame{Schema: merge.ParentSchema, Rows: []table.Row{
		parentRow("789001", "Acme Foods-Unknown"),
		{"customer_code": "P100", "customer": "Parent Mart-Hyderabad", "market": "India", "platform": "Atliqo", "channel": "Retailer"},
	}}
	if _, err := st.Merge(ctx, parent, seed, merge.Options("r3")); err != nil {
		t.Fatalf("seed Merge: %v", err)
	}

	batch := &table.Frame{Schema: merge.ParentSchema, Rows: []table.Row{
		parentRow("789001", "Acme Foods-Bengaluru"),
		parentRow("789002", "Zen Foods-Hyderabad"),
		parentRow("", "Nobody-Unknown"),
	}}
	batch.Rows[2]["customer_code"] = nil
	res, err := st.Merge(ctx, parent, batch, merge.Options("r4"))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 1 {
		t.Errorf("merge result = %+v", res)
	}

	dup := &table.Frame{Schema: merge.ParentSchema, Rows: []table.Row{parentRow("9", "A-X"), parentRow("9", "B-Y")}}
	if _, err := st.Merge(ctx, parent, dup, merge.Options("r5")); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	rows, err := st.Read(ctx, parent)
	if err != nil {
		t.Fatalf("Read parent: %v", err)
	}
	if rows.Len() != 4 {
		t.Errorf("parent rows = %d, want 4 (merge never deletes)", rows.Len())
	}
	for _, r := range rows.Rows {
		if r["customer_code"] == "P100" && r["platform"] != "Atliqo" {
			t.Errorf("other company's row changed: %+v", r)
		}
		if r["customer_code"] == "789001" && r["customer"] != "Acme Foods-Bengaluru" {
			t.Errorf("789001 not updated: %+v", r)
		}
	}

	hist, err := st.History(ctx, parent)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 || hist[0].Version != 2 || hist[0].Operation != store.OpMerge || hist[0].RunID != "r4" {
		t.Errorf("history = %+v", hist)
	}

	changes, err = st.Changes(ctx, parent, 2)
	if err != nil {
		t.Fatalf("Changes parent: %v", err)
	}
	counts := map[store.ChangeType]int{}
	for _, ch := range changes {
		counts[ch.Type]++
	}
	if counts[store.ChangeUpdatePreimage] != 1 || counts[store.ChangeUpdatePostimage] != 1 || counts[store.ChangeInsert] != 2 {
		t.Errorf("merge changes = %v", counts)
	}
}
