package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
)

func curatedFrame(rows ...table.Row) *table.Frame {
	return &table.Frame{
		Schema: table.Schema{
			{Name: "customer_id", Type: table.TypeString},
			{Name: "customer_name", Type: table.TypeString},
			{Name: "city", Type: table.TypeString},
			{Name: "customer", Type: table.TypeString},
			{Name: "market", Type: table.TypeString},
			{Name: "platform", Type: table.TypeString},
			{Name: "channel", Type: table.TypeString},
		},
		Rows: rows,
	}
}

func curatedRow(id, name, city string) table.Row {
	return table.Row{
		"customer_id": id, "customer_name": name, "city": city, "customer": name + "-" + city,
		"market": "India", "platform": "Sports Bar", "channel": "Acquisition",
	}
}

func TestPrepare(t *testing.T) {
	src, err := Prepare(curatedFrame(curatedRow("789001", "Acme Foods", "Bengaluru")))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got := src.Schema.Names(); len(got) != 5 || got[0] != ColCustomerCode {
		t.Errorf("columns = %v", got)
	}
	if src.Rows[0][ColCustomerCode] != "789001" || src.Rows[0]["customer"] != "Acme Foods-Bengaluru" {
		t.Errorf("row = %+v", src.Rows[0])
	}
	if _, ok := src.Rows[0]["city"]; ok {
		t.Error("city must not reach the parent dimension")
	}
}

func TestPrepareRejectsDuplicates(t *testing.T) {
	f := curatedFrame(curatedRow("1", "A", "X"), curatedRow("1", "B", "Y"))
	if _, err := Prepare(f); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestMergeIntoParent(t *testing.T) {
	ctx := context.Background()
	p := table.DefaultParams()
	parent := table.ParentDimension(p)

	st := store.NewMemoryStore()
	if err := st.Bootstrap(ctx, p.Catalog, table.Layers); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTable(ctx, parent, ParentSchema, store.WriteOptions{ChangeFeed: true}); err != nil {
		t.Fatal(err)
	}
	existing := &table.Frame{Schema: ParentSchema, Rows: []table.Row{
		{"customer_code": "X", "customer": "Old-Bengaluru", "market": "India", "platform": "Sports Bar", "channel": "Acquisition"},
		{"customer_code": "P", "customer": "Parent-Hyderabad", "market": "India", "platform": "Atliqo", "channel": "Retailer"},
	}}
	if _, err := st.Merge(ctx, parent, existing, Options("seed")); err != nil {
		t.Fatal(err)
	}

	src, err := Prepare(curatedFrame(curatedRow("X", "New", "Bengaluru"), curatedRow("Y", "Fresh", "Hyderabad")))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	res, err := st.Merge(ctx, parent, src, Options("run"))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Updated != 1 || res.Inserted != 1 {
		t.Errorf("result = %+v", res)
	}

	got, _ := st.Read(ctx, parent)
	if got.Len() != 3 {
		t.Errorf("expected 3 parent rows, got %d", got.Len())
	}
	for _, r := range got.Rows {
		switch r[ColCustomerCode] {
		case "X":
			if r["customer"] != "New-Bengaluru" {
				t.Errorf("X = %+v", r)
			}
		case "P":
			if r["platform"] != "Atliqo" {
				t.Errorf("P must be untouched: %+v", r)
			}
		}
	}
}
