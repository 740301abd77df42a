package conform

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fmcg/dimpipe/internal/table"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		name, city any
		want       string
	}{
		{"Acme Foods", "Bengaluru", "Acme Foods-Bengaluru"},
		{"Acme Foods", nil, "Acme Foods-Unknown"},
		{nil, "Hyderabad", "Hyderabad"},
		{nil, nil, "Unknown"},
		{"", "New Delhi", "-New Delhi"},
	}
	for _, tt := range tests {
		if got := Label(tt.name, tt.city); got != tt.want {
			t.Errorf("Label(%v, %v) = %q, want %q", tt.name, tt.city, got, tt.want)
		}
	}
}

func silverFrame() *table.Frame {
	return &table.Frame{
		Schema: table.Schema{
			{Name: "customer_id", Type: table.TypeString},
			{Name: "customer_name", Type: table.TypeString},
			{Name: "city", Type: table.TypeString},
			{Name: "file_name", Type: table.TypeString},
		},
		Rows: []table.Row{
			{"customer_id": "789001", "customer_name": "Acme Foods", "city": "Bengaluru", "file_name": "a.csv"},
			{"customer_id": "789999", "customer_name": "Recovery Lane", "city": nil, "file_name": "a.csv"},
		},
	}
}

func TestApplyAndCurated(t *testing.T) {
	silver := silverFrame()
	conformed, err := Apply(silver)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(conformed.Schema) != 8 {
		t.Errorf("schema = %v", conformed.Schema.Names())
	}
	if _, ok := silver.Rows[0]["customer"]; ok {
		t.Error("Apply must not modify its input")
	}

	curated, err := Curated(conformed)
	if err != nil {
		t.Fatalf("Curated: %v", err)
	}
	if diff := cmp.Diff(CuratedColumns, curated.Schema.Names()); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}
	want := []table.Row{
		{"customer_id": "789001", "customer_name": "Acme Foods", "city": "Bengaluru", "customer": "Acme Foods-Bengaluru",
			"market": "India", "platform": "Sports Bar", "channel": "Acquisition"},
		{"customer_id": "789999", "customer_name": "Recovery Lane", "city": nil, "customer": "Recovery Lane-Unknown",
			"market": "India", "platform": "Sports Bar", "channel": "Acquisition"},
	}
	if diff := cmp.Diff(want, curated.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyReconformIsStable(t *testing.T) {
	once, err := Apply(silverFrame())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	twice, err := Apply(once)
	if err != nil {
		t.Fatalf("Apply on conformed frame: %v", err)
	}
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("re-conforming changed the frame (-once +twice):\n%s", diff)
	}
}

func TestApplyMissingColumn(t *testing.T) {
	f := &table.Frame{Schema: table.Schema{{Name: "customer_id", Type: table.TypeString}}}
	if _, err := Apply(f); !errors.Is(err, table.ErrMissingColumn) {
		t.Errorf("expected ErrMissingColumn, got %v", err)
	}
}
