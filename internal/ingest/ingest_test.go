package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fmcg/dimpipe/internal/source"
	"github.com/fmcg/dimpipe/internal/table"
)

var readAt = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func TestLoad(t *testing.T) {
	r := &source.MockReader{Files: map[string]string{
		"customers_2.csv": "customer_id,customer_name,city\n789403,  sprintx nutrition ,\n",
		"customers_1.csv": "\ufeffcustomer_id,customer_name,city\n789001,Acme Foods,Bengalore\n789002,Zen Foods,Hyderabad\n",
	}}

	res, err := Load(context.Background(), r, readAt)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantSchema := table.Schema{
		{Name: "customer_id", Type: table.TypeBigint},
		{Name: "customer_name", Type: table.TypeString},
		{Name: "city", Type: table.TypeString},
		{Name: ColReadTimestamp, Type: table.TypeTimestamp},
		{Name: ColFileName, Type: table.TypeString},
		{Name: ColFileSize, Type: table.TypeBigint},
		{Name: ColFileRowNumber, Type: table.TypeBigint},
	}
	if diff := cmp.Diff(wantSchema, res.Frame.Schema); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}
	if res.Frame.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", res.Frame.Len())
	}

	first := res.Frame.Rows[0]
	if first["customer_id"] != int64(789001) || first[ColFileName] != "customers_1.csv" || first[ColFileRowNumber] != int64(1) {
		t.Errorf("first row = %+v", first)
	}
	last := res.Frame.Rows[2]
	if last["customer_name"] != "  sprintx nutrition " {
		t.Errorf("ingest must not trim values, got %q", last["customer_name"])
	}
	if last["city"] != nil {
		t.Errorf("empty cell should be null, got %v", last["city"])
	}
	if last[ColFileSize] != int64(len(r.Files["customers_2.csv"])) {
		t.Errorf("file_size = %v", last[ColFileSize])
	}
	for _, row := range res.Frame.Rows {
		if row[ColReadTimestamp] != readAt {
			t.Errorf("read_timestamp = %v", row[ColReadTimestamp])
		}
	}
}

func TestLoadIdempotentExceptReadTimestamp(t *testing.T) {
	r := &source.MockReader{Files: map[string]string{
		"a.csv": "customer_id,customer_name,city\n1,A,Bengaluru\n2,B,\n",
	}}

	first, err := Load(context.Background(), r, readAt)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := Load(context.Background(), r, readAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	strip := func(f *table.Frame) []table.Row {
		out := make([]table.Row, len(f.Rows))
		for i, r := range f.Rows {
			c := r.Clone()
			delete(c, ColReadTimestamp)
			out[i] = c
		}
		return out
	}
	if diff := cmp.Diff(strip(first.Frame), strip(second.Frame)); diff != "" {
		t.Errorf("reloads differ beyond read_timestamp (-first +second):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		wantErr error
	}{
		{"no files", map[string]string{}, source.ErrNoFiles},
		{"header mismatch", map[string]string{
			"a.csv": "customer_id,city\n1,X\n",
			"b.csv": "customer_id,town\n2,Y\n",
		}, table.ErrSchemaMismatch},
		{"ragged row", map[string]string{"a.csv": "customer_id,city\n1,X,extra\n"}, nil},
		{"bad quoting", map[string]string{"a.csv": "customer_id,city\n1,\"X\n"}, nil},
		{"empty file", map[string]string{"a.csv": ""}, nil},
		{"reserved column", map[string]string{"a.csv": "customer_id,file_name\n1,x\n"}, nil},
		{"duplicate column", map[string]string{"a.csv": "city,city\nX,Y\n"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), &source.MockReader{Files: tt.files}, readAt)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestInferType(t *testing.T) {
	tests := []struct {
		cells []string
		want  table.Type
	}{
		{[]string{"1", "", "42"}, table.TypeBigint},
		{[]string{"1", "2.5"}, table.TypeDouble},
		{[]string{"true", "FALSE"}, table.TypeBoolean},
		{[]string{"2025-01-02", "2025-01-03 10:00:00"}, table.TypeTimestamp},
		{[]string{"1", "Bengaluru"}, table.TypeString},
		{[]string{"", ""}, table.TypeString},
	}
	for _, tt := range tests {
		rows := make([]rawRow, len(tt.cells))
		for i, c := range tt.cells {
			rows[i] = rawRow{cells: []string{c}}
		}
		if got := inferType(rows, 0); got != tt.want {
			t.Errorf("inferType(%v) = %s, want %s", tt.cells, got, tt.want)
		}
	}
}
