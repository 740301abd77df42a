package table

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Layers of the medallion namespace, in bootstrap order.
const (
	LayerGold   = "gold"
	LayerSilver = "silver"
	LayerBronze = "bronze"
)

// Layers lists every schema created under a catalog.
var Layers = []string{LayerGold, LayerSilver, LayerBronze}

var (
	ErrMissingColumn  = errors.New("missing column")
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// Params are the two run parameters every stage receives explicitly.
type Params struct {
	Catalog    string `yaml:"catalog"`
	DataSource string `yaml:"data_source"`
}

// DefaultParams matches the parameter defaults of the notebook runtime.
func DefaultParams() Params {
	return Params{Catalog: "fmcg", DataSource: "customers"}
}

// Validate rejects empty parameters and characters that cannot appear in identifiers.
func (p Params) Validate() error {
	if p.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if p.DataSource == "" {
		return fmt.Errorf("data_source is required")
	}
	for _, s := range []string{p.Catalog, p.DataSource} {
		if !isIdent(s) {
			return fmt.Errorf("invalid identifier %q: use letters, digits and underscores", s)
		}
	}
	return nil
}

func isIdent(s string) bool {
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

// Name is a three-part table name: catalog.layer.table.
type Name struct {
	Catalog string `yaml:"catalog" json:"catalog"`
	Layer   string `yaml:"layer" json:"layer"`
	Table   string `yaml:"table" json:"table"`
}

func (n Name) String() string {
	return n.Catalog + "." + n.Layer + "." + n.Table
}

// ParseName parses "catalog.layer.table".
func ParseName(s string) (Name, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Name{}, fmt.Errorf("invalid table name %q: expected catalog.layer.table", s)
	}
	return Name{Catalog: parts[0], Layer: parts[1], Table: parts[2]}, nil
}

// Bronze is the raw landing table.
func Bronze(p Params) Name {
	return Name{Catalog: p.Catalog, Layer: LayerBronze, Table: p.DataSource}
}

// Silver is the cleansed and conformed table.
func Silver(p Params) Name {
	return Name{Catalog: p.Catalog, Layer: LayerSilver, Table: p.DataSource}
}

// CompanyDimension is the curated dimension owned by the child company.
func CompanyDimension(p Params) Name {
	return Name{Catalog: p.Catalog, Layer: LayerGold, Table: "sb_dim_" + p.DataSource}
}

// ParentDimension is the parent company's shared dimension, the merge target.
func ParentDimension(p Params) Name {
	return Name{Catalog: p.Catalog, Layer: LayerGold, Table: "dim_" + p.DataSource}
}

// Type is a column data type.
type Type string

const (
	TypeString    Type = "string"
	TypeBigint    Type = "bigint"
	TypeDouble    Type = "double"
	TypeBoolean   Type = "boolean"
	TypeTimestamp Type = "timestamp"
)

// Column is a named, typed column.
type Column struct {
	Name string `yaml:"name" json:"name"`
	Type Type   `yaml:"type" json:"type"`
}

// Schema is an ordered list of columns.
type Schema []Column

// Index returns the position of the named column or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Merge returns s with the columns of other appended when absent.
// A column present in both with different types is an error.
func (s Schema) Merge(other Schema) (Schema, error) {
	out := make(Schema, len(s), len(s)+len(other))
	copy(out, s)
	for _, c := range other {
		i := out.Index(c.Name)
		if i < 0 {
			out = append(out, c)
			continue
		}
		if out[i].Type != c.Type {
			return nil, fmt.Errorf("%w: column %s is %s, got %s", ErrSchemaMismatch, c.Name, out[i].Type, c.Type)
		}
	}
	return out, nil
}

// Added returns the columns of other that s does not have.
func (s Schema) Added(other Schema) Schema {
	var added Schema
	for _, c := range other {
		if s.Index(c.Name) < 0 {
			added = append(added, c)
		}
	}
	return added
}

// Row maps column name to value. Values are string, int64, float64, bool,
// time.Time or nil.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value of a string column, or "" and false when null.
func (r Row) String(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return FormatValue(v), true
}

// Frame is an in-memory table: schema plus rows.
type Frame struct {
	Schema Schema `json:"schema"`
	Rows   []Row  `json:"rows"`
}

// NewFrame creates an empty frame with the given schema.
func NewFrame(schema Schema) *Frame {
	return &Frame{Schema: schema}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.Rows)
}

// HasColumn reports whether the frame has the named column.
func (f *Frame) HasColumn(name string) bool {
	return f.Schema.Index(name) >= 0
}

// Require returns ErrMissingColumn when any of the named columns is absent.
func (f *Frame) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if !f.HasColumn(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return nil
}

// Select projects the frame onto the named columns, in the given order.
func (f *Frame) Select(names ...string) (*Frame, error) {
	if err := f.Require(names...); err != nil {
		return nil, err
	}
	schema := make(Schema, len(names))
	for i, n := range names {
		schema[i] = f.Schema[f.Schema.Index(n)]
	}
	out := &Frame{Schema: schema, Rows: make([]Row, len(f.Rows))}
	for i, r := range f.Rows {
		row := make(Row, len(names))
		for _, n := range names {
			row[n] = r[n]
		}
		out.Rows[i] = row
	}
	return out, nil
}

// Rename returns a copy of the frame with column old renamed to new.
func (f *Frame) Rename(old, new string) (*Frame, error) {
	i := f.Schema.Index(old)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, old)
	}
	if f.HasColumn(new) {
		return nil, fmt.Errorf("rename %s: column %s already exists", old, new)
	}
	schema := make(Schema, len(f.Schema))
	copy(schema, f.Schema)
	schema[i].Name = new
	out := &Frame{Schema: schema, Rows: make([]Row, len(f.Rows))}
	for j, r := range f.Rows {
		row := r.Clone()
		row[new] = row[old]
		delete(row, old)
		out.Rows[j] = row
	}
	return out, nil
}

// SortBy orders rows by the string form of the named column, nulls first.
func (f *Frame) SortBy(col string) {
	sort.SliceStable(f.Rows, func(i, j int) bool {
		a, aok := f.Rows[i].String(col)
		b, bok := f.Rows[j].String(col)
		if aok != bok {
			return !aok
		}
		return a < b
	})
}

// FormatValue renders a cell value the way a string cast would.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format("2006-01-02 15:04:05.999999")
	default:
		return fmt.Sprintf("%v", val)
	}
}
