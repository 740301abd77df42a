// Package ingest loads raw CSV exports into a bronze frame.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/fmcg/dimpipe/internal/source"
	"github.com/fmcg/dimpipe/internal/table"
)

// Metadata columns appended to every bronze row.
const (
	ColReadTimestamp = "read_timestamp"
	ColFileName      = "file_name"
	ColFileSize      = "file_size"
	ColFileRowNumber = "file_row_number"
)

var metadataSchema = table.Schema{
	{Name: ColReadTimestamp, Type: table.TypeTimestamp},
	{Name: ColFileName, Type: table.TypeString},
	{Name: ColFileSize, Type: table.TypeBigint},
	{Name: ColFileRowNumber, Type: table.TypeBigint},
}

// Result is one loaded batch.
type Result struct {
	Frame         *table.Frame
	Files         []source.FileInfo
	ReadTimestamp time.Time
}

type rawRow struct {
	file   source.FileInfo
	number int
	cells  []string
}

// Load reads every file the reader lists, infers column types across the
// whole batch and appends the metadata columns. readAt is stamped on every row.
func Load(ctx context.Context, r source.Reader, readAt time.Time) (*Result, error) {
	files, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var (
		header []string
		raws   []rawRow
	)
	for _, f := range files {
		h, rows, err := readFile(ctx, r, f)
		if err != nil {
			return nil, err
		}
		if header == nil {
			header = h
		} else if !equalHeaders(header, h) {
			return nil, fmt.Errorf("%w: %s has columns %v, expected %v", table.ErrSchemaMismatch, f.Name, h, header)
		}
		raws = append(raws, rows...)
	}

	schema := make(table.Schema, len(header), len(header)+len(metadataSchema))
	for i, name := range header {
		schema[i] = table.Column{Name: name, Type: inferType(raws, i)}
	}
	schema = append(schema, metadataSchema...)

	readAt = readAt.UTC()
	frame := table.NewFrame(schema)
	frame.Rows = make([]table.Row, 0, len(raws))
	for _, raw := range raws {
		row := make(table.Row, len(schema))
		for i, name := range header {
			v, err := parseValue(raw.cells[i], schema[i].Type)
			if err != nil {
				return nil, fmt.Errorf("%s row %d column %s: %w", raw.file.Name, raw.number, name, err)
			}
			row[name] = v
		}
		row[ColReadTimestamp] = readAt
		row[ColFileName] = raw.file.Name
		row[ColFileSize] = raw.file.Size
		row[ColFileRowNumber] = int64(raw.number)
		frame.Rows = append(frame.Rows, row)
	}

	return &Result{Frame: frame, Files: files, ReadTimestamp: readAt}, nil
}

func readFile(ctx context.Context, r source.Reader, f source.FileInfo) ([]string, []rawRow, error) {
	rc, err := r.Open(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	cr := csv.NewReader(transform.NewReader(rc, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	cr.FieldsPerRecord = 0

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%s: empty file, no header row", f.Name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: reading header: %w", f.Name, err)
	}
	if err := checkHeader(header); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", f.Name, err)
	}

	var rows []rawRow
	for n := 1; ; n++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: malformed CSV: %w", f.Name, err)
		}
		rows = append(rows, rawRow{file: f, number: n, cells: rec})
	}
	return header, rows, nil
}

func checkHeader(header []string) error {
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		if h == "" {
			header[i] = fmt.Sprintf("_c%d", i)
			h = header[i]
		}
		if metadataSchema.Index(h) >= 0 {
			return fmt.Errorf("column %s collides with a metadata column", h)
		}
		if seen[h] {
			return fmt.Errorf("duplicate column %s", h)
		}
		seen[h] = true
	}
	return nil
}

func equalHeaders(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// inferType picks the narrowest type every non-empty value of column i parses as.
func inferType(rows []rawRow, i int) table.Type {
	candidates := []table.Type{table.TypeBigint, table.TypeDouble, table.TypeBoolean, table.TypeTimestamp}
	seen := false
	for _, r := range rows {
		cell := r.cells[i]
		if cell == "" {
			continue
		}
		seen = true
		kept := candidates[:0]
		for _, t := range candidates {
			if _, err := parseValue(cell, t); err == nil {
				kept = append(kept, t)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return table.TypeString
		}
	}
	if !seen {
		return table.TypeString
	}
	return candidates[0]
}

// parseValue converts a CSV cell. Empty cells are null.
func parseValue(cell string, t table.Type) (any, error) {
	if cell == "" {
		return nil, nil
	}
	switch t {
	case table.TypeBigint:
		return strconv.ParseInt(strings.TrimSpace(cell), 10, 64)
	case table.TypeDouble:
		return strconv.ParseFloat(strings.TrimSpace(cell), 64)
	case table.TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean %q", cell)
	case table.TypeTimestamp:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, strings.TrimSpace(cell)); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("invalid timestamp %q", cell)
	default:
		return cell, nil
	}
}
