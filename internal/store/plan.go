package store

import (
	"fmt"

	"github.com/fmcg/dimpipe/internal/table"
)

// tableMeta is the catalog entry every implementation keeps per table.
type tableMeta struct {
	Schema     table.Schema `json:"schema" bson:"schema"`
	ChangeFeed bool         `json:"change_feed" bson:"change_feed"`
	Version    int64        `json:"version" bson:"version"`
}

// overwritePlan is the resolved outcome of an overwrite before it is applied.
type overwritePlan struct {
	meta  tableMeta
	added table.Schema
	rows  []table.Row
	isNew bool
}

// planOverwrite validates an overwrite against the existing table (nil when
// absent) and normalizes the incoming rows to the resulting schema.
func planOverwrite(existing *tableMeta, f *table.Frame, opts WriteOptions) (*overwritePlan, error) {
	p := &overwritePlan{}
	if existing == nil {
		p.isNew = true
		p.meta = tableMeta{Schema: f.Schema, ChangeFeed: opts.ChangeFeed, Version: 0}
		p.added = f.Schema
	} else {
		added := existing.Schema.Added(f.Schema)
		if len(added) > 0 && !opts.MergeSchema {
			return nil, fmt.Errorf("%w: new columns %v require schema merge", table.ErrSchemaMismatch, added.Names())
		}
		merged, err := existing.Schema.Merge(f.Schema)
		if err != nil {
			return nil, err
		}
		p.meta = tableMeta{
			Schema:     merged,
			ChangeFeed: existing.ChangeFeed || opts.ChangeFeed,
			Version:    existing.Version + 1,
		}
		p.added = added
	}

	rows, err := normalizeRows(f.Rows, p.meta.Schema)
	if err != nil {
		return nil, err
	}
	p.rows = rows
	return p, nil
}

func normalizeRows(rows []table.Row, schema table.Schema) ([]table.Row, error) {
	out := make([]table.Row, len(rows))
	for i, r := range rows {
		n, err := table.NormalizeRow(r, schema)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out[i] = n
	}
	return out, nil
}

// rowUpdate pairs the image of a matched row before and after a merge.
type rowUpdate struct {
	index int
	pre   table.Row
	post  table.Row
}

// mergePlan is the resolved outcome of a merge before it is applied.
type mergePlan struct {
	updates []rowUpdate
	inserts []table.Row
}

// planMerge matches source rows against target rows on key. Null keys never
// match and are inserted. Duplicate non-null source keys are rejected.
func planMerge(schema table.Schema, target []table.Row, f *table.Frame, key string) (*mergePlan, error) {
	if schema.Index(key) < 0 {
		return nil, fmt.Errorf("%w: merge key %s not in target", table.ErrMissingColumn, key)
	}
	if err := f.Require(key); err != nil {
		return nil, fmt.Errorf("merge source: %w", err)
	}
	for _, c := range f.Schema {
		i := schema.Index(c.Name)
		if i < 0 {
			return nil, fmt.Errorf("%w: source column %s not in target", table.ErrSchemaMismatch, c.Name)
		}
		if schema[i].Type != c.Type {
			return nil, fmt.Errorf("%w: column %s is %s in target, %s in source", table.ErrSchemaMismatch, c.Name, schema[i].Type, c.Type)
		}
	}

	source, err := normalizeRows(f.Rows, f.Schema)
	if err != nil {
		return nil, fmt.Errorf("merge source: %w", err)
	}

	seen := make(map[string]bool, len(source))
	for _, r := range source {
		k, ok := r.String(key)
		if !ok {
			continue
		}
		if seen[k] {
			return nil, fmt.Errorf("%w: %s=%s", ErrDuplicateKey, key, k)
		}
		seen[k] = true
	}

	index := make(map[string]int, len(target))
	for i, r := range target {
		if k, ok := r.String(key); ok {
			index[k] = i
		}
	}

	plan := &mergePlan{}
	for _, r := range source {
		k, ok := r.String(key)
		if i, matched := index[k]; ok && matched {
			post := target[i].Clone()
			for _, c := range f.Schema {
				post[c.Name] = r[c.Name]
			}
			plan.updates = append(plan.updates, rowUpdate{index: i, pre: target[i], post: post})
			continue
		}
		row := make(table.Row, len(schema))
		for _, c := range schema {
			row[c.Name] = r[c.Name]
		}
		plan.inserts = append(plan.inserts, row)
	}
	return plan, nil
}
