package store

import (
	"context"
	"sync"
	"time"

	"github.com/fmcg/dimpipe/internal/table"
)

// MemoryStore keeps tables in process memory. It backs tests and dry runs.
type MemoryStore struct {
	mu         sync.Mutex
	namespaces map[string]bool // "catalog.layer"
	tables     map[string]*memTable

	// Now returns commit timestamps.
	Now func() time.Time
}

type memTable struct {
	meta    tableMeta
	rows    []table.Row
	history []HistoryEntry
	changes []Change
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]bool),
		tables:     make(map[string]*memTable),
		Now:        time.Now,
	}
}

func (s *MemoryStore) Bootstrap(_ context.Context, catalog string, layers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range layers {
		s.namespaces[catalog+"."+l] = true
	}
	return nil
}

func (s *MemoryStore) hasNamespace(name table.Name) bool {
	return s.namespaces[name.Catalog+"."+name.Layer]
}

func (s *MemoryStore) CreateTable(_ context.Context, name table.Name, schema table.Schema, opts WriteOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasNamespace(name) {
		return false, namespaceNotFound(name)
	}
	if _, ok := s.tables[name.String()]; ok {
		return false, nil
	}
	t := &memTable{meta: tableMeta{Schema: schema, ChangeFeed: opts.ChangeFeed}}
	t.history = append(t.history, HistoryEntry{Version: 0, Timestamp: s.Now().UTC(), Operation: OpCreate, RunID: opts.RunID})
	s.tables[name.String()] = t
	return true, nil
}

func (s *MemoryStore) Overwrite(_ context.Context, name table.Name, f *table.Frame, opts WriteOptions) (*Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasNamespace(name) {
		return nil, namespaceNotFound(name)
	}
	t, ok := s.tables[name.String()]
	var existing *tableMeta
	if ok {
		existing = &t.meta
	}
	plan, err := planOverwrite(existing, f, opts)
	if err != nil {
		return nil, err
	}
	if !ok {
		t = &memTable{}
		s.tables[name.String()] = t
	}

	now := s.Now().UTC()
	if plan.meta.ChangeFeed {
		for _, r := range t.rows {
			t.changes = append(t.changes, Change{Version: plan.meta.Version, Type: ChangeDelete, Timestamp: now, Row: r.Clone()})
		}
		for _, r := range plan.rows {
			t.changes = append(t.changes, Change{Version: plan.meta.Version, Type: ChangeInsert, Timestamp: now, Row: r.Clone()})
		}
	}

	op := OpOverwrite
	if plan.isNew {
		op = OpCreate
	}
	t.meta = plan.meta
	t.rows = plan.rows
	t.history = append(t.history, HistoryEntry{
		Version:   plan.meta.Version,
		Timestamp: now,
		Operation: op,
		Rows:      len(plan.rows),
		RunID:     opts.RunID,
	})

	commit := &Commit{Table: name, Version: plan.meta.Version, Operation: op, Rows: len(plan.rows)}
	if !plan.isNew {
		commit.AddedColumns = plan.added.Names()
	}
	return commit, nil
}

func (s *MemoryStore) Read(_ context.Context, name table.Name) (*table.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name.String()]
	if !ok {
		return nil, notFound(name)
	}
	out := table.NewFrame(append(table.Schema(nil), t.meta.Schema...))
	out.Rows = make([]table.Row, len(t.rows))
	for i, r := range t.rows {
		out.Rows[i] = r.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Merge(_ context.Context, name table.Name, f *table.Frame, opts MergeOptions) (*MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name.String()]
	if !ok {
		return nil, notFound(name)
	}
	plan, err := planMerge(t.meta.Schema, t.rows, f, opts.Key)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	version := t.meta.Version + 1
	rows := make([]table.Row, len(t.rows), len(t.rows)+len(plan.inserts))
	copy(rows, t.rows)
	for _, u := range plan.updates {
		rows[u.index] = u.post
		if t.meta.ChangeFeed {
			t.changes = append(t.changes,
				Change{Version: version, Type: ChangeUpdatePreimage, Timestamp: now, Row: u.pre.Clone()},
				Change{Version: version, Type: ChangeUpdatePostimage, Timestamp: now, Row: u.post.Clone()},
			)
		}
	}
	for _, r := range plan.inserts {
		rows = append(rows, r)
		if t.meta.ChangeFeed {
			t.changes = append(t.changes, Change{Version: version, Type: ChangeInsert, Timestamp: now, Row: r.Clone()})
		}
	}

	t.rows = rows
	t.meta.Version = version
	t.history = append(t.history, HistoryEntry{
		Version:   version,
		Timestamp: now,
		Operation: OpMerge,
		Rows:      len(plan.updates) + len(plan.inserts),
		Inserted:  len(plan.inserts),
		Updated:   len(plan.updates),
		RunID:     opts.RunID,
	})

	return &MergeResult{
		Commit:   Commit{Table: name, Version: version, Operation: OpMerge, Rows: len(plan.updates) + len(plan.inserts)},
		Inserted: len(plan.inserts),
		Updated:  len(plan.updates),
	}, nil
}

func (s *MemoryStore) History(_ context.Context, name table.Name) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name.String()]
	if !ok {
		return nil, notFound(name)
	}
	out := make([]HistoryEntry, len(t.history))
	for i, h := range t.history {
		out[len(out)-1-i] = h
	}
	return out, nil
}

func (s *MemoryStore) Changes(_ context.Context, name table.Name, fromVersion int64) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name.String()]
	if !ok {
		return nil, notFound(name)
	}
	var out []Change
	for _, c := range t.changes {
		if c.Version >= fromVersion {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}
