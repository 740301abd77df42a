package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fmcg/dimpipe/internal/table"
)

// PostgresStore implements Store on PostgreSQL. A catalog layer maps to the
// schema {catalog}_{layer}; table metadata, history and the change feed live
// in {catalog}_meta.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var sqlTypes = map[table.Type]string{
	table.TypeString:    "text",
	table.TypeBigint:    "bigint",
	table.TypeDouble:    "double precision",
	table.TypeBoolean:   "boolean",
	table.TypeTimestamp: "timestamptz",
}

const stagingTable = "_dimpipe_merge_staging"

// NewPostgresStore connects a pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, connStr string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging PostgreSQL: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func pgSchema(catalog, layer string) string {
	return catalog + "_" + layer
}

func metaSchema(catalog string) string {
	return catalog + "_meta"
}

func pgIdent(name table.Name) pgx.Identifier {
	return pgx.Identifier{pgSchema(name.Catalog, name.Layer), name.Table}
}

func pgQualified(name table.Name) string {
	return quoteIdent(pgSchema(name.Catalog, name.Layer)) + "." + quoteIdent(name.Table)
}

func metaTable(name table.Name, t string) string {
	return quoteIdent(metaSchema(name.Catalog)) + "." + quoteIdent(t)
}

func (s *PostgresStore) Bootstrap(ctx context.Context, catalog string, layers []string) error {
	schemas := make([]string, 0, len(layers)+1)
	for _, l := range layers {
		schemas = append(schemas, pgSchema(catalog, l))
	}
	schemas = append(schemas, metaSchema(catalog))
	for _, sc := range schemas {
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(sc)); err != nil {
			return fmt.Errorf("creating schema %s: %w", sc, err)
		}
	}

	meta := quoteIdent(metaSchema(catalog))
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + meta + `."_tables" (
			table_name text PRIMARY KEY,
			schema jsonb NOT NULL,
			change_feed boolean NOT NULL DEFAULT false,
			version bigint NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + meta + `."_table_history" (
			table_name text NOT NULL,
			version bigint NOT NULL,
			ts timestamptz NOT NULL,
			operation text NOT NULL,
			rows integer NOT NULL DEFAULT 0,
			inserted integer NOT NULL DEFAULT 0,
			updated integer NOT NULL DEFAULT 0,
			run_id text,
			PRIMARY KEY (table_name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + meta + `."_change_feed" (
			table_name text NOT NULL,
			version bigint NOT NULL,
			seq integer NOT NULL,
			change_type text NOT NULL,
			ts timestamptz NOT NULL,
			row_data jsonb NOT NULL,
			PRIMARY KEY (table_name, version, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating metadata tables: %w", err)
		}
	}
	return nil
}

// lockTable serializes writers of one table for the rest of the transaction.
func lockTable(ctx context.Context, tx pgx.Tx, name table.Name) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", name.String())
	if err != nil {
		return fmt.Errorf("locking %s: %w", name, err)
	}
	return nil
}

func schemaExists(ctx context.Context, q querier, schema string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schema).Scan(&ok)
	return ok, err
}

// loadMeta returns the catalog entry of a table, adopting a table created
// outside the store when it has none. It returns nil when the table does not exist.
func (s *PostgresStore) loadMeta(ctx context.Context, q querier, name table.Name) (*tableMeta, error) {
	ok, err := schemaExists(ctx, q, metaSchema(name.Catalog))
	if err != nil {
		return nil, fmt.Errorf("checking metadata schema: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var raw []byte
	meta := &tableMeta{}
	err = q.QueryRow(ctx,
		"SELECT schema, change_feed, version FROM "+metaTable(name, "_tables")+" WHERE table_name = $1",
		name.String()).Scan(&raw, &meta.ChangeFeed, &meta.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.adopt(ctx, q, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata of %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, &meta.Schema); err != nil {
		return nil, fmt.Errorf("decoding schema of %s: %w", name, err)
	}
	return meta, nil
}

// adopt derives metadata from information_schema for a table that exists
// without a catalog entry, such as a parent dimension created by another team.
func (s *PostgresStore) adopt(ctx context.Context, q querier, name table.Name) (*tableMeta, error) {
	rows, err := q.Query(ctx, `SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
		pgSchema(name.Catalog, name.Layer), name.Table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", name, err)
	}
	defer rows.Close()

	var schema table.Schema
	for rows.Next() {
		var col, dataType string
		if err := rows.Scan(&col, &dataType); err != nil {
			return nil, err
		}
		schema = append(schema, table.Column{Name: col, Type: columnType(dataType)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		return nil, nil
	}
	return &tableMeta{Schema: schema, ChangeFeed: true, Version: 0}, nil
}

func columnType(dataType string) table.Type {
	switch dataType {
	case "bigint", "integer", "smallint":
		return table.TypeBigint
	case "double precision", "real", "numeric":
		return table.TypeDouble
	case "boolean":
		return table.TypeBoolean
	case "timestamp with time zone", "timestamp without time zone", "date":
		return table.TypeTimestamp
	default:
		return table.TypeString
	}
}

func columnDefs(schema table.Schema) string {
	defs := make([]string, len(schema))
	for i, c := range schema {
		defs[i] = quoteIdent(c.Name) + " " + sqlTypes[c.Type]
	}
	return strings.Join(defs, ", ")
}

func (s *PostgresStore) CreateTable(ctx context.Context, name table.Name, schema table.Schema, opts WriteOptions) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockTable(ctx, tx, name); err != nil {
		return false, err
	}
	if ok, err := schemaExists(ctx, tx, pgSchema(name.Catalog, name.Layer)); err != nil {
		return false, err
	} else if !ok {
		return false, namespaceNotFound(name)
	}
	existing, err := s.loadMeta(ctx, tx, name)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", pgQualified(name), columnDefs(schema))); err != nil {
		return false, fmt.Errorf("creating %s: %w", name, err)
	}
	meta := &tableMeta{Schema: schema, ChangeFeed: opts.ChangeFeed}
	if err := s.writeMeta(ctx, tx, name, meta); err != nil {
		return false, err
	}
	if err := s.writeHistory(ctx, tx, name, HistoryEntry{Version: 0, Timestamp: s.now().UTC(), Operation: OpCreate, RunID: opts.RunID}); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) Overwrite(ctx context.Context, name table.Name, f *table.Frame, opts WriteOptions) (*Commit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockTable(ctx, tx, name); err != nil {
		return nil, err
	}
	if ok, err := schemaExists(ctx, tx, pgSchema(name.Catalog, name.Layer)); err != nil {
		return nil, err
	} else if !ok {
		return nil, namespaceNotFound(name)
	}
	existing, err := s.loadMeta(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	plan, err := planOverwrite(existing, f, opts)
	if err != nil {
		return nil, err
	}

	qn := pgQualified(name)
	var old []table.Row
	if plan.isNew {
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", qn, columnDefs(plan.meta.Schema))); err != nil {
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
	} else {
		if plan.meta.ChangeFeed {
			if old, err = selectRows(ctx, tx, name, existing.Schema); err != nil {
				return nil, err
			}
		}
		for _, c := range plan.added {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", qn, quoteIdent(c.Name), sqlTypes[c.Type])
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("adding column %s to %s: %w", c.Name, name, err)
			}
		}
		if _, err := tx.Exec(ctx, "DELETE FROM "+qn); err != nil {
			return nil, fmt.Errorf("clearing %s: %w", name, err)
		}
	}

	if err := copyRows(ctx, tx, pgIdent(name), plan.meta.Schema, plan.rows); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	op := OpOverwrite
	if plan.isNew {
		op = OpCreate
	}
	if err := s.writeMeta(ctx, tx, name, &plan.meta); err != nil {
		return nil, err
	}
	if err := s.writeHistory(ctx, tx, name, HistoryEntry{
		Version: plan.meta.Version, Timestamp: now, Operation: op, Rows: len(plan.rows), RunID: opts.RunID,
	}); err != nil {
		return nil, err
	}
	if plan.meta.ChangeFeed {
		var changes []Change
		for _, r := range old {
			changes = append(changes, Change{Version: plan.meta.Version, Type: ChangeDelete, Timestamp: now, Row: r})
		}
		for _, r := range plan.rows {
			changes = append(changes, Change{Version: plan.meta.Version, Type: ChangeInsert, Timestamp: now, Row: r})
		}
		if err := writeChanges(ctx, tx, name, changes); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing overwrite of %s: %w", name, err)
	}

	commit := &Commit{Table: name, Version: plan.meta.Version, Operation: op, Rows: len(plan.rows)}
	if !plan.isNew {
		commit.AddedColumns = plan.added.Names()
	}
	return commit, nil
}

func (s *PostgresStore) Read(ctx context.Context, name table.Name) (*table.Frame, error) {
	meta, err := s.loadMeta(ctx, s.pool, name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, notFound(name)
	}
	rows, err := selectRows(ctx, s.pool, name, meta.Schema)
	if err != nil {
		return nil, err
	}
	return &table.Frame{Schema: meta.Schema, Rows: rows}, nil
}

func (s *PostgresStore) Merge(ctx context.Context, name table.Name, f *table.Frame, opts MergeOptions) (*MergeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockTable(ctx, tx, name); err != nil {
		return nil, err
	}
	meta, err := s.loadMeta(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, notFound(name)
	}
	target, err := selectRows(ctx, tx, name, meta.Schema)
	if err != nil {
		return nil, err
	}
	plan, err := planMerge(meta.Schema, target, f, opts.Key)
	if err != nil {
		return nil, err
	}

	qn := pgQualified(name)
	if len(plan.updates) > 0 {
		stmt := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s) ON COMMIT DROP", quoteIdent(stagingTable), qn)
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("creating merge staging table: %w", err)
		}
		posts := make([]table.Row, len(plan.updates))
		for i, u := range plan.updates {
			posts[i] = u.post
		}
		if err := copyRows(ctx, tx, pgx.Identifier{stagingTable}, meta.Schema, posts); err != nil {
			return nil, err
		}

		sets := make([]string, 0, len(meta.Schema))
		for _, c := range meta.Schema {
			if c.Name == opts.Key {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = s.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
		}
		if len(sets) > 0 {
			key := quoteIdent(opts.Key)
			stmt = fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE t.%s = s.%s",
				qn, strings.Join(sets, ", "), quoteIdent(stagingTable), key, key)
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("updating %s: %w", name, err)
			}
		}
	}
	if err := copyRows(ctx, tx, pgIdent(name), meta.Schema, plan.inserts); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	meta.Version++
	result := &MergeResult{
		Commit:   Commit{Table: name, Version: meta.Version, Operation: OpMerge, Rows: len(plan.updates) + len(plan.inserts)},
		Inserted: len(plan.inserts),
		Updated:  len(plan.updates),
	}
	if err := s.writeMeta(ctx, tx, name, meta); err != nil {
		return nil, err
	}
	if err := s.writeHistory(ctx, tx, name, HistoryEntry{
		Version: meta.Version, Timestamp: now, Operation: OpMerge, Rows: result.Rows,
		Inserted: result.Inserted, Updated: result.Updated, RunID: opts.RunID,
	}); err != nil {
		return nil, err
	}
	if meta.ChangeFeed {
		var changes []Change
		for _, u := range plan.updates {
			changes = append(changes,
				Change{Version: meta.Version, Type: ChangeUpdatePreimage, Timestamp: now, Row: u.pre},
				Change{Version: meta.Version, Type: ChangeUpdatePostimage, Timestamp: now, Row: u.post},
			)
		}
		for _, r := range plan.inserts {
			changes = append(changes, Change{Version: meta.Version, Type: ChangeInsert, Timestamp: now, Row: r})
		}
		if err := writeChanges(ctx, tx, name, changes); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing merge into %s: %w", name, err)
	}
	return result, nil
}

func (s *PostgresStore) History(ctx context.Context, name table.Name) ([]HistoryEntry, error) {
	meta, err := s.loadMeta(ctx, s.pool, name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, notFound(name)
	}

	rows, err := s.pool.Query(ctx, `SELECT version, ts, operation, rows, inserted, updated, COALESCE(run_id, '')
		FROM `+metaTable(name, "_table_history")+` WHERE table_name = $1 ORDER BY version DESC`, name.String())
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", name, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.Version, &h.Timestamp, &h.Operation, &h.Rows, &h.Inserted, &h.Updated, &h.RunID); err != nil {
			return nil, err
		}
		h.Timestamp = h.Timestamp.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Changes(ctx context.Context, name table.Name, fromVersion int64) ([]Change, error) {
	meta, err := s.loadMeta(ctx, s.pool, name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, notFound(name)
	}

	rows, err := s.pool.Query(ctx, `SELECT version, change_type, ts, row_data
		FROM `+metaTable(name, "_change_feed")+`
		WHERE table_name = $1 AND version >= $2 ORDER BY version, seq`, name.String(), fromVersion)
	if err != nil {
		return nil, fmt.Errorf("reading changes of %s: %w", name, err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c   Change
			typ string
			raw []byte
		)
		if err := rows.Scan(&c.Version, &typ, &c.Timestamp, &raw); err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decoding change row: %w", err)
		}
		c.Row, err = table.NormalizeRow(doc, meta.Schema)
		if err != nil {
			return nil, fmt.Errorf("decoding change row: %w", err)
		}
		c.Type = ChangeType(typ)
		c.Timestamp = c.Timestamp.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

func selectRows(ctx context.Context, q querier, name table.Name, schema table.Schema) ([]table.Row, error) {
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = quoteIdent(c.Name)
	}
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), pgQualified(name)))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	defer rows.Close()

	var out []table.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		raw := make(map[string]any, len(schema))
		for i, c := range schema {
			raw[c.Name] = values[i]
		}
		r, err := table.NormalizeRow(raw, schema)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func copyRows(ctx context.Context, q querier, ident pgx.Identifier, schema table.Schema, rows []table.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := schema.Names()
	values := make([][]any, len(rows))
	for i, r := range rows {
		v := make([]any, len(cols))
		for j, c := range cols {
			v[j] = r[c]
		}
		values[i] = v
	}
	if _, err := q.CopyFrom(ctx, ident, cols, pgx.CopyFromRows(values)); err != nil {
		return fmt.Errorf("copying rows into %s: %w", ident.Sanitize(), err)
	}
	return nil
}

func (s *PostgresStore) writeMeta(ctx context.Context, q querier, name table.Name, meta *tableMeta) error {
	raw, err := json.Marshal(meta.Schema)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO `+metaTable(name, "_tables")+` (table_name, schema, change_feed, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name) DO UPDATE SET schema = EXCLUDED.schema, change_feed = EXCLUDED.change_feed, version = EXCLUDED.version`,
		name.String(), raw, meta.ChangeFeed, meta.Version)
	if err != nil {
		return fmt.Errorf("writing metadata of %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) writeHistory(ctx context.Context, q querier, name table.Name, h HistoryEntry) error {
	_, err := q.Exec(ctx, `INSERT INTO `+metaTable(name, "_table_history")+`
		(table_name, version, ts, operation, rows, inserted, updated, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))`,
		name.String(), h.Version, h.Timestamp, h.Operation, h.Rows, h.Inserted, h.Updated, h.RunID)
	if err != nil {
		return fmt.Errorf("writing history of %s: %w", name, err)
	}
	return nil
}

func writeChanges(ctx context.Context, q querier, name table.Name, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	values := make([][]any, len(changes))
	for i, c := range changes {
		raw, err := json.Marshal(c.Row)
		if err != nil {
			return fmt.Errorf("encoding change row: %w", err)
		}
		values[i] = []any{name.String(), c.Version, i, string(c.Type), c.Timestamp, raw}
	}
	_, err := q.CopyFrom(ctx, pgx.Identifier{metaSchema(name.Catalog), "_change_feed"},
		[]string{"table_name", "version", "seq", "change_type", "ts", "row_data"}, pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("writing change feed of %s: %w", name, err)
	}
	return nil
}
