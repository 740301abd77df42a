// Package store is the transactional table store the pipeline writes to.
// Every implementation provides overwrite with optional schema merge, keyed
// merge, per-table versions, history and a change feed.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fmcg/dimpipe/internal/config"
	"github.com/fmcg/dimpipe/internal/table"
)

var (
	ErrTableNotFound     = errors.New("table not found")
	ErrNamespaceNotFound = errors.New("schema not found")
	ErrDuplicateKey      = errors.New("duplicate merge key in source")
)

// Operations recorded in table history.
const (
	OpCreate    = "CREATE TABLE"
	OpOverwrite = "WRITE"
	OpMerge     = "MERGE"
)

// ChangeType is the kind of a change feed record.
type ChangeType string

const (
	ChangeInsert          ChangeType = "insert"
	ChangeDelete          ChangeType = "delete"
	ChangeUpdatePreimage  ChangeType = "update_preimage"
	ChangeUpdatePostimage ChangeType = "update_postimage"
)

// WriteOptions control an overwrite.
type WriteOptions struct {
	// MergeSchema adds incoming columns the table does not have yet.
	MergeSchema bool
	// ChangeFeed enables change recording on the table. Once enabled it stays on.
	ChangeFeed bool
	RunID      string
}

// MergeOptions control a keyed merge.
type MergeOptions struct {
	Key   string
	RunID string
}

// Commit describes one committed table version.
type Commit struct {
	Table        table.Name `json:"table"`
	Version      int64      `json:"version"`
	Operation    string     `json:"operation"`
	Rows         int        `json:"rows"`
	AddedColumns []string   `json:"added_columns,omitempty"`
}

// MergeResult is the outcome of a merge.
type MergeResult struct {
	Commit
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// HistoryEntry is one row of a table's history, newest first.
type HistoryEntry struct {
	Version   int64     `json:"version" bson:"version"`
	Timestamp time.Time `json:"timestamp" bson:"ts"`
	Operation string    `json:"operation" bson:"operation"`
	Rows      int       `json:"rows" bson:"rows"`
	Inserted  int       `json:"inserted,omitempty" bson:"inserted"`
	Updated   int       `json:"updated,omitempty" bson:"updated"`
	RunID     string    `json:"run_id,omitempty" bson:"run_id"`
}

// Change is one change feed record.
type Change struct {
	Version   int64      `json:"version"`
	Type      ChangeType `json:"change_type"`
	Timestamp time.Time  `json:"timestamp"`
	Row       table.Row  `json:"row"`
}

// Store is a transactional table store.
type Store interface {
	// Bootstrap creates the catalog and its layer schemas if absent.
	Bootstrap(ctx context.Context, catalog string, layers []string) error
	// CreateTable creates an empty table if absent and reports whether it did.
	CreateTable(ctx context.Context, name table.Name, schema table.Schema, opts WriteOptions) (bool, error)
	// Overwrite atomically replaces the table contents, creating it when absent.
	Overwrite(ctx context.Context, name table.Name, f *table.Frame, opts WriteOptions) (*Commit, error)
	Read(ctx context.Context, name table.Name) (*table.Frame, error)
	// Merge upserts f into an existing table keyed on opts.Key. Matched rows
	// are updated, unmatched rows inserted, and no row is ever deleted.
	Merge(ctx context.Context, name table.Name, f *table.Frame, opts MergeOptions) (*MergeResult, error)
	History(ctx context.Context, name table.Name) ([]HistoryEntry, error)
	// Changes returns change feed records with version >= fromVersion, oldest first.
	Changes(ctx context.Context, name table.Name, fromVersion int64) ([]Change, error)
	Close(ctx context.Context) error
}

// Open connects to the configured store. Secrets must already be resolved.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case config.StorePostgres:
		return NewPostgresStore(ctx, cfg.ConnectionString, cfg.MaxConnections)
	case config.StoreMongo:
		return NewMongoStore(ctx, cfg.ConnectionString)
	case config.StoreMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

func notFound(name table.Name) error {
	return fmt.Errorf("%w: %s", ErrTableNotFound, name)
}

func namespaceNotFound(name table.Name) error {
	return fmt.Errorf("%w: %s.%s", ErrNamespaceNotFound, name.Catalog, name.Layer)
}
