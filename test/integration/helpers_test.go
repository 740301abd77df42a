//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
)

func pgConnString(t *testing.T) string {
	t.Helper()
	host := envOrDefault("DIMPIPE_TEST_PG_HOST", "localhost")
	port := envOrDefault("DIMPIPE_TEST_PG_PORT", "25432")
	db := envOrDefault("DIMPIPE_TEST_PG_DATABASE", "dimpipe_test")
	user := envOrDefault("DIMPIPE_TEST_PG_USER", "postgres")
	pass := envOrDefault("DIMPIPE_TEST_PG_PASSWORD", "postgres")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, db)
}

func mongoURI(t *testing.T) string {
	t.Helper()
	return envOrDefault("DIMPIPE_TEST_MONGO_URI", "mongodb://localhost:37017/?directConnection=true")
}

func skipIfNoPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("DIMPIPE_TEST_PG_HOST") == "" && os.Getenv("DIMPIPE_TEST_PG_PORT") == "" {
		t.Skip("skipping: DIMPIPE_TEST_PG_HOST/PORT not set")
	}
}

func skipIfNoMongo(t *testing.T) {
	t.Helper()
	if os.Getenv("DIMPIPE_TEST_MONGO_URI") == "" {
		t.Skip("skipping: DIMPIPE_TEST_MONGO_URI not set")
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// testParams returns parameters with a catalog unique to this test run.
func testParams() table.Params {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return table.Params{Catalog: "it_" + id, DataSource: "customers"}
}

func openPostgres(t *testing.T, p table.Params) store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewPostgresStore(ctx, pgConnString(t), 4)
	if err != nil {
		t.Fatalf("connecting to PostgreSQL: %v", err)
	}
	t.Cleanup(func() {
		st.Close(ctx)
		conn, err := pgx.Connect(ctx, pgConnString(t))
		if err != nil {
			t.Logf("cleanup connect: %v", err)
			return
		}
		defer conn.Close(ctx)
		for _, layer := range append(table.Layers, "meta") {
			schema := pgx.Identifier{p.Catalog + "_" + layer}.Sanitize()
			if _, err := conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
				t.Logf("dropping %s: %v", schema, err)
			}
		}
	})
	return st
}

func openMongo(t *testing.T, p table.Params) store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewMongoStore(ctx, mongoURI(t))
	if err != nil {
		t.Fatalf("connecting to MongoDB: %v", err)
	}
	t.Cleanup(func() {
		st.Close(ctx)
		client, err := mongo.Connect(options.Client().ApplyURI(mongoURI(t)))
		if err != nil {
			t.Logf("cleanup connect: %v", err)
			return
		}
		defer client.Disconnect(ctx)
		if err := client.Database(p.Catalog).Drop(ctx); err != nil {
			t.Logf("dropping %s: %v", p.Catalog, err)
		}
	})
	return st
}
