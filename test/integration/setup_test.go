package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/formbuilder/internal/platform/db"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool          *pgxpool.Pool
	ConnStr       string
	MigrationsDir string
}

// globalDB is the package-level test database, nil when no Postgres is
// available.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupDatabase(ctx)
	switch {
	case errors.Is(err, errDockerUnavailable):
		fmt.Fprintln(os.Stderr, "integration: docker unavailable and TEST_DATABASE_URL unset, skipping database tests")
	case err != nil:
		fmt.Fprintf(os.Stderr, "failed to set up integration database: %v\n", err)
		os.Exit(1)
	default:
		globalDB = tdb
	}

	code := m.Run()
	if cleanup != nil {
		cleanup()
	}
	os.Exit(code)
}

// setupDatabase connects to TEST_DATABASE_URL, or starts a Postgres
// container, and applies the migrations.
func setupDatabase(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	pool, err := db.NewPool(ctx, connStr, 5, 1)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	migrationsDir := findMigrationsDir()
	if _, err := db.NewMigrator(pool, migrationsDir).WithLogger(zerolog.Nop()).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &testDB{Pool: pool, ConnStr: connStr, MigrationsDir: migrationsDir}, func() {
		pool.Close()
		cleanup()
	}, nil
}

// findMigrationsDir locates the migrations directory relative to this test file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// requireDB skips the test when no database is available and empties the
// concept dictionary otherwise.
func requireDB(t *testing.T) *testDB {
	t.Helper()
	if globalDB == nil {
		t.Skip("no integration database")
	}
	_, err := globalDB.Pool.Exec(context.Background(),
		`TRUNCATE concept_answer, concept_mapping, concept RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate concept dictionary: %v", err)
	}
	return globalDB
}

type seedConcept struct {
	uuid     string
	display  string
	retired  bool
	mappings [][3]string // source, code, map type
	answers  []string
}

func seed(t *testing.T, pool *pgxpool.Pool, concepts ...seedConcept) {
	t.Helper()
	ctx := context.Background()
	for _, c := range concepts {
		if _, err := pool.Exec(ctx,
			`INSERT INTO concept (uuid, display, retired) VALUES ($1, $2, $3)`,
			c.uuid, c.display, c.retired); err != nil {
			t.Fatalf("seed concept %s: %v", c.uuid, err)
		}
	}
	for _, c := range concepts {
		for i, m := range c.mappings {
			if _, err := pool.Exec(ctx,
				`INSERT INTO concept_mapping (concept_uuid, source, code, map_type, sort_weight) VALUES ($1, $2, $3, $4, $5)`,
				c.uuid, m[0], m[1], m[2], i); err != nil {
				t.Fatalf("seed mapping: %v", err)
			}
		}
		for i, a := range c.answers {
			if _, err := pool.Exec(ctx,
				`INSERT INTO concept_answer (concept_uuid, answer_uuid, sort_weight) VALUES ($1, $2, $3)`,
				c.uuid, a, i); err != nil {
				t.Fatalf("seed answer: %v", err)
			}
		}
	}
}
