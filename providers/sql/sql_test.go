package sql

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/psanford/memfs"

	"github.com/alecthomas/landlord/providers/logging/loggingtest"
)

func testDB(t *testing.T, dsn string) {
	t.Helper()
	fs := memfs.New()
	err := fs.WriteFile("000_init.sql", []byte(`CREATE TABLE users (name VARCHAR(255) NOT NULL PRIMARY KEY)`), 0600)
	assert.NoError(t, err)

	logger := loggingtest.NewForTesting()
	config := Config{DSN: dsn, Create: true, Migrate: true}

	var db *sql.DB
	t.Run("RecreateConnect", func(t *testing.T) {
		db, err = New(t.Context(), config, logger, Migrations{fs})
		assert.NoError(t, err)
	})
	if db == nil {
		return
	}
	defer db.Close()

	driver, err := DriverForConfig(config)
	assert.NoError(t, err)

	t.Run("Insert", func(t *testing.T) {
		_, err = db.ExecContext(t.Context(), `INSERT INTO users (name) VALUES ('Alice')`)
		assert.NoError(t, err)
	})

	t.Run("Select", func(t *testing.T) {
		rows, err := db.QueryContext(t.Context(), `SELECT * FROM users`)
		assert.NoError(t, err)
		defer rows.Close()

		for rows.Next() {
			var name string
			err := rows.Scan(&name)
			assert.NoError(t, err)
			assert.Equal(t, "Alice", name)
		}
		assert.NoError(t, rows.Err())
	})

	t.Run("Constraint", func(t *testing.T) {
		_, err = db.ExecContext(t.Context(), `INSERT INTO users (name) VALUES ('Alice')`)
		assert.IsError(t, driver.TranslateError(err), ErrConstraint)
	})

	t.Run("MigrationsAppliedOnce", func(t *testing.T) {
		err := fs.WriteFile("001_events.sql", []byte(`
			-- Second migration.
			CREATE TABLE events (id VARCHAR(64) NOT NULL PRIMARY KEY);
			INSERT INTO events (id) VALUES ('first');
		`), 0600)
		assert.NoError(t, err)
		assert.NoError(t, Migrate(t.Context(), logger, db, driver, Migrations{fs}))
		assert.NoError(t, Migrate(t.Context(), logger, db, driver, Migrations{fs}))
		var count int
		err = db.QueryRowContext(t.Context(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&count)
		assert.NoError(t, err)
		assert.Equal(t, 2, count)
		err = db.QueryRowContext(t.Context(), `SELECT COUNT(*) FROM events`).Scan(&count)
		assert.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestDriverForConfig(t *testing.T) {
	tests := []struct {
		dsn     string
		name    string
		wantErr bool
	}{
		{"sqlite://file:test.db", "sqlite", false},
		{"postgres://localhost:5432/landlord", "postgres", false},
		{"pgx://localhost:5432/landlord", "postgres", false},
		{"mysql://root@tcp(localhost:3306)/landlord", "mysql", false},
		{"oracle://localhost", "", true},
		{"landlord.db", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			driver, err := DriverForConfig(Config{DSN: tt.dsn})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.name, driver.Name())
		})
	}
}

func TestDenormalise(t *testing.T) {
	query := `INSERT INTO t (a, b) VALUES (?, ?)`
	assert.Equal(t, `INSERT INTO t (a, b) VALUES ($1, $2)`, PostgresDriver{}.Denormalise(query))
	assert.Equal(t, query, SQLiteDriver{}.Denormalise(query))
	assert.Equal(t, query, MySQLDriver{}.Denormalise(query))
}

func TestSplitStatements(t *testing.T) {
	script := `
-- Create tables.
CREATE TABLE a (
  id INT
);
CREATE INDEX a_id ON a (id);
INSERT INTO a VALUES (1)
`
	assert.Equal(t, []string{
		"CREATE TABLE a (\n  id INT\n)",
		"CREATE INDEX a_id ON a (id)",
		"INSERT INTO a VALUES (1)",
	}, SplitStatements(script))
}

func TestNewFailsForMissingDriver(t *testing.T) {
	_, err := New(t.Context(), Config{DSN: "oracle://localhost"}, loggingtest.NewForTesting(), nil)
	assert.Error(t, err)
}

func TestSQLiteRecreate(t *testing.T) {
	dsn := "sqlite://file:" + filepath.Join(t.TempDir(), "recreate.db")
	assert.NoError(t, SQLiteDriver{}.RecreateDatabase(t.Context(), dsn))
	db, err := New(t.Context(), Config{DSN: dsn, Migrate: true}, loggingtest.NewForTesting(), nil)
	assert.NoError(t, err)
	assert.NoError(t, db.Close())
	assert.NoError(t, SQLiteDriver{}.RecreateDatabase(t.Context(), dsn))
}
