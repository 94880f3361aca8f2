package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"path"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/trezcool/feeledger/assets"
	"github.com/trezcool/feeledger/core"
)

// driver names registered by lib/pq and modernc.org/sqlite
const (
	postgresDriver = "postgres"
	sqliteDriver   = "sqlite"
)

func sqliteDSN(conf *core.Config) string {
	q := make(url.Values)
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if conf.Database.Path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_time_format", "sqlite")
	return "file:" + conf.Database.Path + "?" + q.Encode()
}

func postgresDSN(dbName string, admin bool, conf *core.Config) string {
	user := url.UserPassword(conf.Database.User, conf.Database.Password)
	if admin && conf.Database.AdminUser != "" {
		user = url.UserPassword(conf.Database.AdminUser, conf.Database.AdminPassword)
	}

	sslMode := "require"
	if conf.Database.DisableTLS {
		sslMode = "disable"
	}
	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     conf.Database.Address(),
		Path:     dbName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Open opens the local ledger store.
// SQLite gets a single connection: the ledger has one logical writer.
func Open(conf *core.Config) (*sqlx.DB, error) {
	if conf.Database.IsSQLite() {
		db, err := sqlx.Open(sqliteDriver, sqliteDSN(conf))
		if err != nil {
			return nil, errors.Wrap(err, "opening sqlite database")
		}
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		return db, nil
	}

	db, err := sqlx.Open(postgresDriver, postgresDSN(conf.Database.Name, false, conf))
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres database")
	}
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sql.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

func queryExists(db *sql.DB, q string, args ...interface{}) (bool, error) {
	var exists bool
	err := db.QueryRow(q, args...).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return exists, err
}

func createAppUser(db *sql.DB, conf *core.Config) error {
	if conf.Database.User == "" {
		return nil
	}

	exists, err := queryExists(db, "SELECT true FROM pg_roles WHERE rolname = $1", conf.Database.User)
	if err != nil {
		return errors.Wrap(err, "checking app user")
	}
	if !exists {
		q := fmt.Sprintf("CREATE USER %s CREATEDB ENCRYPTED PASSWORD '%s'", conf.Database.User, conf.Database.Password)
		if _, err = db.Exec(q); err != nil {
			return errors.Wrap(err, "creating app user")
		}
	}
	return nil
}

func createDB(db *sql.DB, conf *core.Config) error {
	exists, err := queryExists(db, "SELECT true FROM pg_database WHERE datname = $1", conf.Database.Name)
	if err != nil {
		return errors.Wrap(err, "checking DB")
	}
	if !exists {
		if _, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", conf.Database.Name)); err != nil {
			return errors.Wrap(err, "creating database")
		}
	}
	return nil
}

// CreateIfNotExist creates the app user and database on Postgres. SQLite files are created on open.
func CreateIfNotExist(conf *core.Config) error {
	if conf.Database.IsSQLite() {
		return nil
	}

	// connect as admin
	admin, err := sql.Open(postgresDriver, postgresDSN("postgres", true, conf))
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer func() { _ = admin.Close() }()

	if err = ping(admin); err != nil {
		return errors.Wrap(err, "pinging database")
	}
	if err = createAppUser(admin, conf); err != nil {
		return errors.Wrap(err, "creating app user")
	}

	// create DB as app user
	db, err := sql.Open(postgresDriver, postgresDSN("postgres", false, conf))
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer func() { _ = db.Close() }()
	return createDB(db, conf)
}

func dialect(engine string) string {
	if engine == core.EnginePostgres {
		return "postgres"
	}
	return "sqlite3"
}

func migrationsDir(engine string) string {
	if engine == core.EnginePostgres {
		return path.Join("migrations", "postgres")
	}
	return path.Join("migrations", "sqlite")
}

// Migrate runs a goose command (up, down, status, version, redo, reset) against the embedded migrations.
func Migrate(ctx context.Context, db *sql.DB, engine, command string, logger ...*log.Logger) error {
	goose.SetBaseFS(assets.FS)
	if len(logger) > 0 && logger[0] != nil {
		goose.SetLogger(logger[0])
	} else {
		goose.SetLogger(goose.NopLogger())
	}
	if err := goose.SetDialect(dialect(engine)); err != nil {
		return errors.Wrap(err, "setting migration dialect")
	}
	if err := goose.RunContext(ctx, command, db, migrationsDir(engine)); err != nil {
		return errors.Wrap(err, "migrating database")
	}
	return nil
}
