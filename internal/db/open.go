package db

import (
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/meshhub/meshhub/internal/common/config"
)

// Open opens the configured database backend and returns a Pool.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.IsPostgres() {
		conn, err := OpenPostgres(cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		dbx := sqlx.NewDb(conn, "pgx")
		return NewPool(dbx, dbx), nil
	}
	return OpenSQLitePool(sqlitePath(cfg.URL))
}

// OpenSQLitePool opens a writer and reader pool against a SQLite file.
func OpenSQLitePool(path string) (*Pool, error) {
	writer, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}

// sqlitePath strips an optional sqlite:// scheme from a database URL.
func sqlitePath(url string) string {
	for _, prefix := range []string{"sqlite://", "sqlite3://"} {
		if strings.HasPrefix(url, prefix) {
			return strings.TrimPrefix(url, prefix)
		}
	}
	return url
}
