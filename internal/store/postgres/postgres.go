package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/fleetd/internal/store/sqlstore"
)

// DB implements store.Store for PostgreSQL through the pgx stdlib driver.
type DB struct {
	*sqlstore.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{DB: sqlstore.New(d, sqlstore.Postgres)}, nil
}
