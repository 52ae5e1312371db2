// Package sharedstore manages the PostgreSQL database that shared-plan
// instances keep their tables in. Every instance owns the tables carrying
// its table prefix.
package sharedstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the admin connection and the coordinates handed to instances.
type Config struct {
	URL      string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// Credentials is what an instance needs to reach its tables.
type Credentials struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	TablePrefix string
}

type Store struct {
	pool *pgxpool.Pool
	cfg  Config
}

// Open connects to the shared database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping shared store: %w", err)
	}
	return &Store{pool: pool, cfg: cfg}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Credentials returns the connection details for one table prefix.
func (s *Store) Credentials(tablePrefix string) Credentials {
	return credentialsFor(s.cfg, tablePrefix)
}

func credentialsFor(cfg Config, tablePrefix string) Credentials {
	return Credentials{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Name:        cfg.Name,
		User:        cfg.User,
		Password:    cfg.Password,
		TablePrefix: tablePrefix,
	}
}

const listPrefixedTables = `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = current_schema()
  AND table_type = 'BASE TABLE'
  AND left(table_name, length($1)) = $1
ORDER BY table_name`

// DropTables drops every table whose name starts with prefix and returns
// the dropped names. An empty prefix is rejected.
func (s *Store) DropTables(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, fmt.Errorf("table prefix is required")
	}

	var dropped []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, listPrefixedTables, prefix)
		if err != nil {
			return fmt.Errorf("failed to list tables: %w", err)
		}
		tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to scan tables: %w", err)
		}

		for _, t := range tables {
			if _, err := tx.Exec(ctx, dropStatement(t)); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", t, err)
			}
		}
		dropped = tables
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

func dropStatement(table string) string {
	return "DROP TABLE IF EXISTS " + pgx.Identifier{table}.Sanitize() + " CASCADE"
}
