package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"okavango/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

Tables are rewritten with DELETE plus COPY inside one transaction, so readers
see either the previous export or the new one.
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates schemas and tables that do not exist.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// ReplaceRows deletes the rows of table and copies rows in.
func (r *Repo) ReplaceRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM "+pgTableIdent(table)); err != nil {
		return 0, fmt.Errorf("postgres: clear %s: %w", table, err)
	}
	n, err := tx.CopyFrom(ctx, tableIdentifier(table), columns, pgx.CopyFromRows(pgValues(rows)))
	if err != nil {
		return n, fmt.Errorf("postgres: copy into %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// pgValues dereferences *float64 cells; COPY encodes nil pointers poorly
// for some column types.
func pgValues(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, len(row))
		for j, v := range row {
			if p, ok := v.(*float64); ok {
				if p == nil {
					vals[j] = nil
				} else {
					vals[j] = *p
				}
				continue
			}
			vals[j] = v
		}
		out[i] = vals
	}
	return out
}

func pgIdent(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

func pgTableIdent(name string) string {
	return tableIdentifier(name).Sanitize()
}

func tableIdentifier(name string) pgx.Identifier {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgx.Identifier{schema, table}
	}
	return pgx.Identifier{strings.TrimSpace(name)}
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.countries" => ("public", "countries")
//   - "countries"        => ("", "countries")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgType(t storage.Type) string {
	switch t {
	case storage.TypeInt:
		return "BIGINT"
	case storage.TypeFloat:
		return "DOUBLE PRECISION"
	case storage.TypeBool:
		return "BOOLEAN"
	case storage.TypeTime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// buildCreateSQL builds the DDL for t: an optional CREATE SCHEMA and the
// CREATE TABLE. Pure, so it is tested without a database.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if err := storage.ValidateTableSpec(t); err != nil {
		return "", "", err
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def := pgIdent(c.Name) + " " + pgType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	if len(t.Key) > 0 {
		keys := make([]string, len(t.Key))
		for i, k := range t.Key {
			keys[i] = pgIdent(k)
		}
		cols = append(cols, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	}

	tableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(cols, ", "))
	return schemaSQL, tableSQL, nil
}
