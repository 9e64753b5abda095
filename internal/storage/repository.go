// Package storage is the backend-neutral relational sink the export step
// writes to. Backends register a factory under a kind ("sqlite",
// "postgres", "mssql") from an init function; New selects one.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Config selects and configures a backend.
//
// Edge cases:
//   - Kind must be non-empty and registered.
//   - DSN is passed through to the backend; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Type is a logical column type. Each backend maps it to a native type.
type Type string

const (
	TypeText  Type = "text"
	TypeInt   Type = "int"
	TypeFloat Type = "float"
	TypeBool  Type = "bool"
	TypeTime  Type = "timestamp"
)

// Column describes one column of a TableSpec.
type Column struct {
	Name     string
	Type     Type
	Nullable bool
}

// TableSpec describes a table the sink writes. Key, when set, becomes the
// primary key.
type TableSpec struct {
	Name    string
	Columns []Column
	Key     []string
}

// ColumnNames returns the column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Repository is the minimal interface the export step needs.
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureTables creates missing tables. It is idempotent and never alters
	// an existing table.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// ReplaceRows deletes every row of table and inserts rows, in one
	// transaction. Each row is aligned with columns.
	ReplaceRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// Factory opens a Repository.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under kind.
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a Repository with the factory registered for cfg.Kind.
//
// Errors:
//   - cfg.Kind is empty or not registered.
//   - Whatever the factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind %q (registered: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, cfg)
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateTableSpec checks names are plain identifiers (optionally
// schema-qualified), columns are unique, types known and key columns exist.
func ValidateTableSpec(t TableSpec) error {
	if !identPattern.MatchString(t.Name) {
		return fmt.Errorf("storage: invalid table name %q", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s has no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !identPattern.MatchString(c.Name) || strings.Contains(c.Name, ".") {
			return fmt.Errorf("storage: table %s: invalid column name %q", t.Name, c.Name)
		}
		lc := strings.ToLower(c.Name)
		if seen[lc] {
			return fmt.Errorf("storage: table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[lc] = true
		switch c.Type {
		case TypeText, TypeInt, TypeFloat, TypeBool, TypeTime:
		default:
			return fmt.Errorf("storage: table %s: column %s has unknown type %q", t.Name, c.Name, c.Type)
		}
	}
	for _, k := range t.Key {
		if !seen[strings.ToLower(k)] {
			return fmt.Errorf("storage: table %s: key column %q not defined", t.Name, k)
		}
	}
	return nil
}

// Batches splits rows so no batch binds more than maxParams parameters.
// Drivers cap bind parameters per statement (SQL Server at 2100).
func Batches(rows [][]any, ncols, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	size := len(rows)
	if ncols > 0 && maxParams > 0 {
		size = max(1, maxParams/ncols)
	}
	var out [][][]any
	for start := 0; start < len(rows); start += size {
		out = append(out, rows[start:min(start+size, len(rows))])
	}
	return out
}
