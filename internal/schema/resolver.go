// Package schema infers the column layout of tables whose exact shape varies
// across differently-provisioned databases. Queries are then built from
// prioritized candidate column names instead of hardcoded ones.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ColumnSet is the lowercase column names of one table. Immutable once built.
type ColumnSet struct {
	Table string
	cols  map[string]struct{}
}

// NewColumnSet builds a ColumnSet from raw column names.
func NewColumnSet(table string, names []string) ColumnSet {
	cols := make(map[string]struct{}, len(names))
	for _, n := range names {
		cols[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return ColumnSet{Table: table, cols: cols}
}

// Has reports whether the set contains name, case-insensitively.
func (c ColumnSet) Has(name string) bool {
	_, ok := c.cols[strings.ToLower(name)]
	return ok
}

// Len returns the number of columns.
func (c ColumnSet) Len() int { return len(c.cols) }

// Pick returns the first candidate present in the set, compared
// case-insensitively, in lowercase form. Empty string when none match;
// callers treat that as "feature unavailable" and degrade instead of failing.
func (c ColumnSet) Pick(candidates ...string) string {
	for _, cand := range candidates {
		lc := strings.ToLower(cand)
		if _, ok := c.cols[lc]; ok {
			return lc
		}
	}
	return ""
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ValidIdent reports whether name is safe to splice into a query as an
// identifier. Table and column names cannot be bound as parameters.
func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}

// Resolver probes and memoizes table column sets. The schema is assumed
// stable for the process lifetime; Invalidate exists for operators.
type Resolver struct {
	db      *sql.DB
	timeout time.Duration

	mu   sync.Mutex
	sets map[string]ColumnSet
}

// NewResolver creates a Resolver over db. timeout bounds each probe query.
func NewResolver(db *sql.DB, timeout time.Duration) *Resolver {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{db: db, timeout: timeout, sets: make(map[string]ColumnSet)}
}

// Columns returns the memoized column set for table, probing it on first use.
func (r *Resolver) Columns(ctx context.Context, table string) (ColumnSet, error) {
	r.mu.Lock()
	if set, ok := r.sets[table]; ok {
		r.mu.Unlock()
		return set, nil
	}
	r.mu.Unlock()

	set, err := r.probe(ctx, table)
	if err != nil {
		return ColumnSet{}, err
	}

	r.mu.Lock()
	r.sets[table] = set
	r.mu.Unlock()
	return set, nil
}

// Invalidate drops all memoized column sets.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = make(map[string]ColumnSet)
}

func (r *Resolver) probe(ctx context.Context, table string) (ColumnSet, error) {
	if !ValidIdent(table) {
		return ColumnSet{}, fmt.Errorf("invalid table name %q", table)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Preferred path: the catalog view, present on SQL Server.
	if names, err := r.probeCatalog(ctx, table); err == nil {
		return NewColumnSet(table, names), nil
	}

	// Fallback: a zero-row scan works on any driver.
	names, err := r.probeZeroRow(ctx, table)
	if err != nil {
		return ColumnSet{}, fmt.Errorf("probe columns of %s: %w", table, err)
	}
	return NewColumnSet(table, names), nil
}

func (r *Resolver) probeCatalog(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @table",
		sql.Named("table", table),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("table %s not found in catalog", table)
	}
	return names, nil
}

func (r *Resolver) probeZeroRow(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rows.Columns()
}
