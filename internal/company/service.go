// Package company serves the distinct organization names present in the
// operational schema, for the dashboard's company picker.
package company

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/cache"
	"github.com/opsdeck/opsdeck/internal/schema"
)

var orgCandidates = []string{"company", "empresa", "organization"}

// Config configures the company service.
type Config struct {
	Table        string
	TTL          time.Duration
	QueryTimeout time.Duration
}

const cacheKey = "companies"

// Service owns the company-list cache cell.
type Service struct {
	db       *sql.DB
	resolver *schema.Resolver
	cache    *cache.Store[[]string]
	cfg      Config

	mu        sync.Mutex
	lastError string
	lastErrAt time.Time
}

// New creates the company service.
func New(db *sql.DB, resolver *schema.Resolver, cfg Config, m *cache.Metrics) *Service {
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	return &Service{
		db:       db,
		resolver: resolver,
		cfg:      cfg,
		cache: cache.New[[]string]("company", cache.Options[[]string]{
			TTL: cfg.TTL,
			Len: func(v []string) int { return len(v) },
		}, m),
	}
}

// List returns the company names. Cached values are served as-is; a cold
// cache blocks on a fetch. Never fails: worst case is an empty list.
func (s *Service) List(ctx context.Context) []string {
	if val, ok, _ := s.cache.Get(cacheKey); ok {
		return val
	}
	val, err := s.cache.RefreshOrStale(ctx, cacheKey, s.fetch)
	if err != nil {
		s.recordError(err)
		slog.Warn("company list refresh failed", "error", err)
	}
	if val == nil {
		val = []string{}
	}
	return val
}

// Refresh is the scheduler entry point.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.cache.Refresh(ctx, cacheKey, s.fetch)
	if err != nil {
		s.recordError(err)
	}
	return err
}

// Cache exposes cell diagnostics for the admin surface.
func (s *Service) Cache() []cache.CellInfo { return s.cache.Snapshot() }

// ClearCache drops the cached list.
func (s *Service) ClearCache() { s.cache.ClearAll() }

// LastError returns the most recent refresh error, if any.
func (s *Service) LastError() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError, s.lastErrAt
}

// Run sweeps the cache until ctx is cancelled.
func (s *Service) Run(ctx context.Context) { s.cache.Run(ctx) }

func (s *Service) recordError(err error) {
	s.mu.Lock()
	s.lastError, s.lastErrAt = err.Error(), time.Now()
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	set, err := s.resolver.Columns(ctx, s.cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("resolve columns: %w", err)
	}
	col := set.Pick(orgCandidates...)
	if col == "" {
		// No organization column on this provisioning; empty picker.
		return []string{}, nil
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL AND %s <> ''",
		col, s.cfg.Table, col, col)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query companies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if name := schema.AsString(raw); name != "" {
			out = append(out, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Stable order keeps the payload, and therefore its ETag, deterministic.
	sort.Strings(out)
	return out, nil
}
