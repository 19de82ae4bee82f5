// Package status aggregates operator status from the operational database
// and the Argus upstream into one normalized dashboard payload.
package status

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/argus"
	"github.com/opsdeck/opsdeck/internal/cache"
	"github.com/opsdeck/opsdeck/internal/schema"
)

// Candidate column names per logical field, in priority order. The
// operational databases are provisioned by different parties and the same
// field shows up under different names; the first resolved candidate wins.
var (
	collabIDCandidates     = []string{"operator_id", "external_id", "matricula", "id"}
	collabNameCandidates   = []string{"name", "nome", "full_name"}
	collabTeamCandidates   = []string{"team", "equipe", "squad"}
	collabActiveCandidates = []string{"active", "ativo", "enabled"}
	collabOrgCandidates    = []string{"company", "empresa", "organization"}

	statusIDCandidates       = []string{"operator_id", "agent_id", "external_id", "id"}
	statusDescCandidates     = []string{"status_description", "status", "situacao"}
	statusDurationCandidates = []string{"status_seconds", "seconds_in_status", "duracao"}
	statusUpdatedCandidates  = []string{"updated_at", "last_update", "atualizado_em"}
)

// OperatorRecord is the normalized shape served to the dashboard.
type OperatorRecord struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Team                  string    `json:"team,omitempty"`
	StatusDescription     string    `json:"status_description"`
	StatusDurationSeconds int       `json:"status_duration_seconds"`
	UpdatedAt             time.Time `json:"updated_at,omitzero"`
}

// Counts summarizes the floor. Active and LoggedIn may be computed through
// different paths (aggregate query vs. in-memory count) and can transiently
// disagree; the dashboard tolerates that.
type Counts struct {
	Active          int `json:"active"`
	LoggedIn        int `json:"logged_in"`
	InCall          int `json:"in_call"`
	Free            int `json:"free"`
	PercentLoggedIn int `json:"percent_logged_in"`
}

// Payload is the full /status response body.
type Payload struct {
	Operators   []OperatorRecord `json:"operators"`
	Counts      Counts           `json:"counts"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Config configures the status service.
type Config struct {
	StatusTable       string
	CollaboratorTable string
	Organization      string
	Team              string
	TTL               time.Duration
	QueryTimeout      time.Duration
}

const cacheKey = "status"

// Service owns the status cache cell and its refresh path.
type Service struct {
	db       *sql.DB
	resolver *schema.Resolver
	upstream *argus.Client // nil disables upstream enrichment
	cache    *cache.Store[Payload]
	cfg      Config

	mu        sync.Mutex
	lastError string
	lastErrAt time.Time
}

// New creates the status service. upstream may be nil.
func New(db *sql.DB, resolver *schema.Resolver, upstream *argus.Client, cfg Config, m *cache.Metrics) *Service {
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	return &Service{
		db:       db,
		resolver: resolver,
		upstream: upstream,
		cfg:      cfg,
		cache: cache.New[Payload]("status", cache.Options[Payload]{
			TTL: cfg.TTL,
			Len: func(p Payload) int { return len(p.Operators) },
		}, m),
	}
}

// Current returns the payload for HTTP callers. A fresh or stale cached
// value is served as-is (the scheduler keeps it warm); only a cold cache
// blocks on a fetch. It never fails: the worst outcome is an empty payload.
func (s *Service) Current(ctx context.Context) Payload {
	if val, ok, _ := s.cache.Get(cacheKey); ok {
		return val
	}
	val, err := s.cache.RefreshOrStale(ctx, cacheKey, s.fetch)
	if err != nil {
		s.recordError(err)
		slog.Warn("status refresh failed, serving degraded payload", "error", err)
	}
	if val.Operators == nil {
		val.Operators = []OperatorRecord{}
	}
	return val
}

// Refresh is the scheduler entry point. Its error feeds the backoff.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.cache.Refresh(ctx, cacheKey, s.fetch)
	if err != nil {
		s.recordError(err)
	}
	return err
}

// Cache exposes the cell diagnostics for the admin surface.
func (s *Service) Cache() []cache.CellInfo { return s.cache.Snapshot() }

// ClearCache drops the cached payload.
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

func (s *Service) fetch(ctx context.Context) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	collabSet, err := s.resolver.Columns(ctx, s.cfg.CollaboratorTable)
	if err != nil {
		return Payload{}, fmt.Errorf("resolve collaborator columns: %w", err)
	}
	statusSet, err := s.resolver.Columns(ctx, s.cfg.StatusTable)
	if err != nil {
		return Payload{}, fmt.Errorf("resolve status columns: %w", err)
	}

	collabs, err := s.queryCollaborators(ctx, collabSet)
	if err != nil {
		return Payload{}, fmt.Errorf("query collaborators: %w", err)
	}
	statuses, err := s.queryStatuses(ctx, statusSet)
	if err != nil {
		return Payload{}, fmt.Errorf("query statuses: %w", err)
	}

	records := s.join(ctx, collabs, statuses)
	counts := s.counts(ctx, collabSet, statusSet, collabs, records)

	return Payload{
		Operators:   records,
		Counts:      counts,
		GeneratedAt: time.Now(),
	}, nil
}

type collaborator struct {
	ID   string
	Name string
	Team string
}

type statusRow struct {
	Description     string
	DurationSeconds int
	UpdatedAt       time.Time
}

func (s *Service) queryCollaborators(ctx context.Context, set schema.ColumnSet) ([]collaborator, error) {
	idCol := set.Pick(collabIDCandidates...)
	nameCol := set.Pick(collabNameCandidates...)
	teamCol := set.Pick(collabTeamCandidates...)

	cols := nonEmpty(idCol, nameCol, teamCol)
	if len(cols) == 0 {
		// Nothing recognizable; the dashboard degrades to an empty floor.
		return nil, nil
	}

	where, args := s.collabFilters(set)
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(cols, ", "), s.cfg.CollaboratorTable, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collaborator
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		byCol := zip(cols, vals)
		out = append(out, collaborator{
			ID:   schema.AsString(byCol[idCol]),
			Name: schema.AsString(byCol[nameCol]),
			Team: schema.AsString(byCol[teamCol]),
		})
	}
	return out, rows.Err()
}

// collabFilters builds the WHERE clause for the collaborator query. A filter
// whose column did not resolve is omitted rather than failing the query.
func (s *Service) collabFilters(set schema.ColumnSet) (string, []any) {
	var clauses []string
	var args []any
	if col := set.Pick(collabActiveCandidates...); col != "" {
		clauses = append(clauses, col+" = 1")
	}
	if col := set.Pick(collabOrgCandidates...); col != "" && s.cfg.Organization != "" {
		clauses = append(clauses, col+" = @org")
		args = append(args, sql.Named("org", s.cfg.Organization))
	}
	if col := set.Pick(collabTeamCandidates...); col != "" && s.cfg.Team != "" {
		clauses = append(clauses, col+" = @team")
		args = append(args, sql.Named("team", s.cfg.Team))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Service) queryStatuses(ctx context.Context, set schema.ColumnSet) (map[string]statusRow, error) {
	idCol := set.Pick(statusIDCandidates...)
	descCol := set.Pick(statusDescCandidates...)
	if idCol == "" || descCol == "" {
		// No join key or no status text; enrichment falls back to Argus.
		return nil, nil
	}
	durCol := set.Pick(statusDurationCandidates...)
	updCol := set.Pick(statusUpdatedCandidates...)

	cols := nonEmpty(idCol, descCol, durCol, updCol)
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), s.cfg.StatusTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]statusRow)
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		byCol := zip(cols, vals)
		id := schema.AsString(byCol[idCol])
		if id == "" {
			continue
		}
		out[id] = statusRow{
			Description:     schema.AsString(byCol[descCol]),
			DurationSeconds: schema.AsInt(byCol[durCol]),
			UpdatedAt:       schema.AsTime(byCol[updCol]),
		}
	}
	return out, rows.Err()
}

// join merges collaborators with their status rows. Collaborators without a
// database status row are enriched through Argus; an operator the upstream
// does not know stays in the list with an empty status (partial data beats
// no data).
func (s *Service) join(ctx context.Context, collabs []collaborator, statuses map[string]statusRow) []OperatorRecord {
	records := make([]OperatorRecord, 0, len(collabs))
	for _, c := range collabs {
		rec := OperatorRecord{ID: c.ID, Name: c.Name, Team: c.Team}
		if st, ok := statuses[c.ID]; ok {
			rec.StatusDescription = st.Description
			rec.StatusDurationSeconds = st.DurationSeconds
			rec.UpdatedAt = st.UpdatedAt
		} else if s.upstream != nil && c.ID != "" {
			if st, err := s.upstream.FetchStatus(ctx, c.ID); err != nil {
				slog.Debug("argus enrichment failed", "operator", c.ID, "error", err)
			} else if st != nil {
				rec.StatusDescription = st.Description
				rec.StatusDurationSeconds = st.DurationSeconds
				rec.UpdatedAt = st.UpdatedAt
			}
		}
		records = append(records, rec)
	}
	return records
}

// counts computes the floor counters. The active headcount and logged-in
// count prefer direct aggregate queries and fall back to counting the rows
// already in memory when the aggregate path is infeasible.
func (s *Service) counts(ctx context.Context, collabSet, statusSet schema.ColumnSet, collabs []collaborator, records []OperatorRecord) Counts {
	var c Counts

	c.Active = s.countActive(ctx, collabSet, len(collabs))
	c.LoggedIn = s.countLoggedIn(ctx, statusSet, records)

	for _, r := range records {
		switch Classify(r.StatusDescription) {
		case StateInCall:
			c.InCall++
		case StateFree:
			c.Free++
		}
	}

	if c.Active > 0 {
		c.PercentLoggedIn = int(float64(c.LoggedIn)/float64(c.Active)*100 + 0.5)
	}
	return c
}

func (s *Service) countActive(ctx context.Context, set schema.ColumnSet, fallback int) int {
	where, args := s.collabFilters(set)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.cfg.CollaboratorTable, where)

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		slog.Warn("active headcount query failed, using fetched row count", "error", err)
		return fallback
	}
	return n
}

func (s *Service) countLoggedIn(ctx context.Context, set schema.ColumnSet, records []OperatorRecord) int {
	idCol := set.Pick(statusIDCandidates...)
	descCol := set.Pick(statusDescCandidates...)
	if idCol != "" && descCol != "" {
		query := fmt.Sprintf(
			"SELECT COUNT(DISTINCT %s) FROM %s WHERE %s IS NOT NULL AND %s <> ''",
			idCol, s.cfg.StatusTable, descCol, descCol,
		)
		var n int
		if err := s.db.QueryRowContext(ctx, query).Scan(&n); err == nil {
			return n
		}
		slog.Warn("logged-in aggregate query failed, counting in memory")
	}

	// Aggregate path infeasible; count what was fetched. May disagree with
	// the aggregate under team filters, which the dashboard tolerates.
	var n int
	for _, r := range records {
		if r.StatusDescription != "" {
			n++
		}
	}
	return n
}

func nonEmpty(cols ...string) []string {
	out := cols[:0:0]
	for _, c := range cols {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func zip(cols []string, vals []any) map[string]any {
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		m[c] = vals[i]
	}
	return m
}
