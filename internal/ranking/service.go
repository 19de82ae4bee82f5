// Package ranking computes the daily top-seller ranking from the cloud
// sales schema, enriches it with photos, and keeps a durable snapshot so a
// restarted process has something to serve before its first fetch.
package ranking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/cache"
	"github.com/opsdeck/opsdeck/internal/schema"
	"github.com/opsdeck/opsdeck/internal/store"
)

// Candidate column names for the sales and seller tables, priority order.
var (
	saleSellerCandidates = []string{"seller_id", "vendedor_id", "user_id"}
	saleAmountCandidates = []string{"amount", "valor", "total"}
	saleDateCandidates   = []string{"sold_at", "data_venda", "created_at"}
	saleOrgCandidates    = []string{"company", "empresa", "organization"}
	saleNameCandidates   = []string{"seller_name", "vendedor", "nome"}
	saleTeamCandidates   = []string{"team", "equipe"}

	sellerIDCandidates    = []string{"seller_id", "id", "user_id"}
	sellerPhotoCandidates = []string{"photo_url", "foto", "avatar"}
)

// Record is one ranked seller.
type Record struct {
	SellerID   string  `json:"seller_id"`
	Name       string  `json:"name"`
	Team       string  `json:"team,omitempty"`
	PhotoURL   string  `json:"photo_url"`
	AmountSold float64 `json:"amount_sold"`
	Rank       int     `json:"rank"`
}

// Snapshots is the durable last-known-ranking store. Writes are best-effort.
type Snapshots interface {
	SaveRanking(ctx context.Context, org, day string, rows []store.Row) error
	LastRanking(ctx context.Context, org string) ([]store.Row, error)
}

// Config configures the ranking service.
type Config struct {
	SalesTable       string
	SellerTable      string
	TopN             int
	PhotoPlaceholder string
	TTL              time.Duration
	PhotoTTL         time.Duration
	QueryTimeout     time.Duration
}

// Service owns the ranking cache cells and their refresh path.
type Service struct {
	db        *sql.DB
	resolver  *schema.Resolver
	snapshots Snapshots // nil disables persistence and the restart fallback
	cfg       Config

	cache  *cache.Store[[]Record]
	photos *cache.Store[string]

	persistWG sync.WaitGroup

	mu        sync.Mutex
	lastError string
	lastErrAt time.Time
}

// New creates the ranking service. snapshots may be nil.
func New(db *sql.DB, resolver *schema.Resolver, snapshots Snapshots, cfg Config, m *cache.Metrics) *Service {
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if cfg.TTL == 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.PhotoTTL == 0 {
		cfg.PhotoTTL = time.Hour
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.PhotoPlaceholder == "" {
		cfg.PhotoPlaceholder = "/assets/avatar-placeholder.png"
	}
	return &Service{
		db:        db,
		resolver:  resolver,
		snapshots: snapshots,
		cfg:       cfg,
		cache: cache.New[[]Record]("ranking", cache.Options[[]Record]{
			TTL: cfg.TTL,
			Len: func(r []Record) int { return len(r) },
		}, m),
		photos: cache.New[string]("photo", cache.Options[string]{
			TTL: cfg.PhotoTTL,
		}, m),
	}
}

// Top returns the ranking for org. Cached values, fresh or stale, are served
// as-is; a cold cache blocks on a fetch, and if that fails the last
// persisted snapshot is served. Never fails: worst case is an empty list.
func (s *Service) Top(ctx context.Context, org string) []Record {
	if val, ok, _ := s.cache.Get(org); ok {
		return val
	}
	val, err := s.cache.RefreshOrStale(ctx, org, s.fetcher(org))
	if err != nil {
		s.recordError(err)
		slog.Warn("ranking refresh failed", "org", org, "error", err)
		if restored := s.restore(ctx, org); restored != nil {
			return restored
		}
	}
	if val == nil {
		val = []Record{}
	}
	return val
}

// Refresh is the scheduler entry point for one org. Its error feeds backoff.
func (s *Service) Refresh(ctx context.Context, org string) error {
	_, err := s.cache.Refresh(ctx, org, s.fetcher(org))
	if err != nil {
		s.recordError(err)
	}
	return err
}

// Cache exposes cell diagnostics for the admin surface.
func (s *Service) Cache() []cache.CellInfo {
	return append(s.cache.Snapshot(), s.photos.Snapshot()...)
}

// ClearCache drops all cached rankings and photos.
func (s *Service) ClearCache() {
	s.cache.ClearAll()
	s.photos.ClearAll()
}

// LastError returns the most recent refresh error, if any.
func (s *Service) LastError() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError, s.lastErrAt
}

// Run sweeps both caches until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	go s.photos.Run(ctx)
	s.cache.Run(ctx)
}

func (s *Service) recordError(err error) {
	s.mu.Lock()
	s.lastError, s.lastErrAt = err.Error(), time.Now()
	s.mu.Unlock()
}

func (s *Service) fetcher(org string) func(context.Context) ([]Record, error) {
	return func(ctx context.Context) ([]Record, error) {
		return s.fetch(ctx, org)
	}
}

// saleRow is one raw sale scanned from the dynamically-shaped query.
type saleRow struct {
	SellerID string
	Name     string
	Team     string
	Amount   float64
}

func (s *Service) fetch(ctx context.Context, org string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	set, err := s.resolver.Columns(ctx, s.cfg.SalesTable)
	if err != nil {
		return nil, fmt.Errorf("resolve sales columns: %w", err)
	}

	sales, err := s.querySales(ctx, set, org)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}

	records := rank(sales, s.cfg.TopN)
	for i := range records {
		records[i].PhotoURL = s.photoURL(ctx, records[i].SellerID)
	}

	s.persistAsync(org, records)
	return records, nil
}

func (s *Service) querySales(ctx context.Context, set schema.ColumnSet, org string) ([]saleRow, error) {
	sellerCol := set.Pick(saleSellerCandidates...)
	amountCol := set.Pick(saleAmountCandidates...)
	if sellerCol == "" || amountCol == "" {
		// No way to attribute or value sales; the ranking is unavailable.
		return nil, nil
	}
	nameCol := set.Pick(saleNameCandidates...)
	teamCol := set.Pick(saleTeamCandidates...)

	cols := []string{sellerCol, amountCol}
	if nameCol != "" {
		cols = append(cols, nameCol)
	}
	if teamCol != "" {
		cols = append(cols, teamCol)
	}

	var clauses []string
	var args []any
	if dateCol := set.Pick(saleDateCandidates...); dateCol != "" {
		start, end := dayBounds(time.Now())
		clauses = append(clauses, dateCol+" >= @day_start", dateCol+" < @day_end")
		args = append(args, sql.Named("day_start", start), sql.Named("day_end", end))
	}
	if orgCol := set.Pick(saleOrgCandidates...); orgCol != "" && org != "" {
		clauses = append(clauses, orgCol+" = @org")
		args = append(args, sql.Named("org", org))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), s.cfg.SalesTable)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saleRow
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		sale := saleRow{
			SellerID: schema.AsString(vals[0]),
			Amount:   schema.AsFloat(vals[1]),
		}
		idx := 2
		if nameCol != "" {
			sale.Name = schema.AsString(vals[idx])
			idx++
		}
		if teamCol != "" {
			sale.Team = schema.AsString(vals[idx])
		}
		if sale.SellerID != "" {
			out = append(out, sale)
		}
	}
	return out, rows.Err()
}

// dayBounds returns the current calendar day as half-open bounds, formatted
// so both TEXT and datetime columns compare correctly.
func dayBounds(now time.Time) (string, string) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	const layout = "2006-01-02 15:04:05"
	return midnight.Format(layout), midnight.AddDate(0, 0, 1).Format(layout)
}

// rank sums sales per seller, sorts descending by total and keeps the top n.
// Ties keep the order sellers first appeared in the input, which makes the
// ranking deterministic for equal totals.
func rank(sales []saleRow, n int) []Record {
	totals := make(map[string]*Record)
	var order []string
	for _, sale := range sales {
		r := totals[sale.SellerID]
		if r == nil {
			r = &Record{SellerID: sale.SellerID, Name: sale.Name, Team: sale.Team}
			if r.Name == "" {
				r.Name = sale.SellerID
			}
			totals[sale.SellerID] = r
			order = append(order, sale.SellerID)
		}
		r.AmountSold += sale.Amount
	}

	records := make([]Record, 0, len(order))
	for _, id := range order {
		r := *totals[id]
		r.AmountSold = math.Round(r.AmountSold*100) / 100
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].AmountSold > records[j].AmountSold
	})

	if len(records) > n {
		records = records[:n]
	}
	for i := range records {
		records[i].Rank = i + 1
	}
	return records
}

// photoURL resolves a seller's photo through its own cached lookup. A
// missing photo, missing column or failed query all fall back to the
// placeholder; photos are decoration, never a failure reason.
func (s *Service) photoURL(ctx context.Context, sellerID string) string {
	if url, ok, fresh := s.photos.Get(sellerID); ok && fresh {
		return url
	}
	url, err := s.photos.RefreshOrStale(ctx, sellerID, func(ctx context.Context) (string, error) {
		return s.lookupPhoto(ctx, sellerID)
	})
	if err != nil || url == "" {
		return s.cfg.PhotoPlaceholder
	}
	return url
}

func (s *Service) lookupPhoto(ctx context.Context, sellerID string) (string, error) {
	set, err := s.resolver.Columns(ctx, s.cfg.SellerTable)
	if err != nil {
		return "", err
	}
	idCol := set.Pick(sellerIDCandidates...)
	photoCol := set.Pick(sellerPhotoCandidates...)
	if idCol == "" || photoCol == "" {
		return s.cfg.PhotoPlaceholder, nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = @id", photoCol, s.cfg.SellerTable, idCol)
	var raw any
	err = s.db.QueryRowContext(ctx, query, sql.Named("id", sellerID)).Scan(&raw)
	if err == sql.ErrNoRows {
		return s.cfg.PhotoPlaceholder, nil
	}
	if err != nil {
		return "", err
	}
	if url := schema.AsString(raw); url != "" {
		return url, nil
	}
	return s.cfg.PhotoPlaceholder, nil
}

// persistAsync writes the ranking snapshot on a detached goroutine. The
// request path never waits on it; a failure is logged and dropped.
func (s *Service) persistAsync(org string, records []Record) {
	if s.snapshots == nil || len(records) == 0 {
		return
	}
	rows := make([]store.Row, len(records))
	for i, r := range records {
		rows[i] = store.Row{
			Position: r.Rank,
			SellerID: r.SellerID,
			Name:     r.Name,
			Team:     r.Team,
			PhotoURL: r.PhotoURL,
			Amount:   r.AmountSold,
		}
	}
	day := time.Now().Format("2006-01-02")

	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.snapshots.SaveRanking(ctx, org, day, rows); err != nil {
			slog.Warn("ranking snapshot write failed", "org", org, "error", err)
		}
	}()
}

// restore serves the last persisted ranking when a cold fetch fails.
func (s *Service) restore(ctx context.Context, org string) []Record {
	if s.snapshots == nil {
		return nil
	}
	rows, err := s.snapshots.LastRanking(ctx, org)
	if err != nil {
		slog.Warn("ranking snapshot read failed", "org", org, "error", err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	records := make([]Record, len(rows))
	for i, r := range rows {
		records[i] = Record{
			SellerID:   r.SellerID,
			Name:       r.Name,
			Team:       r.Team,
			PhotoURL:   r.PhotoURL,
			AmountSold: r.Amount,
			Rank:       r.Position,
		}
	}
	slog.Info("serving last persisted ranking", "org", org, "rows", len(records))
	return records
}
