package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/cache"
	"github.com/opsdeck/opsdeck/internal/ranking"
	"github.com/opsdeck/opsdeck/internal/status"
)

type fakeStatus struct {
	payload status.Payload
	cleared bool
}

func (f *fakeStatus) Current(context.Context) status.Payload { return f.payload }
func (f *fakeStatus) Cache() []cache.CellInfo {
	return []cache.CellInfo{{Cache: "status", Key: "status", Fresh: true, Records: len(f.payload.Operators)}}
}
func (f *fakeStatus) ClearCache()                    { f.cleared = true }
func (f *fakeStatus) LastError() (string, time.Time) { return "", time.Time{} }

type fakeRanking struct {
	byOrg map[string][]ranking.Record
}

func (f *fakeRanking) Top(_ context.Context, org string) []ranking.Record {
	if r, ok := f.byOrg[org]; ok {
		return r
	}
	return []ranking.Record{}
}
func (f *fakeRanking) Cache() []cache.CellInfo        { return nil }
func (f *fakeRanking) ClearCache()                    {}
func (f *fakeRanking) LastError() (string, time.Time) { return "db unreachable", time.Now() }

type fakeCompany struct{ list []string }

func (f *fakeCompany) List(context.Context) []string  { return f.list }
func (f *fakeCompany) Cache() []cache.CellInfo        { return nil }
func (f *fakeCompany) ClearCache()                    {}
func (f *fakeCompany) LastError() (string, time.Time) { return "", time.Time{} }

type fakeLatch struct{ latched bool }

func (f *fakeLatch) AuthLatched() bool { return f.latched }
func (f *fakeLatch) ResetAuth()        { f.latched = false }

func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Status == nil {
		deps.Status = &fakeStatus{payload: status.Payload{Operators: []status.OperatorRecord{}}}
	}
	if deps.Ranking == nil {
		deps.Ranking = &fakeRanking{}
	}
	if deps.Company == nil {
		deps.Company = &fakeCompany{}
	}
	return New(deps, ":0")
}

func TestStatusEndpoint(t *testing.T) {
	fs := &fakeStatus{payload: status.Payload{
		Operators: []status.OperatorRecord{{ID: "op-1", Name: "Ana", StatusDescription: "Livre"}},
		Counts:    status.Counts{Active: 10, LoggedIn: 3, InCall: 2, Free: 1, PercentLoggedIn: 30},
	}}
	srv := testServer(t, Deps{Status: fs})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got status.Payload
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Operators) != 1 || got.Counts.PercentLoggedIn != 30 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestStatusETagRoundTrip(t *testing.T) {
	srv := testServer(t, Deps{})

	first := httptest.NewRecorder()
	srv.Handler().ServeHTTP(first, httptest.NewRequest("GET", "/status", nil))
	etag := first.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag on response")
	}

	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("If-None-Match", etag)
	second := httptest.NewRecorder()
	srv.Handler().ServeHTTP(second, req)

	if second.Code != http.StatusNotModified {
		t.Fatalf("conditional request = %d, want 304", second.Code)
	}
	if second.Body.Len() != 0 {
		t.Fatal("304 must carry no body")
	}
}

func TestRankingEndpointOrgSelection(t *testing.T) {
	fr := &fakeRanking{byOrg: map[string][]ranking.Record{
		"acme":   {{SellerID: "s1", Rank: 1, AmountSold: 99}},
		"globex": {{SellerID: "g1", Rank: 1, AmountSold: 10}},
	}}
	srv := testServer(t, Deps{Ranking: fr, DefaultOrg: "acme"})

	// Default org applies when the query parameter is absent.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ranking", nil))
	var body struct {
		Org     string           `json:"org"`
		Ranking []ranking.Record `json:"ranking"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Org != "acme" || len(body.Ranking) != 1 || body.Ranking[0].SellerID != "s1" {
		t.Fatalf("default org body = %+v", body)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ranking?org=globex", nil))
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Org != "globex" || body.Ranking[0].SellerID != "g1" {
		t.Fatalf("explicit org body = %+v", body)
	}
}

func TestDegradedBackendStillReturns200(t *testing.T) {
	// All providers empty: the public endpoints must answer 200 with empty
	// payloads, never an error status.
	srv := testServer(t, Deps{})
	for _, path := range []string{"/status", "/ranking", "/companies"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, rec.Code)
		}
	}
}

func TestCompaniesEndpoint(t *testing.T) {
	srv := testServer(t, Deps{Company: &fakeCompany{list: []string{"acme", "globex"}}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/companies", nil))
	var body struct {
		Companies []string `json:"companies"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Companies) != 2 {
		t.Fatalf("companies = %v", body.Companies)
	}
}

func TestAdminGate(t *testing.T) {
	srv := testServer(t, Deps{AdminSecret: "s3cret"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/cache", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no secret = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/admin/cache", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/admin/cache", nil)
	req.Header.Set("X-Admin-Secret", "s3cret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("correct secret = %d, want 200", rec.Code)
	}
}

func TestAdminCacheInfoExposesDiagnostics(t *testing.T) {
	latch := &fakeLatch{latched: true}
	srv := testServer(t, Deps{Upstream: latch})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/cache", nil))

	var body cacheInfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.UpstreamLatch {
		t.Fatal("latch state not exposed")
	}
	if len(body.Cells) == 0 {
		t.Fatal("no cache cells exposed")
	}
	if _, ok := body.LastErrors["ranking"]; !ok {
		t.Fatalf("ranking error not surfaced: %+v", body.LastErrors)
	}
}

func TestAdminCacheClear(t *testing.T) {
	fs := &fakeStatus{payload: status.Payload{}}
	srv := testServer(t, Deps{Status: fs})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/admin/cache/clear", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cache clear = %d", rec.Code)
	}
	if !fs.cleared {
		t.Fatal("status cache not cleared")
	}
}

func TestAdminUpstreamReset(t *testing.T) {
	latch := &fakeLatch{latched: true}
	srv := testServer(t, Deps{Upstream: latch})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/admin/upstream/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("upstream reset = %d", rec.Code)
	}
	if latch.latched {
		t.Fatal("latch not cleared")
	}
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, Deps{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
