package company

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/schema"

	_ "modernc.org/sqlite"
)

func newTestService(t *testing.T, setup ...string) *Service {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/ops.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	for _, stmt := range setup {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	return New(db, schema.NewResolver(db, time.Second), Config{
		Table:        "collaborators",
		TTL:          time.Minute,
		QueryTimeout: 5 * time.Second,
	}, nil)
}

func TestListDistinctSorted(t *testing.T) {
	svc := newTestService(t,
		`CREATE TABLE collaborators (nome TEXT, empresa TEXT)`,
		`INSERT INTO collaborators VALUES ('a', 'globex'), ('b', 'acme'), ('c', 'acme'), ('d', '')`,
	)

	got := svc.List(context.Background())
	if len(got) != 2 || got[0] != "acme" || got[1] != "globex" {
		t.Fatalf("List = %v, want [acme globex]", got)
	}
}

func TestListMissingColumnDegradesToEmpty(t *testing.T) {
	svc := newTestService(t, `CREATE TABLE collaborators (nome TEXT)`)

	got := svc.List(context.Background())
	if len(got) != 0 {
		t.Fatalf("List = %v, want empty when no org column exists", got)
	}
	if msg, _ := svc.LastError(); msg != "" {
		t.Fatalf("missing column recorded as error: %q", msg)
	}
}

func TestListNeverNilOnFailure(t *testing.T) {
	svc := newTestService(t) // no table

	got := svc.List(context.Background())
	if got == nil {
		t.Fatal("List must return [] on failure, not nil")
	}
	if msg, _ := svc.LastError(); msg == "" {
		t.Fatal("failure not recorded for diagnostics")
	}
}
