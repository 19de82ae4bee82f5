package schema

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestPickPriorityOrder(t *testing.T) {
	set := NewColumnSet("t", []string{"status_id", "ativo"})

	// "Status" does not match "status_id"; "ativo" is the first real match.
	if got := set.Pick("Status", "ativo", "situacao"); got != "ativo" {
		t.Fatalf("Pick = %q, want %q", got, "ativo")
	}
}

func TestPickCaseInsensitive(t *testing.T) {
	set := NewColumnSet("t", []string{"Nome", "EQUIPE"})

	if got := set.Pick("nome"); got != "nome" {
		t.Fatalf("Pick(nome) = %q", got)
	}
	if got := set.Pick("Equipe"); got != "equipe" {
		t.Fatalf("Pick(Equipe) = %q", got)
	}
}

func TestPickNoMatch(t *testing.T) {
	set := NewColumnSet("t", []string{"a", "b"})
	if got := set.Pick("x", "y"); got != "" {
		t.Fatalf("Pick with no match = %q, want empty", got)
	}
}

func TestValidIdent(t *testing.T) {
	for ident, want := range map[string]bool{
		"operators":        true,
		"dbo.operators":    true,
		"Op_Status2":       true,
		"bad-name":         false,
		"drop table jobs;": false,
		"":                 false,
	} {
		if got := ValidIdent(ident); got != want {
			t.Errorf("ValidIdent(%q) = %v, want %v", ident, got, want)
		}
	}
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolverProbesAndMemoizes(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`CREATE TABLE operators (ID INTEGER, Nome TEXT, Equipe TEXT)`); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(db, time.Second)
	set, err := r.Columns(context.Background(), "operators")
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	for _, col := range []string{"id", "nome", "equipe"} {
		if !set.Has(col) {
			t.Errorf("column set missing %q", col)
		}
	}

	// Memoized: the set survives the table being dropped.
	if _, err := db.Exec(`DROP TABLE operators`); err != nil {
		t.Fatal(err)
	}
	again, err := r.Columns(context.Background(), "operators")
	if err != nil {
		t.Fatalf("memoized Columns: %v", err)
	}
	if again.Len() != set.Len() {
		t.Fatalf("memoized set has %d columns, want %d", again.Len(), set.Len())
	}

	// Invalidate forces a re-probe, which now fails.
	r.Invalidate()
	if _, err := r.Columns(context.Background(), "operators"); err == nil {
		t.Fatal("expected probe of dropped table to fail after Invalidate")
	}
}

func TestResolverRejectsBadTableName(t *testing.T) {
	r := NewResolver(testDB(t), time.Second)
	if _, err := r.Columns(context.Background(), "x; DROP TABLE y"); err == nil {
		t.Fatal("expected invalid identifier error")
	}
}
