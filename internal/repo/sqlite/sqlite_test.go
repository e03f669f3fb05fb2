package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/repo"
	"github.com/hamed0406/webguard/internal/repo/repotest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "webguard.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Suite(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.Store { return newTestStore(t) })
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "webguard.db")

	s, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tgt := &domain.Target{URL: "https://example.com", MonitoringEnabled: true, CheckInterval: 60}
	if err := s.CreateTarget(ctx, tgt); err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}
	_ = s.Close()

	s, err = New(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetTarget(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("GetTarget after reopen: %v", err)
	}
	if got.URL != tgt.URL {
		t.Fatalf("url = %q", got.URL)
	}
}

func TestSQLiteStore_ForeignKeyEnforced(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendCheck(context.Background(), &domain.CheckResult{TargetID: 42, Kind: domain.CheckUptime, Status: domain.StatusSuccess})
	if err == nil {
		t.Fatal("want error for unknown target")
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b := a.Add(time.Nanosecond)
	if !(fmtTime(a) < fmtTime(b)) {
		t.Fatalf("%s !< %s", fmtTime(a), fmtTime(b))
	}
	got, err := parseTime(fmtTime(b))
	if err != nil || !got.Equal(b) {
		t.Fatalf("round trip: %v %v", got, err)
	}
}
