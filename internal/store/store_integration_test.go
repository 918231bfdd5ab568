package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mohammad-safakhou/djen/internal/store"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("resolve caller")
	}
	return "file://" + filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func TestStoreAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("djen"),
		tcPostgres.WithUsername("djen"),
		tcPostgres.WithPassword("djen"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://djen:djen@%s:%s/djen?sslmode=disable", host, port.Port())

	if err := store.Migrate(migrationsDir(t), dsn, "up", 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	// A second up is a no-op.
	if err := store.Migrate(migrationsDir(t), dsn, "up", 0); err != nil {
		t.Fatalf("migrate up again: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	pub := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	first := &store.Notice{ExternalID: "101", Court: "TJRS", Body: "Intime-se.", ContentHash: "h1", PublicationDate: &pub,
		RawPayload: []byte(`{"id":101}`), Metadata: map[string]any{"link": "https://example.com"}}
	inserted, err := st.InsertNoticeIfAbsent(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	sameID := &store.Notice{ExternalID: "101", Court: "TJRS", Body: "changed", ContentHash: "h2"}
	if inserted, err := st.InsertNoticeIfAbsent(ctx, sameID); err != nil || inserted {
		t.Fatalf("same external id: inserted=%v err=%v", inserted, err)
	}
	sameHash := &store.Notice{ExternalID: "102", Court: "TJRS", Body: "other", ContentHash: "h1"}
	if inserted, err := st.InsertNoticeIfAbsent(ctx, sameHash); err != nil || inserted {
		t.Fatalf("same content hash: inserted=%v err=%v", inserted, err)
	}
	noHash := &store.Notice{ExternalID: "103", Court: "TRF4", Body: "no hash"}
	if inserted, err := st.InsertNoticeIfAbsent(ctx, noHash); err != nil || !inserted {
		t.Fatalf("no hash insert: inserted=%v err=%v", inserted, err)
	}

	found, err := st.FindNotice(ctx, "101", "h2")
	if err != nil || found == nil {
		t.Fatalf("FindNotice: %v %v", found, err)
	}
	if found.Body != "Intime-se." || found.ContentHash != "h1" {
		t.Fatalf("stored notice was modified: %+v", found)
	}

	list, err := st.QueryNotices(ctx, store.NoticeFilter{Court: "TJRS"})
	if err != nil {
		t.Fatalf("QueryNotices: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one TJRS notice, got %d", len(list))
	}

	if err := st.InsertRunLog(ctx, &store.RunLog{Trigger: store.TriggerManual, TotalFound: 4, TotalNew: 2, TotalDuplicate: 2,
		Status: store.RunStatusSuccess, SearchParameters: map[string]any{"subject": "x"}}); err != nil {
		t.Fatalf("InsertRunLog: %v", err)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalNotices != 2 || stats.DistinctCourts != 2 || stats.LastRun == nil {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	courts, err := st.CourtStats(ctx)
	if err != nil || len(courts) != 2 {
		t.Fatalf("CourtStats: %v %v", courts, err)
	}

	if err := store.Migrate(migrationsDir(t), dsn, "down", 1); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
}
