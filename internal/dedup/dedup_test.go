package dedup

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/djen/internal/store"
)

// memNotices mimics the unique indexes on external_id and content_hash.
type memNotices struct {
	mu       sync.Mutex
	rows     []store.Notice
	failWith error
}

func (m *memNotices) InsertNoticeIfAbsent(_ context.Context, n *store.Notice) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	for _, r := range m.rows {
		if r.ExternalID == n.ExternalID || (n.ContentHash != "" && r.ContentHash == n.ContentHash) {
			return false, nil
		}
	}
	n.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, *n)
	return true, nil
}

func (m *memNotices) FindNotice(_ context.Context, externalID, contentHash string) (*store.Notice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ExternalID == externalID {
			r := r
			return &r, nil
		}
	}
	for _, r := range m.rows {
		if contentHash != "" && r.ContentHash == contentHash {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func TestContentHash(t *testing.T) {
	if got := ContentHash(" abc ", "body"); got != "abc" {
		t.Fatalf("expected upstream hash, got %q", got)
	}
	// sha256("body")
	want := "230d8358dc8e8890b4c58deeb62912ee2f20357ae92a5cc861b98e68fe31acb5"
	if got := ContentHash("", "body"); got != want {
		t.Fatalf("expected sha256 of body, got %q", got)
	}
}

func TestUpsertIfNew(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	d := New(&memNotices{}, slog.New(slog.NewTextHandler(&logs, nil)))

	first := &store.Notice{ExternalID: "1", Body: "Intime-se.", ContentHash: "h1"}
	out, err := d.UpsertIfNew(ctx, first)
	if err != nil || out != Inserted {
		t.Fatalf("first: %v %v", out, err)
	}

	again := &store.Notice{ExternalID: "1", Body: "Intime-se.", ContentHash: "h1"}
	out, err = d.UpsertIfNew(ctx, again)
	if err != nil || out != Duplicate {
		t.Fatalf("same notice: %v %v", out, err)
	}

	changed := &store.Notice{ExternalID: "1", Body: "Intime-se novamente.", ContentHash: "h2"}
	out, err = d.UpsertIfNew(ctx, changed)
	if err != nil || out != Duplicate {
		t.Fatalf("changed content: %v %v", out, err)
	}
	if !strings.Contains(logs.String(), "content changed for stored notice") {
		t.Fatalf("expected conflict log, got %q", logs.String())
	}

	sameHash := &store.Notice{ExternalID: "2", Body: "x", ContentHash: "h1"}
	out, err = d.UpsertIfNew(ctx, sameHash)
	if err != nil || out != Duplicate {
		t.Fatalf("same hash other id: %v %v", out, err)
	}

	noHash := &store.Notice{ExternalID: "3", Body: "corpo"}
	out, err = d.UpsertIfNew(ctx, noHash)
	if err != nil || out != Inserted {
		t.Fatalf("no upstream hash: %v %v", out, err)
	}
	if noHash.ContentHash != ContentHash("", "corpo") {
		t.Fatalf("expected derived hash, got %q", noHash.ContentHash)
	}
}

func TestUpsertIfNewUniqueViolationIsDuplicate(t *testing.T) {
	d := New(&memNotices{failWith: &pq.Error{Code: "23505"}}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	out, err := d.UpsertIfNew(context.Background(), &store.Notice{ExternalID: "1", Body: "x"})
	if err != nil || out != Duplicate {
		t.Fatalf("expected duplicate, got %v %v", out, err)
	}
}

func TestUpsertIfNewStoreError(t *testing.T) {
	boom := errors.New("connection reset")
	d := New(&memNotices{failWith: boom}, nil)
	_, err := d.UpsertIfNew(context.Background(), &store.Notice{ExternalID: "1", Body: "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
