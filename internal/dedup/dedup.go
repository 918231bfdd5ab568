// Package dedup classifies notices as new or already stored.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mohammad-safakhou/djen/internal/store"
)

// Outcome of an UpsertIfNew call.
type Outcome int

const (
	Inserted Outcome = iota + 1
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Notices is the persistence the deduper needs.
type Notices interface {
	InsertNoticeIfAbsent(ctx context.Context, n *store.Notice) (bool, error)
	FindNotice(ctx context.Context, externalID, contentHash string) (*store.Notice, error)
}

// Deduper writes notices that are not yet stored. The external id is
// authoritative; a stored row is never overwritten.
type Deduper struct {
	notices Notices
	log     *slog.Logger
}

func New(notices Notices, logger *slog.Logger) *Deduper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{notices: notices, log: logger.With("component", "dedup")}
}

// ContentHash returns the upstream hash or, when absent, the hex SHA-256 of body.
func ContentHash(upstream, body string) string {
	if h := strings.TrimSpace(upstream); h != "" {
		return h
	}
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// UpsertIfNew inserts n when neither its external id nor its content hash is
// stored. n.ContentHash is filled in when empty.
func (d *Deduper) UpsertIfNew(ctx context.Context, n *store.Notice) (Outcome, error) {
	n.ContentHash = ContentHash(n.ContentHash, n.Body)

	inserted, err := d.notices.InsertNoticeIfAbsent(ctx, n)
	if err != nil && !store.IsUniqueViolation(err) {
		return 0, fmt.Errorf("insert notice %s: %w", n.ExternalID, err)
	}
	if err == nil && inserted {
		return Inserted, nil
	}

	d.reportConflict(ctx, n)
	return Duplicate, nil
}

func (d *Deduper) reportConflict(ctx context.Context, n *store.Notice) {
	existing, err := d.notices.FindNotice(ctx, n.ExternalID, n.ContentHash)
	if err != nil {
		d.log.Warn("lookup existing notice failed", "external_id", n.ExternalID, "error", err)
		return
	}
	if existing == nil {
		return
	}
	switch {
	case existing.ExternalID == n.ExternalID && existing.ContentHash != n.ContentHash:
		d.log.Warn("content changed for stored notice; keeping stored row",
			"external_id", n.ExternalID, "stored_hash", existing.ContentHash, "incoming_hash", n.ContentHash)
	case existing.ExternalID != n.ExternalID:
		d.log.Info("notice content already stored under another id",
			"external_id", n.ExternalID, "stored_external_id", existing.ExternalID)
	}
}
