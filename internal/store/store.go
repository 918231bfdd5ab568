package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// Notice processing statuses.
const (
	NoticeStatusExtracted = "extracted"
)

// Run execution statuses.
const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusError   = "error"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// pgUniqueViolation is the Postgres SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Notice is one persisted gazette communication. Rows are append-only.
type Notice struct {
	ID                int64           `json:"id"`
	ExternalID        string          `json:"external_id"`
	ProcessNumber     string          `json:"process_number"`
	Court             string          `json:"court"`
	JudgingBody       string          `json:"judging_body"`
	CommunicationType string          `json:"communication_type"`
	DocumentType      string          `json:"document_type"`
	PublicationDate   *time.Time      `json:"publication_date,omitempty"`
	ExtractedAt       time.Time       `json:"extraction_timestamp"`
	Body              string          `json:"body_text"`
	ContentHash       string          `json:"content_hash,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Status            string          `json:"processing_status"`
}

// RunLog records the outcome of one accepted ingestion run. Rows are never updated.
type RunLog struct {
	ID               string         `json:"id"`
	Trigger          string         `json:"trigger"`
	RunTimestamp     time.Time      `json:"run_timestamp"`
	TotalFound       int            `json:"total_found"`
	TotalNew         int            `json:"total_new"`
	TotalDuplicate   int            `json:"total_duplicate"`
	TotalErrors      int            `json:"total_errors"`
	Status           string         `json:"execution_status"`
	ErrorDetails     string         `json:"error_details,omitempty"`
	ExecutionSeconds float64        `json:"execution_seconds"`
	SearchParameters map[string]any `json:"search_parameters,omitempty"`
	ResponseSnapshot map[string]any `json:"api_response_snapshot,omitempty"`
}

// NoticeFilter narrows QueryNotices. Zero values disable a condition.
type NoticeFilter struct {
	DateFrom *time.Time
	DateTo   *time.Time
	Court    string
	Limit    int
}

const (
	DefaultNoticeLimit = 100
	MaxNoticeLimit     = 1000
)

// NoticeLimit maps a requested page size to the one QueryNotices applies.
func NoticeLimit(n int) int {
	if n <= 0 || n > MaxNoticeLimit {
		return DefaultNoticeLimit
	}
	return n
}

// Stats summarizes stored notices and the latest run.
type Stats struct {
	TotalNotices   int64   `json:"total_notices"`
	DistinctCourts int64   `json:"distinct_courts"`
	LastRun        *RunLog `json:"last_run,omitempty"`
}

// CourtCount is the number of stored notices for one court.
type CourtCount struct {
	Court string `json:"court"`
	Total int64  `json:"total"`
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}

const noticeColumns = `id, external_id, process_number, court, judging_body, communication_type, document_type,
       publication_date, extraction_timestamp, body_text, COALESCE(content_hash,''), raw_payload, metadata, processing_status`

// InsertNoticeIfAbsent inserts n unless a row with the same external id or
// content hash exists. It reports whether a row was written and, when it was,
// fills n.ID and n.ExtractedAt.
func (s *Store) InsertNoticeIfAbsent(ctx context.Context, n *Notice) (bool, error) {
	if n == nil {
		return false, fmt.Errorf("notice required")
	}
	if strings.TrimSpace(n.ExternalID) == "" {
		return false, fmt.Errorf("external_id required")
	}
	if strings.TrimSpace(n.Body) == "" {
		return false, fmt.Errorf("body_text required")
	}
	status := n.Status
	if status == "" {
		status = NoticeStatusExtracted
	}
	metadata, err := json.Marshal(defaultMap(n.Metadata))
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	raw := []byte(n.RawPayload)
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}

	row := s.DB.QueryRowContext(ctx, `
INSERT INTO notices (external_id, process_number, court, judging_body, communication_type, document_type,
                     publication_date, extraction_timestamp, body_text, content_hash, raw_payload, metadata, processing_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),$8,$9,$10,$11,$12)
ON CONFLICT DO NOTHING
RETURNING id, extraction_timestamp
`, n.ExternalID, n.ProcessNumber, n.Court, n.JudgingBody, n.CommunicationType, n.DocumentType,
		nullableDate(n.PublicationDate), n.Body, nullableString(n.ContentHash), raw, metadata, status)

	var id int64
	var extractedAt time.Time
	if err := row.Scan(&id, &extractedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	n.ID = id
	n.ExtractedAt = extractedAt
	n.Status = status
	return true, nil
}

// FindNotice returns the stored notice matching externalID, or failing that
// contentHash. It returns nil when neither matches.
func (s *Store) FindNotice(ctx context.Context, externalID, contentHash string) (*Notice, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+noticeColumns+`
FROM notices
WHERE external_id = $1 OR ($2 <> '' AND content_hash = $2)
ORDER BY (external_id = $1) DESC
LIMIT 1
`, externalID, contentHash)
	n, err := scanNotice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// QueryNotices lists notices newest first.
func (s *Store) QueryNotices(ctx context.Context, f NoticeFilter) ([]Notice, error) {
	var (
		conds []string
		args  []any
	)
	if f.DateFrom != nil {
		args = append(args, dateOnly(*f.DateFrom))
		conds = append(conds, fmt.Sprintf("publication_date >= $%d", len(args)))
	}
	if f.DateTo != nil {
		args = append(args, dateOnly(*f.DateTo))
		conds = append(conds, fmt.Sprintf("publication_date <= $%d", len(args)))
	}
	if c := strings.TrimSpace(f.Court); c != "" {
		args = append(args, c)
		conds = append(conds, fmt.Sprintf("court = $%d", len(args)))
	}
	args = append(args, NoticeLimit(f.Limit))

	q := "SELECT " + noticeColumns + "\nFROM notices\n"
	if len(conds) > 0 {
		q += "WHERE " + strings.Join(conds, " AND ") + "\n"
	}
	q += fmt.Sprintf("ORDER BY extraction_timestamp DESC, id DESC\nLIMIT $%d", len(args))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertRunLog persists a run log, assigning an id when empty.
func (s *Store) InsertRunLog(ctx context.Context, l *RunLog) error {
	if l == nil {
		return fmt.Errorf("run log required")
	}
	switch l.Status {
	case RunStatusSuccess, RunStatusPartial, RunStatusError:
	default:
		return fmt.Errorf("invalid execution status %q", l.Status)
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.RunTimestamp.IsZero() {
		l.RunTimestamp = time.Now().UTC()
	}
	params, err := json.Marshal(defaultMap(l.SearchParameters))
	if err != nil {
		return fmt.Errorf("marshal search parameters: %w", err)
	}
	snapshot, err := json.Marshal(defaultMap(l.ResponseSnapshot))
	if err != nil {
		return fmt.Errorf("marshal response snapshot: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO run_logs (id, trigger, run_timestamp, total_found, total_new, total_duplicate, total_errors,
                      execution_status, error_details, execution_seconds, search_parameters, api_response_snapshot)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, l.ID, l.Trigger, l.RunTimestamp, l.TotalFound, l.TotalNew, l.TotalDuplicate, l.TotalErrors,
		l.Status, nullableString(l.ErrorDetails), l.ExecutionSeconds, params, snapshot)
	return err
}

const runLogColumns = `id::text, trigger, run_timestamp, total_found, total_new, total_duplicate, total_errors,
       execution_status, COALESCE(error_details,''), execution_seconds, search_parameters, api_response_snapshot`

// ListRunLogs returns the most recent run logs first.
func (s *Store) ListRunLogs(ctx context.Context, limit int) ([]RunLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+runLogColumns+`
FROM run_logs
ORDER BY run_timestamp DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunLog
	for rows.Next() {
		l, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Stats returns notice totals and the latest run log.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT court) FROM notices`).Scan(&st.TotalNotices, &st.DistinctCourts); err != nil {
		return Stats{}, err
	}
	logs, err := s.ListRunLogs(ctx, 1)
	if err != nil {
		return Stats{}, err
	}
	if len(logs) > 0 {
		st.LastRun = &logs[0]
	}
	return st, nil
}

// CourtStats counts notices per court, largest first.
func (s *Store) CourtStats(ctx context.Context) ([]CourtCount, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT COALESCE(NULLIF(court,''),'N/A') AS court, COUNT(*) AS total
FROM notices
GROUP BY 1
ORDER BY total DESC, court ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CourtCount
	for rows.Next() {
		var c CourtCount
		if err := rows.Scan(&c.Court, &c.Total); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotice(row scanner) (Notice, error) {
	var (
		n        Notice
		pub      sql.NullTime
		raw      []byte
		metadata []byte
	)
	if err := row.Scan(&n.ID, &n.ExternalID, &n.ProcessNumber, &n.Court, &n.JudgingBody, &n.CommunicationType, &n.DocumentType,
		&pub, &n.ExtractedAt, &n.Body, &n.ContentHash, &raw, &metadata, &n.Status); err != nil {
		return Notice{}, err
	}
	if pub.Valid {
		d := pub.Time
		n.PublicationDate = &d
	}
	if len(raw) > 0 {
		n.RawPayload = json.RawMessage(raw)
	}
	if len(metadata) > 0 {
		var m map[string]any
		if err := json.Unmarshal(metadata, &m); err != nil {
			return Notice{}, fmt.Errorf("decode metadata for %s: %w", n.ExternalID, err)
		}
		n.Metadata = m
	}
	return n, nil
}

func scanRunLog(row scanner) (RunLog, error) {
	var (
		l        RunLog
		params   []byte
		snapshot []byte
	)
	if err := row.Scan(&l.ID, &l.Trigger, &l.RunTimestamp, &l.TotalFound, &l.TotalNew, &l.TotalDuplicate, &l.TotalErrors,
		&l.Status, &l.ErrorDetails, &l.ExecutionSeconds, &params, &snapshot); err != nil {
		return RunLog{}, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &l.SearchParameters)
	}
	if len(snapshot) > 0 {
		_ = json.Unmarshal(snapshot, &l.ResponseSnapshot)
	}
	return l, nil
}

func defaultMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableDate(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return dateOnly(*t)
}

func dateOnly(t time.Time) string {
	return t.Format(time.DateOnly)
}
