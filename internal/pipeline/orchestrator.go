// Package pipeline runs one ingestion pass: fetch, normalize, dedup, and log.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/djen/config"
	"github.com/mohammad-safakhou/djen/internal/dedup"
	"github.com/mohammad-safakhou/djen/internal/djen"
	"github.com/mohammad-safakhou/djen/internal/normalize"
	"github.com/mohammad-safakhou/djen/internal/store"
)

var (
	ErrRunInProgress = errors.New("ingestion run already in progress")
	ErrInvalidWindow = errors.New("invalid date window")
)

// State is the orchestrator lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Request starts a run. DateFrom and DateTo are either both set or both nil;
// nil selects the default lookback window.
type Request struct {
	Trigger  string
	DateFrom *time.Time
	DateTo   *time.Time
}

// Upserter classifies and stores notices.
type Upserter interface {
	UpsertIfNew(ctx context.Context, n *store.Notice) (dedup.Outcome, error)
}

// RunLogs persists run logs.
type RunLogs interface {
	InsertRunLog(ctx context.Context, l *store.RunLog) error
}

// Options carry the settings a run needs.
type Options struct {
	Subject  config.SubjectConfig
	Upstream config.UpstreamConfig
	Pipeline config.PipelineConfig
	Location *time.Location
	Now      func() time.Time
}

const (
	// maxErrorDetails caps the error_details text stored on a run log.
	maxErrorDetails    = 4000
	runLogWriteTimeout = 10 * time.Second
)

// Orchestrator owns the single-run guard and drives the ingestion steps.
type Orchestrator struct {
	source  djen.Source
	notices Upserter
	logs    RunLogs
	builder normalize.Builder
	opts    Options
	locker  Locker
	metrics *Metrics
	log     *slog.Logger

	mu      sync.Mutex
	state   State
	lastRun *store.RunLog
	// done is non-nil while a run holds the guard and is closed when it ends.
	done chan struct{}
}

func New(source djen.Source, notices Upserter, logs RunLogs, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Upstream = opts.Upstream.Normalize()
	opts.Pipeline = opts.Pipeline.Normalize()
	return &Orchestrator{
		source:  source,
		notices: notices,
		logs:    logs,
		builder: normalize.Builder{Subject: opts.Subject.Name, MinBodyChars: opts.Pipeline.MinBodyChars},
		opts:    opts,
		log:     logger.With("component", "pipeline"),
	}
}

// WithLocker adds a cross-process lock taken after the in-process guard.
func (o *Orchestrator) WithLocker(l Locker) *Orchestrator {
	o.locker = l
	return o
}

func (o *Orchestrator) WithMetrics(m *Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastRun returns the most recent run log written by this process.
func (o *Orchestrator) LastRun() *store.RunLog {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastRun == nil {
		return nil
	}
	cp := *o.lastRun
	return &cp
}

// Window is the resolved publication date range of a run.
type Window struct {
	From time.Time
	To   time.Time
}

// ResolveWindow validates the request dates or derives the default window
// ending today in the configured location.
func (o *Orchestrator) ResolveWindow(req Request) (Window, error) {
	switch {
	case req.DateFrom != nil && req.DateTo != nil:
		from, to := *req.DateFrom, *req.DateTo
		if calendarDay(from).After(calendarDay(to)) {
			return Window{}, fmt.Errorf("%w: date_from %s after date_to %s", ErrInvalidWindow, djen.FormatDate(from), djen.FormatDate(to))
		}
		return Window{From: from, To: to}, nil
	case req.DateFrom != nil || req.DateTo != nil:
		return Window{}, fmt.Errorf("%w: date_from and date_to must be given together", ErrInvalidWindow)
	}
	today := o.opts.Now().In(o.opts.Location)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, o.opts.Location)
	return Window{From: today.AddDate(0, 0, -o.opts.Pipeline.LookbackDays), To: today}, nil
}

// Run executes one ingestion pass and returns its run log. A second call while
// a run is executing returns ErrRunInProgress and writes nothing.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*store.RunLog, error) {
	if req.Trigger == "" {
		req.Trigger = store.TriggerManual
	}
	win, err := o.ResolveWindow(req)
	if err != nil {
		return nil, err
	}

	release, err := o.acquire(ctx)
	if err != nil {
		o.metrics.rejected()
		return nil, err
	}
	defer o.finish()
	defer release()

	o.metrics.runStarted()
	start := time.Now()
	rl := o.execute(ctx, req, win)
	rl.ExecutionSeconds = time.Since(start).Seconds()
	o.metrics.runFinished(rl.Status, rl.ExecutionSeconds)

	final := StateCompleted
	if rl.Status == store.RunStatusError {
		final = StateFailed
	}
	// The run log is written even when ctx expired during the run.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runLogWriteTimeout)
	writeErr := o.logs.InsertRunLog(writeCtx, rl)
	cancel()
	if writeErr != nil {
		o.log.Error("run log write failed", "trigger", req.Trigger, "status", rl.Status, "error", writeErr)
	}

	o.mu.Lock()
	o.state = final
	o.lastRun = rl
	o.mu.Unlock()

	o.log.Info("run finished",
		"run_id", rl.ID, "trigger", rl.Trigger, "status", rl.Status,
		"found", rl.TotalFound, "new", rl.TotalNew, "duplicate", rl.TotalDuplicate, "errors", rl.TotalErrors,
		"seconds", rl.ExecutionSeconds)

	if writeErr != nil {
		return rl, fmt.Errorf("write run log: %w", writeErr)
	}
	return rl, nil
}

func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		return nil, ErrRunInProgress
	}
	prev := o.state
	o.state = StateRunning
	o.done = make(chan struct{})
	o.mu.Unlock()

	restore := func() {
		o.mu.Lock()
		o.state = prev
		o.mu.Unlock()
		o.finish()
	}

	if o.locker == nil {
		return func() {}, nil
	}
	unlock, ok, err := o.locker.TryLock(ctx)
	if err != nil {
		restore()
		return nil, fmt.Errorf("%w: %v", ErrRunInProgress, err)
	}
	if !ok {
		restore()
		return nil, ErrRunInProgress
	}
	return unlock, nil
}

// finish wakes Wait callers once the guard is released.
func (o *Orchestrator) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != nil {
		close(o.done)
		o.done = nil
	}
}

// Wait blocks until no run is executing or ctx is done. Shutdown calls it
// before closing the store so the in-flight run log is written.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		o.mu.Lock()
		done := o.done
		o.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, req Request, win Window) *store.RunLog {
	rl := &store.RunLog{
		ID:               uuid.NewString(),
		Trigger:          req.Trigger,
		RunTimestamp:     o.opts.Now().UTC(),
		SearchParameters: o.searchParameters(req, win),
	}

	items, snap, err := o.fetchAll(ctx, win)
	if err != nil {
		o.log.Error("upstream fetch failed", "error", err)
		rl.Status = store.RunStatusError
		rl.ErrorDetails = truncate(err.Error(), maxErrorDetails)
		rl.ResponseSnapshot = snap.render(o.opts.Pipeline.SnapshotItems, o.opts.Pipeline.SnapshotMaxBytes)
		return rl
	}
	rl.ResponseSnapshot = snap.render(o.opts.Pipeline.SnapshotItems, o.opts.Pipeline.SnapshotMaxBytes)
	rl.TotalFound = len(items)

	var details []string
	for _, it := range items {
		n, err := o.builder.Build(it)
		if err != nil {
			rl.TotalErrors++
			details = append(details, err.Error())
			o.metrics.notice("error")
			o.log.Warn("notice normalization failed", "external_id", string(it.ID), "error", err)
			continue
		}
		outcome, err := o.notices.UpsertIfNew(ctx, &n)
		if err != nil {
			rl.TotalErrors++
			details = append(details, fmt.Sprintf("store %s: %v", n.ExternalID, err))
			o.metrics.notice("error")
			o.log.Warn("notice store failed", "external_id", n.ExternalID, "error", err)
			continue
		}
		switch outcome {
		case dedup.Inserted:
			rl.TotalNew++
		case dedup.Duplicate:
			rl.TotalDuplicate++
		}
		o.metrics.notice(outcome.String())
	}

	rl.Status = store.RunStatusSuccess
	if rl.TotalErrors > 0 {
		rl.Status = store.RunStatusPartial
		rl.ErrorDetails = truncate(strings.Join(details, "; "), maxErrorDetails)
	}
	return rl
}

// fetchAll runs the name query and one query per bar registration, paging up
// to MaxPages each, and merges items in order dropping repeated ids.
func (o *Orchestrator) fetchAll(ctx context.Context, win Window) ([]djen.Item, *snapshot, error) {
	snap := &snapshot{}
	queries := o.queries(win)
	seen := make(map[djen.ID]struct{})
	var merged []djen.Item

	for _, q := range queries {
		received := 0
		for page := 1; page <= o.opts.Upstream.MaxPages; page++ {
			q.Page = page
			resp, err := o.source.Fetch(ctx, q)
			if err != nil {
				return nil, snap, err
			}
			snap.add(resp)
			received += len(resp.Items)
			for _, it := range resp.Items {
				if it.ID != "" {
					if _, dup := seen[it.ID]; dup {
						continue
					}
					seen[it.ID] = struct{}{}
				}
				merged = append(merged, it)
			}
			if len(resp.Items) == 0 || received >= resp.Count {
				break
			}
			if page == o.opts.Upstream.MaxPages {
				o.log.Warn("upstream has more items than fetched",
					"query", describe(q), "count", resp.Count, "received", received, "max_pages", o.opts.Upstream.MaxPages)
			}
		}
	}
	return merged, snap, nil
}

func (o *Orchestrator) queries(win Window) []djen.Query {
	base := djen.Query{
		DateFrom: win.From,
		DateTo:   win.To,
		PageSize: o.opts.Upstream.PageSize,
		Channel:  o.opts.Upstream.Channel,
	}
	var out []djen.Query
	if name := strings.TrimSpace(o.opts.Subject.Name); name != "" {
		q := base
		q.SubjectName = name
		out = append(out, q)
	}
	for _, r := range o.opts.Subject.OABRegistrations {
		q := base
		q.OABNumber, q.OABState = r.Number, r.State
		out = append(out, q)
	}
	return out
}

func (o *Orchestrator) searchParameters(req Request, win Window) map[string]any {
	regs := make([]string, 0, len(o.opts.Subject.OABRegistrations))
	for _, r := range o.opts.Subject.OABRegistrations {
		regs = append(regs, r.Number+"/"+r.State)
	}
	return map[string]any{
		"trigger":           req.Trigger,
		"subject":           o.opts.Subject.Name,
		"oab_registrations": regs,
		"date_from":         djen.FormatDate(win.From),
		"date_to":           djen.FormatDate(win.To),
		"page_size":         o.opts.Upstream.PageSize,
		"max_pages":         o.opts.Upstream.MaxPages,
		"channel":           o.opts.Upstream.Channel,
	}
}

// snapshot accumulates a bounded audit view of upstream responses.
type snapshot struct {
	responses int
	status    string
	message   string
	count     int
	ids       []string
}

func (s *snapshot) add(r *djen.Response) {
	s.responses++
	s.status = r.Status
	if r.Message != "" {
		s.message = r.Message
	}
	s.count += r.Count
	for _, it := range r.Items {
		s.ids = append(s.ids, string(it.ID))
	}
}

// render keeps at most maxItems ids and shrinks the id list until the JSON
// encoding fits maxBytes.
func (s *snapshot) render(maxItems, maxBytes int) map[string]any {
	ids := s.ids
	if maxItems > 0 && len(ids) > maxItems {
		ids = ids[:maxItems]
	}
	build := func(ids []string) map[string]any {
		m := map[string]any{
			"responses": s.responses,
			"count":     s.count,
			"items":     len(s.ids),
			"item_ids":  ids,
			"truncated": len(ids) < len(s.ids),
		}
		if s.status != "" {
			m["status"] = s.status
		}
		if s.message != "" {
			m["message"] = truncate(s.message, 500)
		}
		return m
	}
	m := build(ids)
	for maxBytes > 0 && len(ids) > 0 {
		b, err := json.Marshal(m)
		if err != nil || len(b) <= maxBytes {
			break
		}
		ids = ids[:len(ids)/2]
		m = build(ids)
	}
	return m
}

func describe(q djen.Query) string {
	if q.ByOAB() {
		return "oab " + q.OABNumber + "/" + q.OABState
	}
	return "name " + q.SubjectName
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
