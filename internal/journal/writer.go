package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/exchange-core/internal/database"
	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/notify"
)

// namespace seeds the name-based event ids.
var namespace = uuid.MustParse("5b0f7a52-3c1e-4b8e-9d0a-2f6e4c7d1a90")

// Config holds batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // initial outbox capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    4096,
	}
}

// Batcher sends a pgx batch. *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Stats counts writer activity.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// Writer consumes published events and writes them to exchange_events.
type Writer struct {
	cfg     Config
	db      Batcher
	input   *notify.Outbox
	metrics *metrics.Metrics
	logger  *slog.Logger

	batch   []row
	batchMu sync.Mutex
	stats   Stats

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumed chan struct{}
}

type row struct {
	EventID  uuid.UUID
	RecordID string
	Kind     string
	Type     string
	Users    []string
	Amount   int64
	At       time.Time
	Payload  []byte
}

// NewWriter creates a writer. Call Start before publishing.
func NewWriter(cfg Config, db Batcher, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:      cfg,
		db:       db,
		input:    notify.NewOutbox(cfg.BufferSize, nil),
		metrics:  m,
		logger:   logger,
		batch:    make([]row, 0, cfg.BatchSize),
		consumed: make(chan struct{}),
	}
}

// Publish queues events for the journal. It never blocks.
func (w *Writer) Publish(events ...model.Event) {
	w.input.Publish(events...)
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events, writes the final batch and stops the timer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")
	w.input.Close()

	select {
	case <-w.consumed:
	case <-ctx.Done():
		w.logger.Warn("journal writer drain timed out", "pending", w.input.Pending())
	}

	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	if err := w.flush(ctx); err != nil {
		return fmt.Errorf("final journal flush: %w", err)
	}
	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *Writer) consumeLoop() {
	defer close(w.consumed)

	for {
		ev, ok := w.input.Next()
		if !ok {
			return
		}
		w.handle(ev)
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			_ = w.flush(w.ctx)
		}
	}
}

func (w *Writer) handle(ev model.Event) {
	r, err := transform(ev)
	if err != nil {
		w.logger.Error("dropping unencodable event", "record_id", ev.RecordID, "type", ev.Type, "error", err)
		return
	}

	w.batchMu.Lock()
	w.batch = append(w.batch, r)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		ctx := w.ctx
		if ctx == nil || ctx.Err() != nil {
			// Draining during Stop; the final flush picks the batch up.
			return
		}
		_ = w.flush(ctx)
	}
}

// flush writes the current batch. A failed batch is counted and dropped.
func (w *Writer) flush(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("journal batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		w.metrics.JournalRows("error", len(batch))
		return err
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()
	w.metrics.JournalRows("inserted", len(batch)-conflicts)
	w.metrics.JournalRows("conflict", conflicts)

	w.logger.Debug("flushed journal",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO exchange_events (event_id, record_id, kind, type, users, amount, at, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING
		`, r.EventID, r.RecordID, r.Kind, r.Type, r.Users, r.Amount, r.At, r.Payload)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

// transform encodes an event into a row keyed by a name-based UUID of its
// JSON form.
func transform(ev model.Event) (row, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return row{}, err
	}
	users := ev.Users
	if users == nil {
		users = []string{}
	}
	return row{
		EventID:  uuid.NewSHA1(namespace, payload),
		RecordID: ev.RecordID,
		Kind:     string(ev.Kind),
		Type:     string(ev.Type),
		Users:    users,
		Amount:   ev.Amount,
		At:       ev.At,
		Payload:  payload,
	}, nil
}

// History returns a record's journaled events in order.
func History(ctx context.Context, q database.Querier, recordID string) ([]model.Event, error) {
	rows, err := q.Query(ctx, `
		SELECT payload FROM exchange_events
		WHERE record_id = $1
		ORDER BY at, event_id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		var ev model.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode journal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
