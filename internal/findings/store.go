package findings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of finding rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending findings even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed sink for pkg/pageverify findings.
//
// Insertion is batched: callers enqueue individual Finding values via
// BatchInsert, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the
// background ticker fires, whichever comes first.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Finding
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// Open connects to connStr with exponential-backoff retries (the dashboard
// database may still be starting up when the engine does), then starts the
// background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func Open(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration, logger *slog.Logger) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := connectWithBackoff(ctx, connStr, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Finding, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// connectWithBackoff retries pgxpool.New + Ping with exponential backoff
// until ctx is cancelled or a connection succeeds. Adapted from the
// teacher's GRPCTransport.connectLoop reconnection shape, applied here to
// a one-shot initial connect rather than a persistent stream.
func connectWithBackoff(ctx context.Context, connStr string, logger *slog.Logger) (*pgxpool.Pool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("findings: connect: %w", ctx.Err())
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("findings: connect: %w", err)
		}
		if logger != nil {
			logger.Warn("findings: database unreachable, retrying",
				slog.Any("error", err), slog.Duration("after", wait))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("findings: connect: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Close stops the background flush goroutine, flushes any remaining
// buffered findings, and closes the connection pool. Safe to call more
// than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsert enqueues f for deferred batch insertion. If the internal
// buffer reaches batchSize after appending, Flush is called synchronously
// so the caller (the page-verification worker pool) observes
// back-pressure rather than unbounded memory growth.
func (s *Store) BatchInsert(ctx context.Context, f Finding) error {
	s.mu.Lock()
	s.batch = append(s.batch, f)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored (idempotent re-verification support).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Finding, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO findings
			(finding_id, dump_id, kind, module, page_class, page_addr, byte_offset, old_byte, new_byte, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		f := &toInsert[i]
		detail := []byte(f.Detail)
		if detail == nil {
			detail = []byte("null")
		}
		b.Queue(query,
			f.FindingID, f.DumpID, string(f.Kind), f.Module, string(f.PageClass),
			int64(f.PageAddr), int64(f.Offset), int16(f.OldByte), int16(f.NewByte),
			detail, f.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec finding: %w", err)
		}
	}
	return nil
}

// QueryFindings returns paginated findings for q.DumpID, optionally
// restricted to q.Kind, with created_at in [q.From, q.To) when q.To is
// non-zero. Results are ordered by created_at DESC, finding_id ASC.
func (s *Store) QueryFindings(ctx context.Context, q FindingQuery) ([]Finding, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.DumpID, q.From}
	where := "WHERE dump_id = $1 AND created_at >= $2"
	argIdx := 3

	if !q.To.IsZero() {
		where += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, q.To)
		argIdx++
	}
	if q.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, string(q.Kind))
		argIdx++
	}

	args = append(args, q.Limit, q.Offset)
	sql := fmt.Sprintf(`
		SELECT finding_id, dump_id, kind, module, page_class, page_addr,
		       byte_offset, old_byte, new_byte, detail, created_at
		FROM   findings
		%s
		ORDER  BY created_at DESC, finding_id
		LIMIT  $%d OFFSET $%d`, where, argIdx, argIdx+1)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFinding(s scanner) (Finding, error) {
	var (
		f                Finding
		kind, pageClass  string
		pageAddr, offset int64
		oldByte, newByte int16
		detail           []byte
	)
	err := s.Scan(&f.FindingID, &f.DumpID, &kind, &f.Module, &pageClass,
		&pageAddr, &offset, &oldByte, &newByte, &detail, &f.CreatedAt)
	if err != nil {
		return Finding{}, err
	}
	f.Kind = Kind(kind)
	f.PageClass = PageClass(pageClass)
	f.PageAddr = uint64(pageAddr)
	f.Offset = uint64(offset)
	f.OldByte = byte(oldByte)
	f.NewByte = byte(newByte)
	f.Detail = detail
	return f, nil
}
