package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
)

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS oramcp_audit_log (
	id        String,
	ts        DateTime64(9, 'UTC'),
	user_name String,
	operation String,
	success   UInt8,
	entry     String
) ENGINE = MergeTree
ORDER BY (ts, user_name)
`

const (
	chBufferSize    = 10_000
	chFlushInterval = 200 * time.Millisecond
	chFlushBatch    = 1000
	chDrainTimeout  = 2 * time.Second
)

// ErrBufferFull is returned by ClickHouseStore.Append when the write buffer
// is saturated.
var ErrBufferFull = errors.New("audit: clickhouse buffer full")

// ErrStoreClosed is returned by Append after Close.
var ErrStoreClosed = errors.New("audit: clickhouse store closed")

type chRow struct {
	entry Entry
	raw   string
}

// ClickHouseStore batches entries into ClickHouse for high-volume
// deployments. Appends are buffered and flushed in the background, so Read
// (and the reports built on it) lags Append by up to chFlushInterval.
type ClickHouseStore struct {
	conn    driver.Conn
	buffer  chan chRow
	done    chan struct{}
	flushed chan struct{}
	logger  zerolog.Logger

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewClickHouseStore connects using dsn, creates the table if needed and
// starts the flush loop.
func NewClickHouseStore(ctx context.Context, dsn string, logger zerolog.Logger) (*ClickHouseStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: migrate clickhouse: %w", err)
	}
	return newClickHouseStore(conn, logger), nil
}

func newClickHouseStore(conn driver.Conn, logger zerolog.Logger) *ClickHouseStore {
	s := &ClickHouseStore{
		conn:    conn,
		buffer:  make(chan chRow, chBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go s.flushLoop()
	return s
}

// Append queues e without blocking.
func (s *ClickHouseStore) Append(_ context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	select {
	case s.buffer <- chRow{entry: e, raw: string(raw)}:
		return nil
	default:
		return ErrBufferFull
	}
}

func (s *ClickHouseStore) Read(ctx context.Context, start, end time.Time) ([]Entry, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT entry FROM oramcp_audit_log WHERE ts >= ? AND ts <= ? ORDER BY ts`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("audit: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close drains the buffer, flushes it and closes the connection. Later calls
// return the first call's result.
func (s *ClickHouseStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		<-s.flushed
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *ClickHouseStore) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	batch := make([]chRow, 0, chFlushBatch)
	for {
		select {
		case r := <-s.buffer:
			batch = append(batch, r)
			if len(batch) >= chFlushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			deadline := time.After(chDrainTimeout)
		drain:
			for {
				select {
				case r := <-s.buffer:
					batch = append(batch, r)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseStore) flush(rows []chRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO oramcp_audit_log (id, ts, user_name, operation, success, entry)`)
	if err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(rows)).Msg("clickhouse prepare batch failed")
		return
	}
	for _, r := range rows {
		var success uint8
		if r.entry.Success {
			success = 1
		}
		if err := batch.Append(r.entry.ID, r.entry.Timestamp.UTC(), r.entry.User, r.entry.Operation, success, r.raw); err != nil {
			s.logger.Error().Err(err).Str("audit_id", r.entry.ID).Msg("clickhouse append entry failed")
		}
	}
	if err := batch.Send(); err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(rows)).Msg("clickhouse batch send failed")
	}
}
