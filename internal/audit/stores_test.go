package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rickchristie/govner/pgflock/client"
)

const (
	pgflockLockerPort = 9776
	pgflockPassword   = "pgflock"
)

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store, settle func()) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := Entry{
				ID:        fmt.Sprintf("e-%02d", i),
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				User:      "alice",
				Operation: "SELECT",
				Success:   i%2 == 0,
			}
			if err := s.Append(ctx, e); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if settle != nil {
		settle()
	}

	all, err := s.Read(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Fatalf("entries not ordered by timestamp at %d", i)
		}
	}

	// Both bounds are inclusive.
	part, err := s.Read(ctx, base.Add(5*time.Minute), base.Add(9*time.Minute))
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(part) != 5 {
		t.Fatalf("expected 5 entries in [5m, 9m], got %d", len(part))
	}
	if part[0].ID != "e-05" || part[4].ID != "e-09" {
		t.Fatalf("unexpected range bounds %s..%s", part[0].ID, part[4].ID)
	}
}

func TestFileStore_Contract(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "audit.log"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s, nil)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(context.Background(), Entry{ID: "late"}); err == nil {
		t.Fatalf("expected append after close to fail")
	}
}

func TestSQLiteStore_Contract(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "db", "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s, nil)
}

func TestSQLiteStore_WithLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	l := New(s, testLogger())
	defer l.Close()
	for i := 0; i < 5; i++ {
		l.Record(ctx, Entry{User: "mallory", Operation: "DELETE"})
	}
	findings, err := l.DetectSuspicious(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].Count != 5 {
		t.Fatalf("unexpected findings %+v", findings)
	}
}

func TestPostgresStore_Contract(t *testing.T) {
	connStr, err := client.Lock(pgflockLockerPort, t.Name(), pgflockPassword)
	if err != nil {
		t.Skipf("pgflock locker unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Unlock(pgflockLockerPort, pgflockPassword, connStr)
	})

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, connStr)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()
	if _, err := s.pool.Exec(ctx, "TRUNCATE oramcp_audit_log"); err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s, nil)
}

func TestClickHouseStore_Contract(t *testing.T) {
	dsn := os.Getenv("ORAMCP_TEST_CLICKHOUSE_DSN")
	if dsn == "" {
		t.Skip("ORAMCP_TEST_CLICKHOUSE_DSN not set")
	}
	ctx := context.Background()
	s, err := NewClickHouseStore(ctx, dsn, testLogger())
	if err != nil {
		t.Fatalf("NewClickHouseStore: %v", err)
	}
	defer s.Close()
	if err := s.conn.Exec(ctx, "TRUNCATE TABLE oramcp_audit_log"); err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s, func() { time.Sleep(3 * chFlushInterval) })
}

// closeCountingConn stands in for a ClickHouse connection that is never
// written to.
type closeCountingConn struct {
	driver.Conn
	closes atomic.Int32
}

func (c *closeCountingConn) Close() error {
	c.closes.Add(1)
	return nil
}

func TestClickHouseStore_CloseTwiceAndAppendAfterClose(t *testing.T) {
	t.Parallel()
	conn := &closeCountingConn{}
	s := newClickHouseStore(conn, testLogger())

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := conn.closes.Load(); n != 1 {
		t.Fatalf("expected the connection to close once, got %d", n)
	}

	err := s.Append(context.Background(), Entry{ID: "late", Timestamp: time.Now()})
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
