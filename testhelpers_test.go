package oramcp_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	oramcp "github.com/rickchristie/oracle-mcp"
	"github.com/rickchristie/oracle-mcp/internal/audit"
	"github.com/rickchristie/oracle-mcp/internal/connmgr"
	"github.com/rickchristie/oracle-mcp/internal/registry"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func defaultConfig() oramcp.Config {
	return oramcp.DefaultServerConfig().Config
}

// memStore is an in-memory audit.Store.
type memStore struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memStore) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) Read(_ context.Context, start, end time.Time) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) all() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...)
}

func (s *memStore) last(t *testing.T) audit.Entry {
	t.Helper()
	all := s.all()
	if len(all) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	return all[len(all)-1]
}

// call is one statement the fake driver executed.
type call struct {
	connection string
	query      string
	args       []any
}

// fakeDriver answers every statement through respond. Liveness probes are
// answered directly and not recorded.
type fakeDriver struct {
	mu         sync.Mutex
	calls      []call
	respond    func(ctx context.Context, query string, args []any) (*connmgr.Result, error)
	connectErr error
}

func (d *fakeDriver) Connect(_ context.Context, cfg registry.ConnectionConfig, _ connmgr.Mode) (connmgr.Conn, error) {
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	return &fakeConn{d: d, name: cfg.Name}, nil
}

func (d *fakeDriver) InitThick(string) error {
	return errors.New("no native client in tests")
}

func (d *fakeDriver) executed() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call(nil), d.calls...)
}

func (d *fakeDriver) queries() []string {
	var out []string
	for _, c := range d.executed() {
		out = append(out, c.query)
	}
	return out
}

type fakeConn struct {
	d    *fakeDriver
	name string
}

func (c *fakeConn) Execute(ctx context.Context, query string, args ...any) (*connmgr.Result, error) {
	if query == connmgr.ProbeQuery {
		return &connmgr.Result{Columns: []string{"1"}, Rows: [][]any{{1}}}, nil
	}
	c.d.mu.Lock()
	c.d.calls = append(c.d.calls, call{connection: c.name, query: query, args: args})
	respond := c.d.respond
	c.d.mu.Unlock()
	if respond == nil {
		return &connmgr.Result{RowsAffected: 1}, nil
	}
	return respond(ctx, query, args)
}

func (c *fakeConn) Close() error { return nil }

// rows builds a query result.
func rows(cols []string, values ...[]any) *connmgr.Result {
	return &connmgr.Result{Columns: cols, Rows: values}
}

type testInstance struct {
	*oramcp.OracleMcp
	driver *fakeDriver
	store  *memStore
}

// newTestInstance builds an OracleMcp over two connections: "dev" (user HR,
// the default) and "reporting" (user SCOTT).
func newTestInstance(t *testing.T, config oramcp.Config, opts ...oramcp.Option) *testInstance {
	t.Helper()
	reg, err := registry.New([]registry.ConnectionConfig{
		{Name: "dev", User: "hr", Password: "hr", ConnectString: "localhost:1521/XEPDB1", Environment: "development"},
		{Name: "reporting", User: "scott", Password: "tiger", Host: "db.internal", Port: 1521, ServiceName: "ORCL"},
	}, "dev")
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	d := &fakeDriver{}
	store := &memStore{}
	p := oramcp.New(reg, d, audit.New(store, testLogger()), config, testLogger(), opts...)
	t.Cleanup(func() { p.Close(context.Background()) })
	return &testInstance{OracleMcp: p, driver: d, store: store}
}

// withCaller returns a context carrying identity.
func withCaller(identity string) context.Context {
	return oramcp.WithCaller(context.Background(), oramcp.Caller{
		Identity:  identity,
		IPAddress: "10.0.0.7",
		SessionID: "session-1",
	})
}

func expectSuccess(t *testing.T, r *oramcp.Result) {
	t.Helper()
	if !r.Success {
		t.Fatalf("expected success, got error %q (kind %s, rule %s)", r.Error, r.ErrorKind, r.Rule)
	}
}

func expectRejected(t *testing.T, r *oramcp.Result, kind, rule string) {
	t.Helper()
	if r.Success {
		t.Fatalf("expected failure with kind %s rule %s, got success", kind, rule)
	}
	if r.ErrorKind != kind {
		t.Fatalf("expected error kind %s, got %s (%s)", kind, r.ErrorKind, r.Error)
	}
	if rule != "" && r.Rule != rule {
		t.Fatalf("expected rule %s, got %s (%s)", rule, r.Rule, r.Error)
	}
}

func intPtr(n int) *int       { return &n }
func int64Ptr(n int64) *int64 { return &n }
func boolPtr(b bool) *bool    { return &b }
