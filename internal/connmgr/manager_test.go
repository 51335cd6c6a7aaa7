package connmgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/registry"
)

var errVerifier = errors.New("NJS-116: password verifier type 0x939 is not supported by node-oracledb in Thin mode")

type fakeConn struct {
	id       int32
	name     string
	mode     Mode
	probeErr atomic.Pointer[error]
	closed   atomic.Bool
	closeErr error
	execs    atomic.Int32
}

func (c *fakeConn) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	c.execs.Add(1)
	if c.closed.Load() {
		return nil, errors.New("connection closed")
	}
	if p := c.probeErr.Load(); p != nil {
		return nil, *p
	}
	return &Result{Columns: []string{"1"}, Rows: [][]any{{1}}}, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return c.closeErr
}

func (c *fakeConn) failProbes(err error) {
	c.probeErr.Store(&err)
}

type fakeDriver struct {
	connects atomic.Int32

	mu          sync.Mutex
	initCalls   []string
	connectFn   func(cfg registry.ConnectionConfig, mode Mode, attempt int32) error
	waitFn      func(ctx context.Context) error
	initFn      func(dir string) error
	connModes   []Mode
	closeErrFor map[string]error
}

func (d *fakeDriver) Connect(ctx context.Context, cfg registry.ConnectionConfig, mode Mode) (Conn, error) {
	attempt := d.connects.Add(1)
	d.mu.Lock()
	d.connModes = append(d.connModes, mode)
	fn := d.connectFn
	wait := d.waitFn
	closeErr := d.closeErrFor[cfg.Name]
	d.mu.Unlock()
	if wait != nil {
		if err := wait(ctx); err != nil {
			return nil, err
		}
	}
	if fn != nil {
		if err := fn(cfg, mode, attempt); err != nil {
			return nil, err
		}
	}
	return &fakeConn{id: attempt, name: cfg.Name, mode: mode, closeErr: closeErr}, nil
}

func (d *fakeDriver) InitThick(dir string) error {
	d.mu.Lock()
	d.initCalls = append(d.initCalls, dir)
	fn := d.initFn
	d.mu.Unlock()
	if fn != nil {
		return fn(dir)
	}
	return nil
}

func (d *fakeDriver) inits() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.initCalls...)
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func testRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	var conns []registry.ConnectionConfig
	for _, n := range names {
		conns = append(conns, registry.ConnectionConfig{Name: n, User: "u", Password: "p", ConnectString: "localhost/" + n})
	}
	r, err := registry.New(conns, names[0])
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return r
}

func newTestManager(t *testing.T, d *fakeDriver, candidates []string, names ...string) *Manager {
	t.Helper()
	if len(names) == 0 {
		names = []string{"X"}
	}
	if candidates == nil {
		candidates = []string{}
	}
	return New(testRegistry(t, names...), d, NewClientModeState(), Config{CandidateDirs: candidates}, testLogger())
}

func mkdirs(t *testing.T, names ...string) []string {
	t.Helper()
	root := t.TempDir()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(root, n)
		if err := os.Mkdir(out[i], 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return out
}

func TestAcquire_RoundTrip(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	m := newTestManager(t, d, nil, "X", "Y")

	for _, name := range []string{"X", "Y"} {
		conn, err := m.Acquire(context.Background(), name)
		if err != nil {
			t.Fatalf("acquire %s: %v", name, err)
		}
		res, err := conn.Execute(context.Background(), ProbeQuery)
		if err != nil {
			t.Fatalf("probe %s: %v", name, err)
		}
		if len(res.Rows) != 1 {
			t.Fatalf("expected one row from probe, got %d", len(res.Rows))
		}
	}
}

func TestAcquire_DefaultName(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	m := newTestManager(t, d, nil, "X", "Y")

	conn, err := m.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.(*fakeConn).name != "X" {
		t.Fatalf("expected default connection X, got %s", conn.(*fakeConn).name)
	}
}

func TestAcquire_ConcurrentSingleFlight(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{
		connectFn: func(registry.ConnectionConfig, Mode, int32) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}
	m := newTestManager(t, d, nil)

	const callers = 50
	var wg sync.WaitGroup
	results := make([]Conn, callers)
	errList := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errList[i] = m.Acquire(context.Background(), "X")
		}(i)
	}
	close(start)
	wg.Wait()

	if got := d.connects.Load(); got != 1 {
		t.Fatalf("expected exactly 1 connect attempt, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errList[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errList[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d received a different handle", i)
		}
	}
}

func TestAcquire_WaiterOutlivesFirstCallerDeadline(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	d := &fakeDriver{
		waitFn: func(ctx context.Context) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	m := newTestManager(t, d, nil)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(short, "X")
		firstErr <- err
	}()
	<-entered

	type outcome struct {
		conn Conn
		err  error
	}
	second := make(chan outcome, 1)
	go func() {
		conn, err := m.Acquire(context.Background(), "X")
		second <- outcome{conn, err}
	}()

	err := <-firstErr
	if !errs.IsConnection(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the short caller to give up with its own deadline, got %v", err)
	}
	close(release)

	got := <-second
	if got.err != nil {
		t.Fatalf("expected the patient caller to connect, got %v", got.err)
	}
	if n := d.connects.Load(); n != 1 {
		t.Fatalf("expected one shared connect, got %d", n)
	}
	if cached, err := m.Acquire(context.Background(), "X"); err != nil || cached != got.conn {
		t.Fatalf("expected the shared handle to be cached, got %v, %v", cached, err)
	}
}

func TestAcquire_ConnectTimeoutBoundsSharedAttempt(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{
		waitFn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	m := New(testRegistry(t, "X"), d, NewClientModeState(), Config{CandidateDirs: []string{}, ConnectTimeout: 20 * time.Millisecond}, testLogger())

	_, err := m.Acquire(context.Background(), "X")
	if !errs.IsConnection(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected connect timeout, got %v", err)
	}
}

func TestAcquire_DifferentNamesDoNotBlock(t *testing.T) {
	t.Parallel()
	bConnected := make(chan struct{})
	d := &fakeDriver{
		connectFn: func(cfg registry.ConnectionConfig, _ Mode, _ int32) error {
			if cfg.Name == "B" {
				close(bConnected)
				return nil
			}
			select {
			case <-bConnected:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("acquire for A blocked acquire for B")
			}
		},
	}
	m := newTestManager(t, d, nil, "A", "B")

	var wg sync.WaitGroup
	var errA error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errA = m.Acquire(context.Background(), "A")
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := m.Acquire(context.Background(), "B"); err != nil {
		t.Fatalf("acquire B: %v", err)
	}
	wg.Wait()
	if errA != nil {
		t.Fatalf("acquire A: %v", errA)
	}
}

func TestAcquire_CachedHandleReused(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	m := newTestManager(t, d, nil)

	first, err := m.Acquire(context.Background(), "X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.Acquire(context.Background(), "X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached handle to be reused")
	}
	if d.connects.Load() != 1 {
		t.Fatalf("expected 1 connect, got %d", d.connects.Load())
	}
	if first.(*fakeConn).execs.Load() != 1 {
		t.Fatalf("expected exactly one liveness probe, got %d", first.(*fakeConn).execs.Load())
	}
}

func TestAcquire_ProbeFailureEvictsAndReconnectsOnce(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	m := newTestManager(t, d, nil)

	first, err := m.Acquire(context.Background(), "X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.(*fakeConn).failProbes(errors.New("ORA-03113: end-of-file on communication channel"))

	second, err := m.Acquire(context.Background(), "X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second == first {
		t.Fatalf("expected a new handle after failed probe")
	}
	if !first.(*fakeConn).closed.Load() {
		t.Fatalf("expected evicted handle to be closed")
	}
	if d.connects.Load() != 2 {
		t.Fatalf("expected 2 connects, got %d", d.connects.Load())
	}
}

func TestAcquire_ProbeFailureThenConnectFailureDoesNotLoop(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	m := newTestManager(t, d, nil)

	first, err := m.Acquire(context.Background(), "X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.(*fakeConn).failProbes(errors.New("ORA-03113"))
	d.mu.Lock()
	d.connectFn = func(registry.ConnectionConfig, Mode, int32) error {
		return errors.New("ORA-12541: TNS:no listener")
	}
	d.mu.Unlock()

	_, err = m.Acquire(context.Background(), "X")
	if !errs.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if d.connects.Load() != 2 {
		t.Fatalf("expected exactly one reconnect attempt, got %d connects", d.connects.Load())
	}
	if len(m.CachedNames()) != 0 {
		t.Fatalf("expected empty cache, got %v", m.CachedNames())
	}
}

func TestAcquire_UnknownConnection(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	m := newTestManager(t, d, nil)

	_, err := m.Acquire(context.Background(), "nope")
	if !errs.IsUnknownConnection(err) {
		t.Fatalf("expected unknown connection error, got %v", err)
	}
	if d.connects.Load() != 0 {
		t.Fatalf("expected no connect attempts")
	}
}

func TestAcquire_OtherFailureSkipsNegotiation(t *testing.T) {
	t.Parallel()
	dirs := mkdirs(t, "ic")
	d := &fakeDriver{
		connectFn: func(registry.ConnectionConfig, Mode, int32) error {
			return errors.New("ORA-01017: invalid username/password; logon denied")
		},
	}
	m := newTestManager(t, d, dirs)

	_, err := m.Acquire(context.Background(), "X")
	if !errs.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Connection != "X" || e.ClientMode != "thin" {
		t.Fatalf("expected connection name and mode on error, got %+v", e)
	}
	if len(d.inits()) != 0 {
		t.Fatalf("expected no thick init attempts, got %v", d.inits())
	}
}

func TestNegotiate_StopsAtFirstSuccessAndRetriesOnce(t *testing.T) {
	t.Parallel()
	dirs := mkdirs(t, "ic21", "ic19", "ic18")
	missing := filepath.Join(t.TempDir(), "not-installed")
	d := &fakeDriver{
		connectFn: func(_ registry.ConnectionConfig, mode Mode, _ int32) error {
			if mode == ModeThin {
				return errVerifier
			}
			return nil
		},
		initFn: func(dir string) error {
			if dir == dirs[0] {
				return errors.New("DPI-1047: Cannot locate a 64-bit Oracle Client library")
			}
			return nil
		},
	}
	m := newTestManager(t, d, []string{missing, dirs[0], dirs[1], dirs[2]})

	conn, err := m.Acquire(context.Background(), "X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.(*fakeConn).mode != ModeThick {
		t.Fatalf("expected thick-mode handle")
	}
	inits := d.inits()
	if len(inits) != 2 || inits[0] != dirs[0] || inits[1] != dirs[1] {
		t.Fatalf("expected init attempts [%s %s], got %v", dirs[0], dirs[1], inits)
	}
	if d.connects.Load() != 2 {
		t.Fatalf("expected original connect plus exactly one retry, got %d", d.connects.Load())
	}
	if m.Mode().Mode() != ModeThick || m.Mode().LibDir() != dirs[1] {
		t.Fatalf("expected thick mode from %s, got %s from %q", dirs[1], m.Mode().Mode(), m.Mode().LibDir())
	}
}

func TestNegotiate_OverrideTriedFirst(t *testing.T) {
	t.Parallel()
	dirs := mkdirs(t, "override", "default")
	d := &fakeDriver{
		connectFn: func(_ registry.ConnectionConfig, mode Mode, _ int32) error {
			if mode == ModeThin {
				return errVerifier
			}
			return nil
		},
	}
	m := New(testRegistry(t, "X"), d, NewClientModeState(),
		Config{ClientLibDir: dirs[0], CandidateDirs: []string{dirs[1]}}, testLogger())

	if _, err := m.Acquire(context.Background(), "X"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inits := d.inits(); len(inits) != 1 || inits[0] != dirs[0] {
		t.Fatalf("expected override to be initialized first, got %v", inits)
	}
}

func TestNegotiate_NoClientFound(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{
		connectFn: func(registry.ConnectionConfig, Mode, int32) error { return errVerifier },
	}
	m := newTestManager(t, d, []string{filepath.Join(t.TempDir(), "absent")})

	_, err := m.Acquire(context.Background(), "X")
	if !errs.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), "no native client library found") {
		t.Fatalf("expected no-client message, got %q", err.Error())
	}
	if len(d.inits()) != 0 {
		t.Fatalf("expected no init attempts, got %v", d.inits())
	}
}

func TestNegotiate_AllCandidatesFail(t *testing.T) {
	t.Parallel()
	dirs := mkdirs(t, "a", "b")
	d := &fakeDriver{
		connectFn: func(registry.ConnectionConfig, Mode, int32) error { return errVerifier },
		initFn:    func(string) error { return errors.New("DPI-1047") },
	}
	m := newTestManager(t, d, dirs)

	_, err := m.Acquire(context.Background(), "X")
	if !errs.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), "found but initialization failed") {
		t.Fatalf("expected init-failed message, got %q", err.Error())
	}
	if len(d.inits()) != 2 {
		t.Fatalf("expected one init attempt per candidate, got %v", d.inits())
	}
	if m.Mode().Mode() != ModeThin {
		t.Fatalf("expected mode to stay thin")
	}
	if d.connects.Load() != 1 {
		t.Fatalf("expected no retry when initialization failed, got %d connects", d.connects.Load())
	}
}

func TestNegotiate_AlreadyThickIsExhausted(t *testing.T) {
	t.Parallel()
	dirs := mkdirs(t, "ic")
	d := &fakeDriver{
		connectFn: func(registry.ConnectionConfig, Mode, int32) error { return errVerifier },
	}
	m := newTestManager(t, d, dirs)
	if err := m.Mode().EnsureThick(dirs[0], func(string) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := m.Acquire(context.Background(), "X")
	if !errs.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	var e *errs.Error
	if errors.As(err, &e) && e.ClientMode != "thick" {
		t.Fatalf("expected thick mode on error, got %q", e.ClientMode)
	}
	if len(d.inits()) != 0 {
		t.Fatalf("expected no further init attempts, got %v", d.inits())
	}
}

func TestNegotiate_RetryFailureSurfaced(t *testing.T) {
	t.Parallel()
	dirs := mkdirs(t, "ic")
	d := &fakeDriver{
		connectFn: func(_ registry.ConnectionConfig, mode Mode, _ int32) error {
			if mode == ModeThin {
				return &AuthCompatibilityError{Cause: errors.New("verifier")}
			}
			return errors.New("ORA-01017: invalid username/password")
		},
	}
	m := newTestManager(t, d, dirs)

	_, err := m.Acquire(context.Background(), "X")
	if !errs.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if d.connects.Load() != 2 {
		t.Fatalf("expected exactly one retry, got %d connects", d.connects.Load())
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	m := newTestManager(t, d, nil)

	conn, err := m.Acquire(context.Background(), "X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Release("X"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !conn.(*fakeConn).closed.Load() {
		t.Fatalf("expected handle closed")
	}
	if len(m.CachedNames()) != 0 {
		t.Fatalf("expected empty cache")
	}
	if err := m.Release("X"); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
}

func TestReleaseAll_ContinuesPastFailures(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{closeErrFor: map[string]error{"B": errors.New("ORA-03135: connection lost contact")}}
	m := newTestManager(t, d, nil, "A", "B", "C")

	var conns []*fakeConn
	for _, n := range []string{"A", "B", "C"} {
		c, err := m.Acquire(context.Background(), n)
		if err != nil {
			t.Fatalf("acquire %s: %v", n, err)
		}
		conns = append(conns, c.(*fakeConn))
	}

	closed, failed := m.ReleaseAll()
	if closed != 2 || failed != 1 {
		t.Fatalf("expected 2 closed / 1 failed, got %d / %d", closed, failed)
	}
	for _, c := range conns {
		if !c.closed.Load() {
			t.Fatalf("expected %s to be closed", c.name)
		}
	}
	if len(m.CachedNames()) != 0 {
		t.Fatalf("expected empty cache, got %v", m.CachedNames())
	}
}

func TestDefaultCandidateDirs(t *testing.T) {
	t.Parallel()
	linux := DefaultCandidateDirs("linux")
	if linux[0] != "/opt/oracle/instantclient_21_8" {
		t.Fatalf("expected newest instant client first, got %s", linux[0])
	}
	if linux[len(linux)-1] != "/usr/lib/oracle/19/client64/lib" {
		t.Fatalf("unexpected last candidate %s", linux[len(linux)-1])
	}
	win := DefaultCandidateDirs("windows")
	if win[0] != `C:\oracle\instantclient_21_8` {
		t.Fatalf("unexpected windows candidate %s", win[0])
	}
	if len(win) != len(instantClientVersions) {
		t.Fatalf("expected %d windows candidates, got %d", len(instantClientVersions), len(win))
	}
}
