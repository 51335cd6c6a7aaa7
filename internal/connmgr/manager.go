package connmgr

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/registry"
)

// ProbeQuery is the liveness round-trip run against cached handles.
const ProbeQuery = "SELECT 1 FROM DUAL"

// Resolver looks up connection configs by name. *registry.Registry implements it.
type Resolver interface {
	Get(name string) (registry.ConnectionConfig, error)
}

// Config is the connection manager's own config type.
type Config struct {
	// ClientLibDir is tried before any other candidate during mode negotiation.
	ClientLibDir string
	// CandidateDirs replaces the platform defaults when non-nil.
	CandidateDirs []string
	// AuthSignatures replaces DefaultAuthSignatures when non-nil.
	AuthSignatures []string
	ProbeTimeout   time.Duration
	// ConnectTimeout bounds a shared connect, which ignores callers'
	// cancellation.
	ConnectTimeout time.Duration
	// CloseConcurrency bounds parallel closes in ReleaseAll.
	CloseConcurrency int
}

// Manager hands out live connections by name. Acquisitions for the same name
// are serialized; different names proceed independently.
type Manager struct {
	resolver   Resolver
	driver     Driver
	mode       *ClientModeState
	config     Config
	signatures []string
	logger     zerolog.Logger

	mu    sync.Mutex
	conns map[string]Conn
	group singleflight.Group
}

// New creates a Manager. Panics on nil collaborators.
func New(resolver Resolver, driver Driver, mode *ClientModeState, config Config, logger zerolog.Logger) *Manager {
	if resolver == nil {
		panic("connmgr: resolver must be non-nil")
	}
	if driver == nil {
		panic("connmgr: driver must be non-nil")
	}
	if mode == nil {
		panic("connmgr: client mode state must be non-nil")
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.CloseConcurrency <= 0 {
		config.CloseConcurrency = 8
	}
	if config.CandidateDirs == nil {
		config.CandidateDirs = DefaultCandidateDirs(runtime.GOOS)
	}
	sigs := config.AuthSignatures
	if sigs == nil {
		sigs = DefaultAuthSignatures
	}
	return &Manager{
		resolver:   resolver,
		driver:     driver,
		mode:       mode,
		config:     config,
		signatures: sigs,
		logger:     logger,
		conns:      make(map[string]Conn),
	}
}

// Mode returns the shared client mode state.
func (m *Manager) Mode() *ClientModeState {
	return m.mode
}

// Acquire returns a live handle for name (default connection when empty).
// A cached handle is liveness-probed; on probe failure it is evicted and
// exactly one reconnect is attempted. A caller whose ctx ends stops waiting;
// the shared attempt carries on under ConnectTimeout for the others and
// caches its handle. Returns *errs.Error of kind UnknownConnection or
// Connection.
func (m *Manager) Acquire(ctx context.Context, name string) (Conn, error) {
	cfg, err := m.resolver.Get(name)
	if err != nil {
		return nil, err
	}
	ch := m.group.DoChan(cfg.Name, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ConnectTimeout)
		defer cancel()
		return m.acquire(shared, cfg)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Conn), nil
	case <-ctx.Done():
		return nil, errs.Connection(cfg.Name, m.mode.Mode().String(), "gave up waiting for connection", ctx.Err())
	}
}

func (m *Manager) acquire(ctx context.Context, cfg registry.ConnectionConfig) (Conn, error) {
	if conn := m.cached(cfg.Name); conn != nil {
		err := m.probe(ctx, conn)
		if err == nil {
			return conn, nil
		}
		m.logger.Warn().
			Str("connection", cfg.Name).
			Err(err).
			Msg("liveness probe failed, evicting cached connection")
		m.evict(cfg.Name, conn)
	}
	return m.connect(ctx, cfg)
}

func (m *Manager) probe(ctx context.Context, conn Conn) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	_, err := conn.Execute(probeCtx, ProbeQuery)
	return err
}

func (m *Manager) connect(ctx context.Context, cfg registry.ConnectionConfig) (Conn, error) {
	startTime := time.Now()
	mode := m.mode.Mode()
	conn, err := m.driver.Connect(ctx, cfg, mode)
	if err != nil {
		if !isAuthIncompatible(err, m.signatures) {
			return nil, errs.Connection(cfg.Name, mode.String(), "failed to connect", err)
		}
		conn, err = m.negotiate(ctx, cfg, err)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.conns[cfg.Name] = conn
	m.mu.Unlock()

	m.logger.Info().
		Str("connection", cfg.Name).
		Str("client_mode", m.mode.Mode().String()).
		Dur("duration", time.Since(startTime)).
		Msg("connection established")
	return conn, nil
}

// negotiate switches to thick mode using the first candidate library that
// initializes, then retries the connect once.
func (m *Manager) negotiate(ctx context.Context, cfg registry.ConnectionConfig, cause error) (Conn, error) {
	if m.mode.Mode() == ModeThick {
		return nil, errs.Connection(cfg.Name, ModeThick.String(),
			"authentication verifier not supported and thick mode is already active", cause)
	}

	m.logger.Info().
		Str("connection", cfg.Name).
		Err(cause).
		Msg("thin mode authentication incompatible, negotiating thick mode")

	candidates := m.Candidates()
	if len(candidates) == 0 {
		return nil, errs.Connection(cfg.Name, ModeThin.String(),
			"authentication verifier requires thick mode but no native client library found", cause)
	}

	var initErrs []error
	for _, dir := range candidates {
		if err := m.mode.EnsureThick(dir, m.driver.InitThick); err != nil {
			m.logger.Warn().Str("lib_dir", dir).Err(err).Msg("thick mode initialization failed")
			initErrs = append(initErrs, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		m.logger.Info().Str("lib_dir", m.mode.LibDir()).Msg("thick mode initialized")

		conn, err := m.driver.Connect(ctx, cfg, ModeThick)
		if err != nil {
			return nil, errs.Connection(cfg.Name, ModeThick.String(), "failed to connect after switching to thick mode", err)
		}
		return conn, nil
	}
	return nil, errs.Connection(cfg.Name, ModeThin.String(),
		fmt.Sprintf("native client library found but initialization failed (%d candidates)", len(candidates)),
		errors.Join(append([]error{cause}, initErrs...)...))
}

// Candidates returns the client library directories that exist on disk,
// in the order negotiation tries them.
func (m *Manager) Candidates() []string {
	return candidateDirs(m.config.ClientLibDir, m.config.CandidateDirs)
}

func (m *Manager) cached(name string) Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[name]
}

// evict removes conn from the cache (if still cached) and closes it.
func (m *Manager) evict(name string, conn Conn) {
	m.mu.Lock()
	if m.conns[name] == conn {
		delete(m.conns, name)
	}
	m.mu.Unlock()
	if err := conn.Close(); err != nil {
		m.logger.Warn().Str("connection", name).Err(err).Msg("failed to close evicted connection")
	}
}

// Release closes and evicts the cached handle for name. Releasing a name
// with no cached handle is a no-op.
func (m *Manager) Release(name string) error {
	cfg, err := m.resolver.Get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn, ok := m.conns[cfg.Name]
	delete(m.conns, cfg.Name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := conn.Close(); err != nil {
		return errs.Connection(cfg.Name, m.mode.Mode().String(), "failed to close connection", err)
	}
	m.logger.Info().Str("connection", cfg.Name).Msg("connection released")
	return nil
}

// ReleaseAll closes every cached handle concurrently and waits for all of
// them. Close failures are logged and counted, never returned.
func (m *Manager) ReleaseAll() (closed, failed int) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]Conn)
	m.mu.Unlock()

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	g.SetLimit(m.config.CloseConcurrency)
	for name, conn := range conns {
		g.Go(func() error {
			if err := conn.Close(); err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for name, err := range failures {
		m.logger.Error().Str("connection", name).Err(err).Msg("failed to close connection during release")
	}
	m.logger.Info().
		Int("closed", len(conns)-len(failures)).
		Int("failed", len(failures)).
		Msg("released all connections")
	return len(conns) - len(failures), len(failures)
}

// CachedNames returns the names with a cached handle, sorted.
func (m *Manager) CachedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.conns))
	for n := range m.conns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
