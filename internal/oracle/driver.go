// Package oracle implements connmgr.Driver on top of database/sql.
//
// Thin mode uses the pure-Go github.com/sijms/go-ora/v2 driver. Thick mode
// uses github.com/godror/godror and is only available in binaries built with
// the "godror" build tag, since it needs cgo and the Oracle Instant Client.
package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	go_ora "github.com/sijms/go-ora/v2"

	"github.com/rickchristie/oracle-mcp/internal/connmgr"
	"github.com/rickchristie/oracle-mcp/internal/registry"
)

// Driver opens pooled *sql.DB handles, one per named connection.
type Driver struct {
	logger zerolog.Logger

	mu     sync.Mutex
	libDir string
}

// NewDriver creates a Driver.
func NewDriver(logger zerolog.Logger) *Driver {
	return &Driver{logger: logger}
}

// Connect opens a pool for cfg and pings it so that authentication failures
// surface here rather than on first use.
func (d *Driver) Connect(ctx context.Context, cfg registry.ConnectionConfig, mode connmgr.Mode) (connmgr.Conn, error) {
	var (
		db  *sql.DB
		err error
	)
	if mode == connmgr.ModeThick {
		db, err = openThick(cfg, d.thickLibDir())
	} else {
		db, err = sql.Open("oracle", thinDSN(cfg))
	}
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMin)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Conn{db: db, name: cfg.Name, mode: mode}, nil
}

// InitThick loads the native client from libDir. Later thick connects use it.
func (d *Driver) InitThick(libDir string) error {
	if err := initThick(libDir); err != nil {
		return err
	}
	d.mu.Lock()
	d.libDir = libDir
	d.mu.Unlock()
	d.logger.Info().Str("lib_dir", libDir).Msg("oracle client library loaded")
	return nil
}

func (d *Driver) thickLibDir() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.libDir
}

// thinDSN builds a go-ora URL. A connectString that looks like a TNS
// descriptor or EZConnect string is passed through as a JDBC-style connStr.
func thinDSN(cfg registry.ConnectionConfig) string {
	if cfg.ConnectString != "" {
		if host, port, service, ok := splitEZConnect(cfg.ConnectString); ok {
			return go_ora.BuildUrl(host, port, service, cfg.User, cfg.Password, nil)
		}
		return go_ora.BuildJDBC(cfg.User, cfg.Password, cfg.ConnectString, nil)
	}
	return go_ora.BuildUrl(cfg.Host, cfg.Port, cfg.ServiceName, cfg.User, cfg.Password, nil)
}

// splitEZConnect parses "host[:port]/service". Anything else (descriptors,
// TNS aliases) reports ok=false.
func splitEZConnect(s string) (host string, port int, service string, ok bool) {
	if strings.ContainsAny(s, "() ") {
		return "", 0, "", false
	}
	hostPort, service, found := strings.Cut(s, "/")
	if !found || service == "" || hostPort == "" {
		return "", 0, "", false
	}
	host = hostPort
	port = registry.DefaultPort
	if h, p, hasPort := strings.Cut(hostPort, ":"); hasPort {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return "", 0, "", false
		}
		host = h
	}
	return host, port, service, true
}
