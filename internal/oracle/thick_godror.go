//go:build godror

package oracle

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/godror/godror"

	"github.com/rickchristie/oracle-mcp/internal/registry"
)

// ThickAvailable reports whether this binary can run in thick mode.
const ThickAvailable = true

func clientLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "oci.dll"
	case "darwin":
		return "libclntsh.dylib"
	default:
		return "libclntsh.so"
	}
}

func initThick(libDir string) error {
	lib := filepath.Join(libDir, clientLibraryName())
	if _, err := os.Stat(lib); err != nil {
		return fmt.Errorf("oracle client library not usable: %w", err)
	}
	return nil
}

func openThick(cfg registry.ConnectionConfig, libDir string) (*sql.DB, error) {
	var p godror.ConnectionParams
	p.Username = cfg.User
	p.Password = godror.NewPassword(cfg.Password)
	p.ConnectString = cfg.Address()
	p.LibDir = libDir
	p.MinSessions = cfg.PoolMin
	p.MaxSessions = cfg.PoolMax
	p.SessionIncrement = cfg.PoolIncrement
	return sql.OpenDB(godror.NewConnector(p)), nil
}
