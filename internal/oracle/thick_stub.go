//go:build !godror

package oracle

import (
	"database/sql"
	"errors"

	"github.com/rickchristie/oracle-mcp/internal/registry"
)

// ThickAvailable reports whether this binary can run in thick mode.
const ThickAvailable = false

var errThickUnavailable = errors.New("thick mode not compiled in: rebuild with -tags godror")

func initThick(libDir string) error {
	return errThickUnavailable
}

func openThick(cfg registry.ConnectionConfig, libDir string) (*sql.DB, error) {
	return nil, errThickUnavailable
}
