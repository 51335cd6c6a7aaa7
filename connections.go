package oramcp

import (
	"context"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rickchristie/oracle-mcp/internal/connmgr"
	"github.com/rickchristie/oracle-mcp/internal/registry"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// ConnectionInput names a registry connection; empty selects the default.
type ConnectionInput struct {
	Connection string `json:"connection"`
}

// ListConnectionsOutput is the credential-free view of the registry.
type ListConnectionsOutput struct {
	Connections []registry.Summary `json:"connections"`
	Default     string             `json:"default,omitempty"`
	Source      string             `json:"source,omitempty"`
}

func (ListConnectionsOutput) toolError() string { return "" }

// ConnectionTestOutput reports a single probe.
type ConnectionTestOutput struct {
	Connection    string `json:"connection"`
	Success       bool   `json:"success"`
	Mode          string `json:"mode"`
	LatencyMs     int64  `json:"latency_ms"`
	CorrelationID string `json:"correlation_id"`
	Error         string `json:"error,omitempty"`
}

func (o *ConnectionTestOutput) toolError() string { return o.Error }

// TestAllOutput aggregates probes of every registered connection.
type TestAllOutput struct {
	Results   []*ConnectionTestOutput `json:"results"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
}

func (o *TestAllOutput) toolError() string { return "" }

// CandidateDir is a native client library directory and whether it exists.
type CandidateDir struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// ClientInfoOutput describes the driver mode.
type ClientInfoOutput struct {
	Mode       string         `json:"mode"`
	LibDir     string         `json:"lib_dir,omitempty"`
	Candidates []CandidateDir `json:"candidates"`
	Cached     []string       `json:"cached_connections"`
}

func (ClientInfoOutput) toolError() string { return "" }

// ListConnections returns every registered connection without credentials.
func (p *OracleMcp) ListConnections() ListConnectionsOutput {
	return ListConnectionsOutput{
		Connections: p.registry.List(),
		Default:     p.registry.Default(),
		Source:      p.registry.Source(),
	}
}

// TestConnection acquires the named connection and runs the liveness probe.
func (p *OracleMcp) TestConnection(ctx context.Context, in ConnectionInput) *ConnectionTestOutput {
	start := p.now()
	res := p.Dispatch(ctx, DispatchInput{
		Kind:       security.KindSelect,
		Resource:   "test_connection",
		Connection: in.Connection,
		Query:      connmgr.ProbeQuery,
	})
	name := in.Connection
	if cfg, err := p.registry.Get(in.Connection); err == nil {
		name = cfg.Name
	}
	return &ConnectionTestOutput{
		Connection:    name,
		Success:       res.Success,
		Mode:          p.manager.Mode().Mode().String(),
		LatencyMs:     p.now().Sub(start).Milliseconds(),
		CorrelationID: res.CorrelationID,
		Error:         res.Error,
	}
}

// TestAllConnections probes every registered connection concurrently.
// Individual failures are reported, never returned.
func (p *OracleMcp) TestAllConnections(ctx context.Context) *TestAllOutput {
	names := p.registry.Names()
	out := &TestAllOutput{Results: make([]*ConnectionTestOutput, len(names))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cap(p.semaphore))
	for i, name := range names {
		g.Go(func() error {
			out.Results[i] = p.TestConnection(gctx, ConnectionInput{Connection: name})
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out
}

const connectionStatusSQL = `SELECT SYS_CONTEXT(:1, :2) AS DATABASE_NAME,
       SYS_CONTEXT(:3, :4) AS SERVER_HOST,
       SYS_CONTEXT(:5, :6) AS IP_ADDRESS,
       SYS_CONTEXT(:7, :8) AS CONNECTED_USER,
       SYSDATE AS SERVER_TIME
  FROM DUAL`

// ConnectionStatus reports who and where the session is connected as.
func (p *OracleMcp) ConnectionStatus(ctx context.Context, in ConnectionInput) *Result {
	return p.Dispatch(ctx, DispatchInput{
		Kind:       security.KindSelect,
		Resource:   "connection_status",
		Connection: in.Connection,
		Query:      connectionStatusSQL,
		Params: []any{
			"USERENV", "DB_NAME",
			"USERENV", "SERVER_HOST",
			"USERENV", "IP_ADDRESS",
			"USERENV", "SESSION_USER",
		},
	})
}

// ClientInfo reports the driver mode and where a native client could be
// loaded from.
func (p *OracleMcp) ClientInfo() ClientInfoOutput {
	mode := p.manager.Mode()
	dirs := p.manager.Candidates()
	out := ClientInfoOutput{
		Mode:       mode.Mode().String(),
		LibDir:     mode.LibDir(),
		Candidates: make([]CandidateDir, len(dirs)),
		Cached:     p.manager.CachedNames(),
	}
	for i, dir := range dirs {
		info, err := os.Stat(dir)
		out.Candidates[i] = CandidateDir{Path: dir, Exists: err == nil && info.IsDir()}
	}
	sort.Strings(out.Cached)
	return out
}
