package registry

import (
	"fmt"
	"sort"

	"github.com/rickchristie/oracle-mcp/internal/errs"
)

// Pool defaults applied when a connection omits them.
const (
	DefaultPoolMin       = 1
	DefaultPoolMax       = 10
	DefaultPoolIncrement = 1
	DefaultPort          = 1521
)

// ConnectionConfig describes one named Oracle connection.
// Immutable once the registry is built.
type ConnectionConfig struct {
	Name          string `json:"-"`
	User          string `json:"user"`
	Password      string `json:"password"`
	ConnectString string `json:"connectString,omitempty"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	ServiceName   string `json:"serviceName,omitempty"`
	PoolMin       int    `json:"poolMin,omitempty"`
	PoolMax       int    `json:"poolMax,omitempty"`
	PoolIncrement int    `json:"poolIncrement,omitempty"`
	Description   string `json:"description,omitempty"`
	Environment   string `json:"environment,omitempty"`
}

// Address returns the connect descriptor: ConnectString when set,
// otherwise host:port/serviceName.
func (c ConnectionConfig) Address() string {
	if c.ConnectString != "" {
		return c.ConnectString
	}
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.ServiceName)
}

// String never includes the password.
func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s (%s@%s)", c.Name, c.User, c.Address())
}

// Summary is the credential-free view of a connection returned by List.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Environment string `json:"environment"`
	IsDefault   bool   `json:"is_default"`
}

// Registry maps connection names to their configuration.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	conns       map[string]ConnectionConfig
	names       []string
	defaultName string
	source      string
}

// New builds a registry from already-parsed connections.
// Names must be unique and non-empty; defaultName, if set, must be one of them.
func New(conns []ConnectionConfig, defaultName string) (*Registry, error) {
	r := &Registry{
		conns:       make(map[string]ConnectionConfig, len(conns)),
		defaultName: defaultName,
	}
	for _, c := range conns {
		if c.Name == "" {
			return nil, errs.Configuration("connection name must be non-empty", nil)
		}
		if _, dup := r.conns[c.Name]; dup {
			return nil, errs.Configuration(fmt.Sprintf("duplicate connection name %q", c.Name), nil)
		}
		c = applyDefaults(c)
		if c.PoolMin > c.PoolMax {
			return nil, errs.Configuration(fmt.Sprintf("connection %q: poolMin (%d) exceeds poolMax (%d)", c.Name, c.PoolMin, c.PoolMax), nil)
		}
		if c.ConnectString == "" && c.Host == "" {
			return nil, errs.Configuration(fmt.Sprintf("connection %q: connectString or host is required", c.Name), nil)
		}
		r.conns[c.Name] = c
		r.names = append(r.names, c.Name)
	}
	sort.Strings(r.names)

	if defaultName != "" {
		if _, ok := r.conns[defaultName]; !ok {
			return nil, errs.Configuration(fmt.Sprintf("defaultConnection %q is not a configured connection", defaultName), nil)
		}
	}
	return r, nil
}

func applyDefaults(c ConnectionConfig) ConnectionConfig {
	if c.PoolMin == 0 {
		c.PoolMin = DefaultPoolMin
	}
	if c.PoolMax == 0 {
		c.PoolMax = DefaultPoolMax
	}
	if c.PoolIncrement == 0 {
		c.PoolIncrement = DefaultPoolIncrement
	}
	if c.ConnectString == "" && c.Port == 0 {
		c.Port = DefaultPort
	}
	return c
}

// Get resolves name, or the default connection when name is empty.
// A registry without a default but with exactly one connection resolves
// the empty name to that connection.
func (r *Registry) Get(name string) (ConnectionConfig, error) {
	if name == "" {
		name = r.defaultName
		if name == "" && len(r.names) == 1 {
			name = r.names[0]
		}
	}
	c, ok := r.conns[name]
	if !ok {
		return ConnectionConfig{}, errs.UnknownConnection(name)
	}
	return c, nil
}

// List returns credential-free summaries sorted by name.
func (r *Registry) List() []Summary {
	out := make([]Summary, 0, len(r.names))
	for _, n := range r.names {
		c := r.conns[n]
		out = append(out, Summary{
			Name:        c.Name,
			Description: c.Description,
			Environment: c.Environment,
			IsDefault:   c.Name == r.defaultName,
		})
	}
	return out
}

// Names returns all connection names sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Default returns the configured default connection name (may be empty).
func (r *Registry) Default() string {
	return r.defaultName
}

// Source describes where the registry was loaded from.
func (r *Registry) Source() string {
	return r.source
}
