package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rickchristie/oracle-mcp/internal/errs"
)

const validJSON = `{
  "defaultConnection": "dev",
  "connections": {
    "dev": {
      "user": "hr",
      "password": "secret",
      "connectString": "localhost:1521/XEPDB1",
      "description": "local dev",
      "environment": "development"
    },
    "prod": {
      "user": "app",
      "password": "hunter2",
      "host": "db.internal",
      "serviceName": "ORCL",
      "poolMax": 20,
      "environment": "production"
    }
  }
}`

const validYAML = `
defaultConnection: prod
connections:
  prod:
    user: app
    password: hunter2
    host: db.internal
    port: 1522
    serviceName: ORCL
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestParse_JSON(t *testing.T) {
	t.Parallel()
	r, err := Parse([]byte(validJSON), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Default() != "dev" {
		t.Fatalf("expected default dev, got %q", r.Default())
	}
	c, err := r.Get("prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.PoolMax != 20 || c.PoolMin != DefaultPoolMin || c.Port != DefaultPort {
		t.Fatalf("expected defaults applied, got %+v", c)
	}
	if c.Address() != "db.internal:1521/ORCL" {
		t.Fatalf("unexpected address %q", c.Address())
	}
}

func TestParse_YAML(t *testing.T) {
	t.Parallel()
	r, err := Parse([]byte(validYAML), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := r.Get("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Name != "prod" || c.Port != 1522 {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestParse_TabIndentedJSON(t *testing.T) {
	t.Parallel()
	doc := "{\n\t\"connections\": {\n\t\t\"a\": {\"user\": \"u\", \"password\": \"p\", \"connectString\": \"h/s\"}\n\t}\n}"
	if _, err := Parse([]byte(doc), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParse_DefaultMustExist(t *testing.T) {
	t.Parallel()
	doc := `{"defaultConnection": "missing", "connections": {"a": {"user": "u", "password": "p", "connectString": "h/s"}}}`
	_, err := Parse([]byte(doc), "test")
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestParse_DuplicateNames(t *testing.T) {
	t.Parallel()
	doc := "connections:\n  a:\n    user: u\n    password: p\n    connectString: h/s\n  a:\n    user: v\n    password: q\n    connectString: h/s\n"
	_, err := Parse([]byte(doc), "test")
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error for duplicate key, got %v", err)
	}
}

func TestParse_SchemaViolations(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"no connections":   `{"defaultConnection": "a"}`,
		"empty map":        `{"connections": {}}`,
		"missing user":     `{"connections": {"a": {"password": "p", "connectString": "h/s"}}}`,
		"no address":       `{"connections": {"a": {"user": "u", "password": "p"}}}`,
		"bad port":         `{"connections": {"a": {"user": "u", "password": "p", "host": "h", "port": 70000}}}`,
		"bad name":         `{"connections": {"a b": {"user": "u", "password": "p", "connectString": "h/s"}}}`,
		"not an object":    `"hello"`,
		"pool min over max": `{"connections": {"a": {"user": "u", "password": "p", "connectString": "h/s", "poolMin": 5, "poolMax": 2}}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc), "test")
			if !errs.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestGet_Unknown(t *testing.T) {
	t.Parallel()
	r, err := Parse([]byte(validJSON), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = r.Get("staging")
	if !errs.IsUnknownConnection(err) {
		t.Fatalf("expected unknown connection error, got %v", err)
	}
}

func TestGet_NoDefaultMultipleConnections(t *testing.T) {
	t.Parallel()
	r, err := New([]ConnectionConfig{
		{Name: "a", User: "u", ConnectString: "h/a"},
		{Name: "b", User: "u", ConnectString: "h/b"},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Get(""); !errs.IsUnknownConnection(err) {
		t.Fatalf("expected unknown connection for ambiguous empty name, got %v", err)
	}
}

func TestList_NeverExposesCredentials(t *testing.T) {
	t.Parallel()
	r, err := Parse([]byte(validJSON), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(list))
	}
	if list[0].Name != "dev" || !list[0].IsDefault {
		t.Fatalf("expected dev first and default, got %+v", list[0])
	}
	if list[1].Environment != "production" {
		t.Fatalf("expected prod environment, got %+v", list[1])
	}
	for _, s := range list {
		if strings.Contains(s.Name+s.Description+s.Environment, "secret") {
			t.Fatalf("summary leaked a credential: %+v", s)
		}
	}
}

func TestConnectionConfigString_OmitsPassword(t *testing.T) {
	t.Parallel()
	c := ConnectionConfig{Name: "dev", User: "hr", Password: "secret", ConnectString: "h/s"}
	if strings.Contains(c.String(), "secret") {
		t.Fatalf("String() leaked password: %s", c.String())
	}
}

// Tests using t.Setenv cannot run in parallel.

func TestLoad_FileWins(t *testing.T) {
	path := writeFile(t, "connections.json", validJSON)
	t.Setenv("ORACLE_CONNECTIONS_TEST", validYAML)

	r, err := Load(FileLoader{Path: path}, EnvLoader{Var: "ORACLE_CONNECTIONS_TEST"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Default() != "dev" {
		t.Fatalf("expected file document to win, got default %q", r.Default())
	}
	if !strings.HasPrefix(r.Source(), "file:") {
		t.Fatalf("unexpected source %q", r.Source())
	}
}

func TestLoad_FallsBackToEnv(t *testing.T) {
	t.Setenv("ORACLE_CONNECTIONS_TEST", validYAML)

	missing := filepath.Join(t.TempDir(), "absent.json")
	r, err := Load(FileLoader{Path: missing}, EnvLoader{Var: "ORACLE_CONNECTIONS_TEST"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Default() != "prod" {
		t.Fatalf("expected env document, got default %q", r.Default())
	}
	if r.Source() != "env:ORACLE_CONNECTIONS_TEST" {
		t.Fatalf("unexpected source %q", r.Source())
	}
}

func TestLoad_InvalidFileDoesNotFallThrough(t *testing.T) {
	path := writeFile(t, "connections.json", `{"connections": {}}`)
	t.Setenv("ORACLE_CONNECTIONS_TEST", validYAML)

	_, err := Load(FileLoader{Path: path}, EnvLoader{Var: "ORACLE_CONNECTIONS_TEST"})
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoad_NothingAvailable(t *testing.T) {
	t.Setenv("ORACLE_CONNECTIONS_TEST", "")

	_, err := Load(FileLoader{Path: ""}, EnvLoader{Var: "ORACLE_CONNECTIONS_TEST"})
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "env:ORACLE_CONNECTIONS_TEST") {
		t.Fatalf("expected tried sources in message, got %q", err.Error())
	}
}
