package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.yaml.in/yaml/v3"

	"github.com/rickchristie/oracle-mcp/internal/errs"
)

// DefaultEnvVar holds the connections document when no file is available.
const DefaultEnvVar = "ORACLE_CONNECTIONS"

// ErrSourceUnavailable is returned by a Loader whose source does not exist
// or cannot be read. Load moves on to the next loader.
var ErrSourceUnavailable = errors.New("registry: source unavailable")

// Loader reads the raw connections document from one medium.
type Loader interface {
	Source() string
	Read() ([]byte, error)
}

// FileLoader reads the document from a JSON or YAML file.
type FileLoader struct {
	Path string
}

func (l FileLoader) Source() string { return "file:" + l.Path }

func (l FileLoader) Read() ([]byte, error) {
	if l.Path == "" {
		return nil, ErrSourceUnavailable
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return data, nil
}

// EnvLoader reads the document from an environment variable.
type EnvLoader struct {
	Var string
}

func (l EnvLoader) Source() string { return "env:" + l.Var }

func (l EnvLoader) Read() ([]byte, error) {
	v, ok := os.LookupEnv(l.Var)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, ErrSourceUnavailable
	}
	return []byte(v), nil
}

// document is the on-disk shape of the connections config.
type document struct {
	Connections       map[string]ConnectionConfig `json:"connections"`
	DefaultConnection string                      `json:"defaultConnection"`
}

// Load tries each loader in order. The first available source wins;
// a source that is present but invalid is a ConfigurationError and does
// not fall through to later loaders.
func Load(loaders ...Loader) (*Registry, error) {
	var tried []string
	for _, l := range loaders {
		data, err := l.Read()
		if err != nil {
			if errors.Is(err, ErrSourceUnavailable) {
				tried = append(tried, l.Source())
				continue
			}
			return nil, errs.Configuration("reading "+l.Source(), err)
		}
		return Parse(data, l.Source())
	}
	return nil, errs.Configuration(fmt.Sprintf("no connection configuration found (tried %s)", strings.Join(tried, ", ")), nil)
}

// Parse decodes, schema-validates and builds a registry from a JSON or YAML document.
func Parse(data []byte, source string) (*Registry, error) {
	raw, err := decodeDocument(data)
	if err != nil {
		return nil, errs.Configuration("parsing "+source, err)
	}
	if err := documentSchema().Validate(raw); err != nil {
		return nil, errs.Configuration("validating "+source, err)
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, errs.Configuration("parsing "+source, err)
	}
	var doc document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, errs.Configuration("parsing "+source, err)
	}

	conns := make([]ConnectionConfig, 0, len(doc.Connections))
	for name, c := range doc.Connections {
		c.Name = name
		conns = append(conns, c)
	}
	r, err := New(conns, doc.DefaultConnection)
	if err != nil {
		return nil, err
	}
	r.source = source
	return r, nil
}

// decodeDocument returns a JSON-compatible value (map[string]any, []any,
// float64, string, bool, nil). YAML is tried first since it rejects
// duplicate mapping keys; plain JSON that YAML cannot read (tab indentation)
// falls back to encoding/json.
func decodeDocument(data []byte) (any, error) {
	var v any
	yerr := yaml.Unmarshal(data, &v)
	if yerr != nil {
		if strings.Contains(yerr.Error(), "already defined") || !json.Valid(data) {
			return nil, yerr
		}
		v = nil
	}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = b
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("empty document")
	}
	return out, nil
}

const documentSchemaJSON = `{
  "type": "object",
  "required": ["connections"],
  "properties": {
    "defaultConnection": {"type": "string"},
    "connections": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": {"pattern": "^[A-Za-z0-9_.-]+$"},
      "additionalProperties": {
        "type": "object",
        "required": ["user", "password"],
        "anyOf": [
          {"required": ["connectString"]},
          {"required": ["host"]}
        ],
        "properties": {
          "user": {"type": "string", "minLength": 1},
          "password": {"type": "string"},
          "connectString": {"type": "string", "minLength": 1},
          "host": {"type": "string", "minLength": 1},
          "port": {"type": "integer", "minimum": 1, "maximum": 65535},
          "serviceName": {"type": "string"},
          "poolMin": {"type": "integer", "minimum": 0},
          "poolMax": {"type": "integer", "minimum": 1},
          "poolIncrement": {"type": "integer", "minimum": 0},
          "description": {"type": "string"},
          "environment": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

func documentSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(documentSchemaJSON), &doc); err != nil {
			panic(fmt.Sprintf("registry: invalid document schema: %v", err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("connections.json", doc); err != nil {
			panic(fmt.Sprintf("registry: invalid document schema: %v", err))
		}
		s, err := c.Compile("connections.json")
		if err != nil {
			panic(fmt.Sprintf("registry: invalid document schema: %v", err))
		}
		schema = s
	})
	return schema
}
