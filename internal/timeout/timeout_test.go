package timeout

import (
	"strings"
	"testing"
	"time"
)

func newManager(t *testing.T, rules ...Rule) *Manager {
	t.Helper()
	m, err := NewManager(Config{DefaultTimeout: 30 * time.Second, Rules: rules})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestMatchFirstRule(t *testing.T) {
	t.Parallel()
	m := newManager(t,
		Rule{Pattern: `(?i)v\$session`, Timeout: 5 * time.Second},
		Rule{Pattern: "JOIN", Timeout: 60 * time.Second},
	)
	if got := m.GetTimeout("SELECT COUNT(*) FROM v$session"); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
	if got := m.GetTimeout("SELECT * FROM v$session s JOIN v$process p ON 1=1"); got != 5*time.Second {
		t.Errorf("expected 5s (first match wins), got %v", got)
	}
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()
	m := newManager(t, Rule{Pattern: "JOIN", Timeout: 60 * time.Second})
	if got := m.GetTimeout("SELECT 1 FROM DUAL"); got != 30*time.Second {
		t.Errorf("expected 30s (default), got %v", got)
	}
	if got := newManager(t).GetTimeout("SELECT 1 FROM DUAL"); got != 30*time.Second {
		t.Errorf("expected 30s with no rules, got %v", got)
	}
}

func TestGetTimeoutWithPattern(t *testing.T) {
	t.Parallel()
	m := newManager(t, DefaultRules()...)

	d, pattern := m.GetTimeoutWithPattern("ANALYZE TABLE HR.EMP COMPUTE STATISTICS")
	if d != 5*time.Minute || !strings.Contains(pattern, "ANALYZE") {
		t.Errorf("expected analyze rule, got %v %q", d, pattern)
	}
	d, pattern = m.GetTimeoutWithPattern("SELECT name FROM v$database")
	if d != 10*time.Second || pattern == "" {
		t.Errorf("expected v$ rule, got %v %q", d, pattern)
	}
	d, _ = m.GetTimeoutWithPattern("SELECT owner FROM dba_objects")
	if d != 15*time.Second {
		t.Errorf("expected dictionary rule, got %v", d)
	}
	d, pattern = m.GetTimeoutWithPattern("SELECT * FROM HR.EMP")
	if d != 30*time.Second || pattern != "" {
		t.Errorf("expected default with empty pattern, got %v %q", d, pattern)
	}
}

func TestNewManagerErrorsOnInvalidRegex(t *testing.T) {
	t.Parallel()
	_, err := NewManager(Config{
		DefaultTimeout: 30 * time.Second,
		Rules: []Rule{
			{Pattern: `[invalid`, Timeout: 5 * time.Second},
		},
	})
	if err == nil {
		t.Fatal("expected error for invalid regex pattern")
	}
	if !strings.Contains(err.Error(), "invalid regex pattern") {
		t.Fatalf("expected error to contain 'invalid regex pattern', got: %s", err)
	}
	if !strings.Contains(err.Error(), "[invalid") {
		t.Fatalf("expected error to contain the invalid pattern, got: %s", err)
	}
}

func TestNewManagerErrorsOnNonPositiveTimeouts(t *testing.T) {
	t.Parallel()
	if _, err := NewManager(Config{}); err == nil {
		t.Fatal("expected error for zero default timeout")
	}
	if _, err := NewManager(Config{DefaultTimeout: time.Second, Rules: []Rule{{Pattern: "x"}}}); err == nil {
		t.Fatal("expected error for zero rule timeout")
	}
}
