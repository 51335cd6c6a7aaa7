// Package hooks runs operator-supplied commands around dispatched
// operations. A hook reads a JSON document on stdin and answers with a JSON
// verdict on stdout; hooks chain, each seeing the previous hook's output.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rickchristie/oracle-mcp/internal/errs"
)

// Validation rules used for hook outcomes.
const (
	RuleHookRejected = "hook_rejected"
	RuleHookFailed   = "hook_failed"
)

// Config is the hook runner's own config type.
type Config struct {
	DefaultTimeout time.Duration
	Before         []Entry
	After          []Entry
}

// Entry defines a single command hook. Pattern is matched against the
// statement text; Kinds, when set, restricts the hook to those statement
// kinds (SELECT, INSERT, DDL, ...).
type Entry struct {
	Pattern string
	Kinds   []string
	Command string
	Args    []string
	Timeout time.Duration // 0 means use DefaultTimeout
}

// Request describes the operation being dispatched.
type Request struct {
	Identity   string `json:"identity"`
	Kind       string `json:"kind"`
	Resource   string `json:"resource"`
	Connection string `json:"connection"`
	Query      string `json:"query"`
}

// BeforeResponse is a before hook's verdict. A non-empty Query replaces the
// statement for the rest of the chain.
type BeforeResponse struct {
	Accept  bool   `json:"accept"`
	Query   string `json:"query,omitempty"`
	Message string `json:"message,omitempty"`
}

// AfterResponse is an after hook's verdict. A non-empty Result replaces the
// operation result for the rest of the chain.
type AfterResponse struct {
	Accept  bool            `json:"accept"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

type afterInput struct {
	Request Request         `json:"request"`
	Result  json.RawMessage `json:"result"`
}

type compiledHook struct {
	pattern *regexp.Regexp
	kinds   map[string]bool
	command string
	args    []string
	timeout time.Duration
}

func (h compiledHook) matches(req Request) bool {
	if len(h.kinds) > 0 && !h.kinds[strings.ToUpper(req.Kind)] {
		return false
	}
	return h.pattern.MatchString(req.Query)
}

// Runner executes command hooks.
type Runner struct {
	before []compiledHook
	after  []compiledHook
	logger zerolog.Logger
}

// NewRunner creates a new Runner. Panics on invalid regex or invalid config.
func NewRunner(config Config, logger zerolog.Logger) *Runner {
	if config.DefaultTimeout <= 0 && (len(config.Before) > 0 || len(config.After) > 0) {
		panic("hooks: default_timeout_seconds must be > 0 when hooks are configured")
	}

	compile := func(entries []Entry) []compiledHook {
		compiled := make([]compiledHook, len(entries))
		for i, e := range entries {
			if e.Command == "" {
				panic(fmt.Sprintf("hooks: entry %d has no command", i))
			}
			re, err := regexp.Compile(e.Pattern)
			if err != nil {
				panic(fmt.Sprintf("hooks: invalid regex pattern %q: %v", e.Pattern, err))
			}
			timeout := e.Timeout
			if timeout == 0 {
				timeout = config.DefaultTimeout
			}
			var kinds map[string]bool
			if len(e.Kinds) > 0 {
				kinds = make(map[string]bool, len(e.Kinds))
				for _, k := range e.Kinds {
					kinds[strings.ToUpper(k)] = true
				}
			}
			compiled[i] = compiledHook{
				pattern: re,
				kinds:   kinds,
				command: e.Command,
				args:    e.Args,
				timeout: timeout,
			}
		}
		return compiled
	}

	return &Runner{
		before: compile(config.Before),
		after:  compile(config.After),
		logger: logger,
	}
}

// HasBefore reports whether any before hooks are configured.
func (r *Runner) HasBefore() bool { return len(r.before) > 0 }

// HasAfter reports whether any after hooks are configured.
func (r *Runner) HasAfter() bool { return len(r.after) > 0 }

// RunBefore runs matching before hooks and returns the statement to execute.
// Rejections and hook failures are validation errors so that the statement
// never reaches the database.
func (r *Runner) RunBefore(ctx context.Context, req Request) (string, error) {
	for _, hook := range r.before {
		if !hook.matches(req) {
			continue
		}
		input, err := json.Marshal(req)
		if err != nil {
			return "", fmt.Errorf("hooks: encode request: %w", err)
		}
		output, err := r.execute(ctx, hook, input)
		if err != nil {
			return "", &errs.Error{Kind: errs.KindValidation, Rule: RuleHookFailed, Message: "before hook failed", Cause: err}
		}

		var resp BeforeResponse
		if err := json.Unmarshal(output, &resp); err != nil {
			return "", &errs.Error{
				Kind:    errs.KindValidation,
				Rule:    RuleHookFailed,
				Message: fmt.Sprintf("before hook returned unparseable response (command: %s)", hook.command),
				Cause:   err,
			}
		}
		if !resp.Accept {
			msg := "operation rejected by hook"
			if resp.Message != "" {
				msg = resp.Message
			}
			return "", errs.Validation(RuleHookRejected, msg)
		}
		if resp.Query != "" {
			req.Query = resp.Query
		}
	}
	return req.Query, nil
}

// RunAfter runs matching after hooks over the JSON-encoded result and
// returns the possibly rewritten result.
func (r *Runner) RunAfter(ctx context.Context, req Request, result []byte) ([]byte, error) {
	current := json.RawMessage(result)
	for _, hook := range r.after {
		if !hook.matches(req) {
			continue
		}
		input, err := json.Marshal(afterInput{Request: req, Result: current})
		if err != nil {
			return nil, fmt.Errorf("hooks: encode result: %w", err)
		}
		output, err := r.execute(ctx, hook, input)
		if err != nil {
			return nil, errs.Execution("after hook failed", err)
		}

		var resp AfterResponse
		if err := json.Unmarshal(output, &resp); err != nil {
			return nil, errs.Execution(fmt.Sprintf("after hook returned unparseable response (command: %s)", hook.command), err)
		}
		if !resp.Accept {
			msg := "result rejected by hook"
			if resp.Message != "" {
				msg = resp.Message
			}
			return nil, errs.Validation(RuleHookRejected, msg)
		}
		if len(resp.Result) > 0 {
			current = resp.Result
		}
	}
	return current, nil
}

func (r *Runner) execute(ctx context.Context, hook compiledHook, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, hook.timeout)
	defer cancel()

	// No shell: the command runs directly with its args.
	cmd := exec.CommandContext(ctx, hook.command, hook.args...)
	cmd.Stdin = bytes.NewReader(input)
	// Children of a killed hook may hold stdout open.
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	output, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			r.logger.Warn().Str("command", hook.command).Str("stderr", stderr.String()).Msg("hook stderr output")
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("hook timed out after %s: %s", hook.timeout, hook.command)
		}
		return nil, fmt.Errorf("hook failed (command: %s): %w", hook.command, err)
	}
	if stderr.Len() > 0 {
		r.logger.Debug().Str("command", hook.command).Str("stderr", stderr.String()).Msg("hook stderr output")
	}
	r.logger.Debug().Str("command", hook.command).Dur("duration", time.Since(start)).Msg("hook completed")
	return output, nil
}
