package oramcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rickchristie/oracle-mcp/internal/audit"
	"github.com/rickchristie/oracle-mcp/internal/connmgr"
	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/hooks"
)

// Dispatch runs the full operation pipeline and returns only a Result.
// Every call is audited, whatever the outcome:
//
//	rate limit -> before hooks -> validate -> slot -> timeout -> acquire ->
//	execute -> sanitize -> after hooks -> truncate -> audit
//
// Callers only need to check Result.Success, never a Go error.
func (p *OracleMcp) Dispatch(ctx context.Context, in DispatchInput) *Result {
	return p.dispatch(ctx, in, nil)
}

// reject audits an operation that failed before it could be dispatched,
// e.g. because a builder refused its arguments.
func (p *OracleMcp) reject(ctx context.Context, in DispatchInput, err error) *Result {
	return p.dispatch(ctx, in, err)
}

func (p *OracleMcp) dispatch(ctx context.Context, in DispatchInput, pre error) *Result {
	start := p.now()
	caller := CallerFrom(ctx)
	if in.Identity != "" {
		caller.Identity = in.Identity
	}
	connName := in.Connection
	if cfg, err := p.registry.Get(in.Connection); err == nil {
		connName = cfg.Name
	}

	res := &Result{CorrelationID: uuid.NewString()}
	trace := &pipelineTrace{}
	err := pre
	if err == nil {
		err = p.run(ctx, caller, &in, res, trace)
	}
	if err != nil {
		p.fail(res, err)
	}

	duration := p.now().Sub(start)
	p.audit.Record(context.WithoutCancel(ctx), audit.Entry{
		ID:         res.CorrelationID,
		Timestamp:  start.UTC(),
		User:       caller.Identity,
		Operation:  string(in.Kind),
		Resource:   in.Resource,
		Query:      in.Query,
		Result:     audit.Result{Success: res.Success, RowsAffected: res.RowsAffected, Message: auditMessage(res)},
		Success:    res.Success,
		IPAddress:  caller.IPAddress,
		SessionID:  caller.SessionID,
		Connection: connName,
		DurationMs: duration.Milliseconds(),
		ErrorKind:  res.ErrorKind,
		Rule:       res.Rule,
	})

	var logEvent = p.logger.Info()
	if !res.Success {
		logEvent = p.logger.Warn().Str("error_kind", res.ErrorKind)
		if res.Rule != "" {
			logEvent = logEvent.Str("rule", res.Rule)
		}
	}
	logEvent = logEvent.
		Str("correlation_id", res.CorrelationID).
		Str("identity", caller.Identity).
		Str("kind", string(in.Kind)).
		Str("resource", in.Resource).
		Str("connection", connName).
		Str("query", truncateForLog(p.audit.Redact(in.Query), 200)).
		Dur("duration", duration).
		Int("row_count", len(res.Rows)).
		Int64("rows_affected", res.RowsAffected)
	if trace.timeoutRule != "" {
		logEvent = logEvent.Str("timeout_rule", trace.timeoutRule)
	}
	if trace.beforeHooks {
		logEvent = logEvent.Bool("before_hooks", true)
	}
	if trace.afterHooks {
		logEvent = logEvent.Bool("after_hooks", true)
	}
	if trace.sanitized {
		logEvent = logEvent.Bool("sanitized", true)
	}
	logEvent.Msg("operation dispatched")

	return res
}

type pipelineTrace struct {
	timeoutRule string
	beforeHooks bool
	afterHooks  bool
	sanitized   bool
}

func (p *OracleMcp) run(ctx context.Context, caller Caller, in *DispatchInput, res *Result, trace *pipelineTrace) error {
	// 1. Rate limit (before any work on the caller's behalf)
	if !p.limiter.Allow(caller.Identity) {
		return errs.RateLimited(caller.Identity)
	}

	hookReq := hooks.Request{
		Identity:   caller.Identity,
		Kind:       string(in.Kind),
		Resource:   in.Resource,
		Connection: in.Connection,
		Query:      in.Query,
	}

	// 2. Before hooks may rewrite the statement, so they run before validation
	if p.cmdHooks != nil && p.cmdHooks.HasBefore() {
		q, err := p.cmdHooks.RunBefore(ctx, hookReq)
		if err != nil {
			return err
		}
		trace.beforeHooks = true
		in.Query = q
		hookReq.Query = q
	}

	// 3. Security validation (reject early, never touches the database)
	if err := p.validator.Validate(in.Query, in.Kind); err != nil {
		return err
	}
	for _, s := range in.Schemas {
		if err := p.validator.ValidateSchema(s); err != nil {
			return err
		}
	}
	if len(in.Batch) > 0 {
		if err := p.validator.ValidateRowsAffected(len(in.Batch)); err != nil {
			return err
		}
	}

	// 4. Execution slot (respects context cancellation to prevent deadlock)
	select {
	case p.semaphore <- struct{}{}:
	case <-ctx.Done():
		return errs.Execution(fmt.Sprintf("failed to acquire execution slot: all %d slots are in use", cap(p.semaphore)), ctx.Err())
	}
	defer func() { <-p.semaphore }()

	// 5. Statement budget covers acquire and execute
	budget, rule := p.timeoutMgr.GetTimeoutWithPattern(in.Query)
	trace.timeoutRule = rule
	queryCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// 6. Acquire by name
	conn, err := p.manager.Acquire(queryCtx, in.Connection)
	if err != nil {
		return err
	}

	// 7. Execute
	out, err := execute(queryCtx, conn, in)
	if err != nil {
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			return errs.Execution(fmt.Sprintf("statement timed out after %s", budget), nil)
		}
		// Driver messages can echo the statement; redact before surfacing.
		return errs.Execution(p.audit.Redact(err.Error()), nil)
	}

	// 8. Shape and sanitize
	res.Columns = out.Columns
	res.Rows = rowMaps(out)
	res.RowsAffected = out.RowsAffected
	if p.sanitizer.HasRules() {
		res.Rows = p.sanitizer.SanitizeRows(res.Rows)
		trace.sanitized = true
	}
	res.Success = true
	res.Message = summarize(res)

	// 9. After hooks see the sanitized result
	if p.cmdHooks != nil && p.cmdHooks.HasAfter() {
		if err := p.runAfterHooks(ctx, hookReq, res); err != nil {
			return err
		}
		trace.afterHooks = true
	}

	// 10. Size cap
	p.truncateIfNeeded(res)
	return nil
}

func execute(ctx context.Context, conn connmgr.Conn, in *DispatchInput) (*connmgr.Result, error) {
	if len(in.Batch) == 0 {
		return conn.Execute(ctx, in.Query, in.Params...)
	}
	total := &connmgr.Result{}
	for i, args := range in.Batch {
		r, err := conn.Execute(ctx, in.Query, args...)
		if err != nil {
			return nil, fmt.Errorf("row %d of %d failed after %d row(s) were written: %w", i+1, len(in.Batch), total.RowsAffected, err)
		}
		total.RowsAffected += r.RowsAffected
	}
	return total, nil
}

func (p *OracleMcp) runAfterHooks(ctx context.Context, req hooks.Request, res *Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return errs.Execution("failed to encode result for hooks", err)
	}
	modified, err := p.cmdHooks.RunAfter(ctx, req, raw)
	if err != nil {
		return err
	}
	id := res.CorrelationID
	var out Result
	dec := json.NewDecoder(strings.NewReader(string(modified)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return errs.Execution("after hook returned a result that is not a valid operation result", err)
	}
	*res = out
	res.CorrelationID = id
	res.Success = true
	return nil
}

// fail folds err into res. Matching error prompts are appended to the message.
func (p *OracleMcp) fail(res *Result, err error) {
	msg := err.Error()
	res.Success = false
	res.Columns = nil
	res.Rows = nil
	res.Message = ""
	res.Error = p.errPrompts.Annotate(msg)
	res.ErrorKind = errs.KindOf(err).String()
	res.Rule = errs.RuleOf(err)
	if patterns := p.errPrompts.MatchedPatterns(msg); len(patterns) > 0 {
		p.logger.Debug().Strs("error_prompts", patterns).Str("correlation_id", res.CorrelationID).Msg("error prompts matched")
	}
}

// rowMaps converts positional rows into column-keyed maps. Later columns win
// on duplicate names.
func rowMaps(r *connmgr.Result) []map[string]any {
	if len(r.Columns) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(r.Rows))
	for _, values := range r.Rows {
		row := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(values) {
				row[col] = values[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func summarize(res *Result) string {
	if len(res.Columns) > 0 {
		return fmt.Sprintf("%d row(s) returned", len(res.Rows))
	}
	return fmt.Sprintf("%d row(s) affected", res.RowsAffected)
}

func auditMessage(res *Result) string {
	if res.Success {
		return res.Message
	}
	return res.Error
}

// truncateIfNeeded drops rows whose JSON exceeds MaxResultLength (in
// characters) and keeps a truncated rendering in Message.
func (p *OracleMcp) truncateIfNeeded(res *Result) {
	if len(res.Rows) == 0 {
		return
	}
	jsonBytes, _ := json.Marshal(res.Rows)
	jsonStr := string(jsonBytes)
	if utf8.RuneCountInString(jsonStr) <= p.config.Query.MaxResultLength {
		return
	}
	runes := []rune(jsonStr)
	res.Rows = nil
	res.Truncated = true
	res.Message = string(runes[:p.config.Query.MaxResultLength]) + "...[truncated] Result is too long! Narrow the query or use a smaller limit."
}

// truncateForLog truncates a string for log output to avoid oversized log entries.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}

// recordOperation audits an operation that does not touch the database,
// such as migration linting or audit reporting.
func (p *OracleMcp) recordOperation(ctx context.Context, resource, detail string, start time.Time, err error) {
	caller := CallerFrom(ctx)
	e := audit.Entry{
		Timestamp:  start.UTC(),
		User:       caller.Identity,
		Operation:  "ADMIN",
		Resource:   resource,
		Query:      detail,
		Success:    err == nil,
		IPAddress:  caller.IPAddress,
		SessionID:  caller.SessionID,
		DurationMs: p.now().Sub(start).Milliseconds(),
	}
	e.Result.Success = e.Success
	if err != nil {
		e.Result.Message = err.Error()
		e.ErrorKind = errs.KindOf(err).String()
		e.Rule = errs.RuleOf(err)
	}
	p.audit.Record(context.WithoutCancel(ctx), e)
}
