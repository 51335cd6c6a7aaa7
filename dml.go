package oramcp

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// Validation rules raised by the structured DML tools.
const (
	RuleEmptyData       = "empty_data"
	RuleInvalidOrderBy  = "invalid_order_by"
	RuleMergeKeyUpdated = "merge_key_updated"
	RuleMissingMergeKey = "missing_merge_key"
)

// DefaultInsertBatchSize is used when insert_many omits batch_size.
const DefaultInsertBatchSize = 100

var orderByItemRe = regexp.MustCompile(`(?i)^([A-Z][A-Z0-9_$#]*)(\s+(ASC|DESC))?(\s+NULLS\s+(FIRST|LAST))?$`)

// SelectInput reads rows from one table. Where is a condition fragment whose
// placeholders bind Params in order.
type SelectInput struct {
	Connection string   `json:"connection"`
	Schema     string   `json:"schema"`
	Table      string   `json:"table"`
	Columns    []string `json:"columns"`
	Where      string   `json:"where"`
	Params     []any    `json:"params"`
	OrderBy    string   `json:"order_by"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
}

// InsertInput writes one row.
type InsertInput struct {
	Connection string         `json:"connection"`
	Schema     string         `json:"schema"`
	Table      string         `json:"table"`
	Data       map[string]any `json:"data"`
}

// InsertManyInput writes many rows in batches. Columns missing from a row
// are inserted as NULL.
type InsertManyInput struct {
	Connection string           `json:"connection"`
	Schema     string           `json:"schema"`
	Table      string           `json:"table"`
	Rows       []map[string]any `json:"rows"`
	BatchSize  int              `json:"batch_size"`
}

// InsertManyOutput reports every batch. Batches after a failed one are not
// attempted.
type InsertManyOutput struct {
	Success      bool      `json:"success"`
	RowsInserted int64     `json:"rows_inserted"`
	Batches      []*Result `json:"batches"`
	Error        string    `json:"error,omitempty"`
}

func (o *InsertManyOutput) toolError() string { return o.Error }

// UpdateInput changes rows matching Where. Where is required.
type UpdateInput struct {
	Connection string         `json:"connection"`
	Schema     string         `json:"schema"`
	Table      string         `json:"table"`
	Data       map[string]any `json:"data"`
	Where      string         `json:"where"`
	Params     []any          `json:"params"`
}

// DeleteInput removes rows matching Where. Where is required.
type DeleteInput struct {
	Connection string `json:"connection"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	Where      string `json:"where"`
	Params     []any  `json:"params"`
}

// MergeInput upserts rows of a source table into a target table matched on
// the On columns.
type MergeInput struct {
	Connection    string   `json:"connection"`
	Schema        string   `json:"schema"`
	Table         string   `json:"table"`
	SourceSchema  string   `json:"source_schema"`
	SourceTable   string   `json:"source_table"`
	On            []string `json:"on"`
	UpdateColumns []string `json:"update_columns"`
	InsertColumns []string `json:"insert_columns"`
}

// SelectData reads a page of rows from a table.
func (p *OracleMcp) SelectData(ctx context.Context, in SelectInput) *Result {
	base := DispatchInput{Kind: security.KindSelect, Resource: "select_data", Connection: in.Connection}
	_, table, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}

	cols := "*"
	if len(in.Columns) > 0 {
		names, err := normalizeAll(in.Columns)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		cols = strings.Join(names, ", ")
	}

	inner := fmt.Sprintf("SELECT %s FROM %s", cols, table)
	if w := strings.TrimSpace(in.Where); w != "" {
		inner += " WHERE " + w
	}
	if o := strings.TrimSpace(in.OrderBy); o != "" {
		order, err := orderBy(o)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		inner += " ORDER BY " + order
	}

	limit, offset := p.page(in.Limit, in.Offset)
	q, pageArgs := paginate(inner, limit, offset, len(in.Params)+1)
	base.Query = q
	base.Params = append(bindAll(in.Params), pageArgs...)
	return dropRowNum(p.Dispatch(ctx, base))
}

// orderBy validates a comma-separated ORDER BY list of plain columns.
func orderBy(s string) (string, error) {
	var items []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Join(strings.Fields(part), " ")
		m := orderByItemRe.FindStringSubmatch(part)
		if m == nil {
			return "", errs.Validation(RuleInvalidOrderBy, fmt.Sprintf("order_by item %q must be a column name optionally followed by ASC or DESC", part))
		}
		if err := security.ValidateIdentifier(m[1]); err != nil {
			return "", err
		}
		items = append(items, strings.ToUpper(part))
	}
	return strings.Join(items, ", "), nil
}

func bindAll(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = bindValue(v)
	}
	return out
}

// InsertData inserts one row.
func (p *OracleMcp) InsertData(ctx context.Context, in InsertInput) *Result {
	base := DispatchInput{Kind: security.KindInsert, Resource: "insert_data", Connection: in.Connection}
	_, table, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if len(in.Data) == 0 {
		return p.reject(ctx, base, errs.Validation(RuleEmptyData, "data must name at least one column"))
	}
	cols, vals, err := sortedColumns(in.Data)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	base.Query = insertSQL(table, cols)
	base.Params = vals
	return p.Dispatch(ctx, base)
}

func insertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(binds(1, len(cols)), ", "))
}

// InsertMany inserts rows in batches of BatchSize. The whole request must fit
// within max_rows_affected.
func (p *OracleMcp) InsertMany(ctx context.Context, in InsertManyInput) *InsertManyOutput {
	out := &InsertManyOutput{}
	base := DispatchInput{Kind: security.KindInsert, Resource: "insert_many", Connection: in.Connection}
	failWith := func(err error) *InsertManyOutput {
		r := p.reject(ctx, base, err)
		out.Batches = append(out.Batches, r)
		out.Error = r.Error
		return out
	}

	_, table, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return failWith(err)
	}
	if len(in.Rows) == 0 {
		return failWith(errs.Validation(RuleEmptyData, "rows must contain at least one row"))
	}
	if err := p.validator.ValidateRowsAffected(len(in.Rows)); err != nil {
		return failWith(err)
	}

	// Union of keys across rows, by normalized name.
	keyOf := make(map[string]string)
	for _, row := range in.Rows {
		for k := range row {
			c, err := security.NormalizeIdentifier(k)
			if err != nil {
				return failWith(err)
			}
			if prev, ok := keyOf[c]; ok && prev != k {
				return failWith(errs.Validation(security.RuleInvalidIdentifier, fmt.Sprintf("columns %q and %q name the same column", prev, k)))
			}
			keyOf[c] = k
		}
	}
	cols := make([]string, 0, len(keyOf))
	for c := range keyOf {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		return failWith(errs.Validation(RuleEmptyData, "rows must name at least one column"))
	}

	batch := make([][]any, len(in.Rows))
	for i, row := range in.Rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			vals[j] = bindValue(row[keyOf[c]])
		}
		batch[i] = vals
	}

	size := in.BatchSize
	if size <= 0 {
		size = DefaultInsertBatchSize
	}
	base.Query = insertSQL(table, cols)
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		di := base
		di.Batch = batch[start:end]
		r := p.Dispatch(ctx, di)
		out.Batches = append(out.Batches, r)
		if !r.Success {
			out.Error = fmt.Sprintf("batch %d (rows %d-%d) failed after %d row(s) were inserted: %s",
				len(out.Batches), start+1, end, out.RowsInserted, r.Error)
			return out
		}
		out.RowsInserted += r.RowsAffected
	}
	out.Success = true
	return out
}

// UpdateData sets columns on rows matching Where.
func (p *OracleMcp) UpdateData(ctx context.Context, in UpdateInput) *Result {
	base := DispatchInput{Kind: security.KindUpdate, Resource: "update_data", Connection: in.Connection}
	_, table, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if len(in.Data) == 0 {
		return p.reject(ctx, base, errs.Validation(RuleEmptyData, "data must name at least one column"))
	}
	where := strings.TrimSpace(in.Where)
	if where == "" {
		return p.reject(ctx, base, errs.Validation(security.RuleMissingWhere, "update_data requires a where condition"))
	}
	cols, vals, err := sortedColumns(in.Data)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	sets := make([]string, len(cols))
	for i, b := range binds(1, len(cols)) {
		sets[i] = cols[i] + " = " + b
	}
	base.Query = fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	base.Params = append(vals, bindAll(in.Params)...)
	return p.Dispatch(ctx, base)
}

// DeleteData removes rows matching Where.
func (p *OracleMcp) DeleteData(ctx context.Context, in DeleteInput) *Result {
	base := DispatchInput{Kind: security.KindDelete, Resource: "delete_data", Connection: in.Connection}
	_, table, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	where := strings.TrimSpace(in.Where)
	if where == "" {
		return p.reject(ctx, base, errs.Validation(security.RuleMissingWhere, "delete_data requires a where condition"))
	}
	base.Query = fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	base.Params = bindAll(in.Params)
	return p.Dispatch(ctx, base)
}

// MergeData upserts a source table into a target table.
func (p *OracleMcp) MergeData(ctx context.Context, in MergeInput) *Result {
	base := DispatchInput{Kind: security.KindUpdate, Resource: "merge_data", Connection: in.Connection}
	_, target, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	_, source, err := p.qualifiedName(in.Connection, in.SourceSchema, in.SourceTable)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if len(in.On) == 0 {
		return p.reject(ctx, base, errs.Validation(RuleMissingMergeKey, "merge_data requires at least one on column"))
	}
	if len(in.UpdateColumns) == 0 && len(in.InsertColumns) == 0 {
		return p.reject(ctx, base, errs.Validation(RuleEmptyData, "merge_data requires update_columns or insert_columns"))
	}
	keys, err := normalizeAll(in.On)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	updates, err := normalizeAll(in.UpdateColumns)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	inserts, err := normalizeAll(in.InsertColumns)
	if err != nil {
		return p.reject(ctx, base, err)
	}

	isKey := make(map[string]bool, len(keys))
	conds := make([]string, len(keys))
	for i, k := range keys {
		isKey[k] = true
		conds[i] = fmt.Sprintf("T.%s = S.%s", k, k)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s T USING %s S ON (%s)", target, source, strings.Join(conds, " AND "))
	if len(updates) > 0 {
		sets := make([]string, len(updates))
		for i, c := range updates {
			if isKey[c] {
				return p.reject(ctx, base, errs.Validation(RuleMergeKeyUpdated, fmt.Sprintf("column %s is a merge key and cannot be updated", c)))
			}
			sets[i] = fmt.Sprintf("T.%s = S.%s", c, c)
		}
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	if len(inserts) > 0 {
		vals := make([]string, len(inserts))
		for i, c := range inserts {
			vals[i] = "S." + c
		}
		fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(inserts, ", "), strings.Join(vals, ", "))
	}
	base.Query = b.String()
	return p.Dispatch(ctx, base)
}
