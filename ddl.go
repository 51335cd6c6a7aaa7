package oramcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// Validation rules raised by the DDL tools.
const (
	RuleInvalidColumnType = "invalid_column_type"
	RuleInvalidDefault    = "invalid_default"
	RuleUnknownAction     = "unknown_action"
	RuleMissingColumns    = "missing_columns"
	RuleInvalidConstraint = "invalid_constraint"
	RuleInvalidSequence   = "invalid_sequence"
)

var columnTypeRes = []*regexp.Regexp{
	regexp.MustCompile(`^(VARCHAR2|NVARCHAR2|CHAR|NCHAR|RAW)\(\d{1,5}( (BYTE|CHAR))?\)$`),
	regexp.MustCompile(`^NUMBER(\((\d{1,2}|\*)(,-?\d{1,3})?\))?$`),
	regexp.MustCompile(`^FLOAT(\(\d{1,3}\))?$`),
	regexp.MustCompile(`^TIMESTAMP(\(\d\))?( WITH( LOCAL)? TIME ZONE)?$`),
	regexp.MustCompile(`^INTERVAL (YEAR(\(\d\))? TO MONTH|DAY(\(\d\))? TO SECOND(\(\d\))?)$`),
	regexp.MustCompile(`^(DATE|CLOB|NCLOB|BLOB|BFILE|LONG|LONG RAW|ROWID|UROWID|INTEGER|INT|SMALLINT|BINARY_FLOAT|BINARY_DOUBLE|XMLTYPE)$`),
}

var (
	spaceRe   = regexp.MustCompile(`\s+`)
	defaultRe = regexp.MustCompile(`(?i)^(-?\d+(\.\d+)?|'[^';]*'|SYSDATE|SYSTIMESTAMP|CURRENT_DATE|CURRENT_TIMESTAMP|NULL|USER)$`)
)

// columnType normalizes and checks an Oracle column type.
func columnType(t string) (string, error) {
	norm := strings.ToUpper(strings.TrimSpace(spaceRe.ReplaceAllString(t, " ")))
	norm = strings.ReplaceAll(strings.ReplaceAll(norm, " (", "("), ", ", ",")
	for _, re := range columnTypeRes {
		if re.MatchString(norm) {
			return norm, nil
		}
	}
	return "", errs.Validation(RuleInvalidColumnType, fmt.Sprintf("unsupported column type %q", t))
}

func defaultValue(v string) (string, error) {
	v = strings.TrimSpace(v)
	if !defaultRe.MatchString(v) {
		return "", errs.Validation(RuleInvalidDefault,
			fmt.Sprintf("default %q must be a number, a quoted string, NULL, USER, SYSDATE, SYSTIMESTAMP, CURRENT_DATE or CURRENT_TIMESTAMP", v))
	}
	if strings.HasPrefix(v, "'") {
		return v, nil
	}
	return strings.ToUpper(v), nil
}

// ColumnDef describes one column. Nullable defaults to true.
type ColumnDef struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   *bool  `json:"nullable"`
	Default    string `json:"default"`
	PrimaryKey bool   `json:"primary_key"`
}

func (c ColumnDef) sql() (string, string, error) {
	name, err := security.NormalizeIdentifier(c.Name)
	if err != nil {
		return "", "", err
	}
	typ, err := columnType(c.Type)
	if err != nil {
		return "", "", err
	}
	def := name + " " + typ
	if c.Default != "" {
		d, err := defaultValue(c.Default)
		if err != nil {
			return "", "", err
		}
		def += " DEFAULT " + d
	}
	if (c.Nullable != nil && !*c.Nullable) || c.PrimaryKey {
		def += " NOT NULL"
	}
	return name, def, nil
}

// ConstraintDef describes a table constraint. Type is PRIMARY KEY, UNIQUE,
// CHECK or FOREIGN KEY.
type ConstraintDef struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Columns           []string `json:"columns"`
	Condition         string   `json:"condition"`
	ReferencedSchema  string   `json:"referenced_schema"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
}

func (p *OracleMcp) constraintSQL(connection string, c ConstraintDef) (string, error) {
	name, err := security.NormalizeIdentifier(c.Name)
	if err != nil {
		return "", err
	}
	cols, err := normalizeAll(c.Columns)
	if err != nil {
		return "", err
	}
	typ := strings.ToUpper(strings.Join(strings.Fields(strings.ReplaceAll(c.Type, "_", " ")), " "))
	needCols := func() error {
		if len(cols) == 0 {
			return errs.Validation(RuleInvalidConstraint, fmt.Sprintf("%s constraint %s needs columns", typ, name))
		}
		return nil
	}
	switch typ {
	case "PRIMARY KEY", "UNIQUE":
		if err := needCols(); err != nil {
			return "", err
		}
		return fmt.Sprintf("CONSTRAINT %s %s (%s)", name, typ, strings.Join(cols, ", ")), nil
	case "CHECK":
		cond := strings.TrimSpace(c.Condition)
		if cond == "" {
			return "", errs.Validation(RuleInvalidConstraint, fmt.Sprintf("CHECK constraint %s needs a condition", name))
		}
		return fmt.Sprintf("CONSTRAINT %s CHECK (%s)", name, cond), nil
	case "FOREIGN KEY":
		if err := needCols(); err != nil {
			return "", err
		}
		_, ref, err := p.qualifiedName(connection, c.ReferencedSchema, c.ReferencedTable)
		if err != nil {
			return "", err
		}
		refCols, err := normalizeAll(c.ReferencedColumns)
		if err != nil {
			return "", err
		}
		if len(refCols) != len(cols) {
			return "", errs.Validation(RuleInvalidConstraint,
				fmt.Sprintf("FOREIGN KEY constraint %s has %d columns but references %d", name, len(cols), len(refCols)))
		}
		return fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			name, strings.Join(cols, ", "), ref, strings.Join(refCols, ", ")), nil
	default:
		return "", errs.Validation(RuleInvalidConstraint, fmt.Sprintf("unknown constraint type %q", c.Type))
	}
}

// CreateTableInput creates a table. With IfNotExists an existing table is
// reported instead of failing.
type CreateTableInput struct {
	Connection  string          `json:"connection"`
	Schema      string          `json:"schema"`
	Table       string          `json:"table"`
	Columns     []ColumnDef     `json:"columns"`
	Constraints []ConstraintDef `json:"constraints"`
	Tablespace  string          `json:"tablespace"`
	IfNotExists bool            `json:"if_not_exists"`
}

// AlterTableInput changes one aspect of a table. Action is ADD, MODIFY, DROP,
// RENAME (columns), ADD_CONSTRAINT or DROP_CONSTRAINT.
type AlterTableInput struct {
	Connection     string         `json:"connection"`
	Schema         string         `json:"schema"`
	Table          string         `json:"table"`
	Action         string         `json:"action"`
	Column         *ColumnDef     `json:"column"`
	ColumnName     string         `json:"column_name"`
	NewName        string         `json:"new_name"`
	Constraint     *ConstraintDef `json:"constraint"`
	ConstraintName string         `json:"constraint_name"`
}

// DropTableInput drops a table.
type DropTableInput struct {
	Connection string `json:"connection"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	Cascade    bool   `json:"cascade"`
	Purge      bool   `json:"purge"`
	IfExists   bool   `json:"if_exists"`
}

// CreateIndexInput creates an index on a table in the same schema.
type CreateIndexInput struct {
	Connection  string   `json:"connection"`
	Schema      string   `json:"schema"`
	Name        string   `json:"name"`
	Table       string   `json:"table"`
	Columns     []string `json:"columns"`
	Unique      bool     `json:"unique"`
	Tablespace  string   `json:"tablespace"`
	IfNotExists bool     `json:"if_not_exists"`
}

// DropObjectInput drops an index or a sequence.
type DropObjectInput struct {
	Connection string `json:"connection"`
	Schema     string `json:"schema"`
	Name       string `json:"name"`
	IfExists   bool   `json:"if_exists"`
}

// CreateSequenceInput creates a sequence. Unset bounds use Oracle defaults;
// Cache below 2 means NOCACHE.
type CreateSequenceInput struct {
	Connection  string `json:"connection"`
	Schema      string `json:"schema"`
	Name        string `json:"name"`
	Start       *int64 `json:"start"`
	Increment   *int64 `json:"increment"`
	Min         *int64 `json:"min"`
	Max         *int64 `json:"max"`
	Cache       *int   `json:"cache"`
	Cycle       bool   `json:"cycle"`
	IfNotExists bool   `json:"if_not_exists"`
}

const objectExistsSQL = `SELECT COUNT(*) AS OBJECT_COUNT
  FROM dba_objects
 WHERE owner = :1 AND object_name = :2 AND object_type = :3`

// objectExists checks the dictionary for an object. The check is itself
// dispatched; a failed check is returned as the result.
func (p *OracleMcp) objectExists(ctx context.Context, resource, connection, schema, name, objectType string) (bool, *Result) {
	r := p.Dispatch(ctx, DispatchInput{
		Kind:       security.KindSelect,
		Resource:   resource,
		Connection: connection,
		Query:      objectExistsSQL,
		Params:     []any{schema, name, objectType},
		Schemas:    []string{schema},
	})
	if !r.Success {
		return false, r
	}
	return len(r.Rows) > 0 && toInt(r.Rows[0]["OBJECT_COUNT"]) > 0, r
}

// skipped turns an existence check into the result of a no-op.
func skipped(r *Result, msg string) *Result {
	r.Columns = nil
	r.Rows = nil
	r.Message = msg
	return r
}

func (p *OracleMcp) ddl(ctx context.Context, base DispatchInput, query, okMessage string) *Result {
	base.Query = query
	r := p.Dispatch(ctx, base)
	if r.Success {
		r.Message = okMessage
	}
	return r
}

// CreateTable creates a table from column and constraint definitions.
func (p *OracleMcp) CreateTable(ctx context.Context, in CreateTableInput) *Result {
	base := DispatchInput{Kind: security.KindDDL, Resource: "create_table", Connection: in.Connection}
	schema, table, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if len(in.Columns) == 0 {
		return p.reject(ctx, base, errs.Validation(RuleMissingColumns, "create_table requires at least one column"))
	}

	var defs, pk []string
	for _, c := range in.Columns {
		name, def, err := c.sql()
		if err != nil {
			return p.reject(ctx, base, err)
		}
		defs = append(defs, def)
		if c.PrimaryKey {
			pk = append(pk, name)
		}
	}
	if len(pk) > 0 {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)", pkName(bareName(table)), strings.Join(pk, ", ")))
	}
	for _, c := range in.Constraints {
		def, err := p.constraintSQL(in.Connection, c)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		defs = append(defs, def)
	}

	q := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
	if in.Tablespace != "" {
		ts, err := security.NormalizeIdentifier(in.Tablespace)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		q += " TABLESPACE " + ts
	}

	if in.IfNotExists {
		exists, r := p.objectExists(ctx, "create_table", in.Connection, schema, bareName(table), "TABLE")
		if !r.Success {
			return r
		}
		if exists {
			return skipped(r, fmt.Sprintf("table %s already exists; nothing to do", table))
		}
	}
	return p.ddl(ctx, base, q, fmt.Sprintf("table %s created", table))
}

// bareName strips the schema from SCHEMA.NAME.
func bareName(qualified string) string {
	return qualified[strings.IndexByte(qualified, '.')+1:]
}

// pkName derives a primary key constraint name within the identifier limit.
func pkName(table string) string {
	const suffix = "_PK"
	if len(table)+len(suffix) > security.MaxIdentifierLength {
		table = table[:security.MaxIdentifierLength-len(suffix)]
	}
	return table + suffix
}

// AlterTable applies a single column or constraint change.
func (p *OracleMcp) AlterTable(ctx context.Context, in AlterTableInput) *Result {
	base := DispatchInput{Kind: security.KindDDL, Resource: "alter_table", Connection: in.Connection}
	_, table, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}

	action := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(in.Action)), "_COLUMN")
	var clause string
	switch action {
	case "ADD", "MODIFY":
		if in.Column == nil {
			return p.reject(ctx, base, errs.Validation(RuleMissingColumns, action+" requires a column definition"))
		}
		_, def, err := in.Column.sql()
		if err != nil {
			return p.reject(ctx, base, err)
		}
		clause = action + " " + def
		if action == "MODIFY" && in.Column.Nullable != nil && *in.Column.Nullable {
			// Lifts an existing NOT NULL constraint.
			clause += " NULL"
		}
	case "DROP", "RENAME":
		col, err := security.NormalizeIdentifier(in.ColumnName)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		clause = "DROP COLUMN " + col
		if action == "RENAME" {
			to, err := security.NormalizeIdentifier(in.NewName)
			if err != nil {
				return p.reject(ctx, base, err)
			}
			clause = fmt.Sprintf("RENAME COLUMN %s TO %s", col, to)
		}
	case "ADD_CONSTRAINT":
		if in.Constraint == nil {
			return p.reject(ctx, base, errs.Validation(RuleInvalidConstraint, "ADD_CONSTRAINT requires a constraint definition"))
		}
		def, err := p.constraintSQL(in.Connection, *in.Constraint)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		clause = "ADD " + def
	case "DROP_CONSTRAINT":
		name, err := security.NormalizeIdentifier(in.ConstraintName)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		clause = "DROP CONSTRAINT " + name
	default:
		return p.reject(ctx, base, errs.Validation(RuleUnknownAction,
			fmt.Sprintf("unknown alter_table action %q; use ADD, MODIFY, DROP, RENAME, ADD_CONSTRAINT or DROP_CONSTRAINT", in.Action)))
	}
	return p.ddl(ctx, base, fmt.Sprintf("ALTER TABLE %s %s", table, clause), fmt.Sprintf("table %s altered", table))
}

// DropTable drops a table, optionally with its referencing constraints and
// bypassing the recycle bin.
func (p *OracleMcp) DropTable(ctx context.Context, in DropTableInput) *Result {
	base := DispatchInput{Kind: security.KindDDL, Resource: "drop_table", Connection: in.Connection}
	schema, table, err := p.qualifiedName(in.Connection, in.Schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if in.IfExists {
		exists, r := p.objectExists(ctx, "drop_table", in.Connection, schema, bareName(table), "TABLE")
		if !r.Success {
			return r
		}
		if !exists {
			return skipped(r, fmt.Sprintf("table %s does not exist; nothing to do", table))
		}
	}
	q := "DROP TABLE " + table
	if in.Cascade {
		q += " CASCADE CONSTRAINTS"
	}
	if in.Purge {
		q += " PURGE"
	}
	return p.ddl(ctx, base, q, fmt.Sprintf("table %s dropped", table))
}

// CreateIndex creates an index on columns of a table.
func (p *OracleMcp) CreateIndex(ctx context.Context, in CreateIndexInput) *Result {
	base := DispatchInput{Kind: security.KindDDL, Resource: "create_index", Connection: in.Connection}
	schema, index, err := p.qualifiedName(in.Connection, in.Schema, in.Name)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	_, table, err := p.qualifiedName(in.Connection, schema, in.Table)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if len(in.Columns) == 0 {
		return p.reject(ctx, base, errs.Validation(RuleMissingColumns, "create_index requires at least one column"))
	}
	var cols []string
	for _, c := range in.Columns {
		// Columns may carry a sort direction.
		item, err := orderBy(c)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		cols = append(cols, item)
	}
	unique := ""
	if in.Unique {
		unique = "UNIQUE "
	}
	q := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, index, table, strings.Join(cols, ", "))
	if in.Tablespace != "" {
		ts, err := security.NormalizeIdentifier(in.Tablespace)
		if err != nil {
			return p.reject(ctx, base, err)
		}
		q += " TABLESPACE " + ts
	}
	if in.IfNotExists {
		exists, r := p.objectExists(ctx, "create_index", in.Connection, schema, bareName(index), "INDEX")
		if !r.Success {
			return r
		}
		if exists {
			return skipped(r, fmt.Sprintf("index %s already exists; nothing to do", index))
		}
	}
	return p.ddl(ctx, base, q, fmt.Sprintf("index %s created", index))
}

// DropIndex drops an index.
func (p *OracleMcp) DropIndex(ctx context.Context, in DropObjectInput) *Result {
	return p.dropObject(ctx, "drop_index", "INDEX", in)
}

// DropSequence drops a sequence.
func (p *OracleMcp) DropSequence(ctx context.Context, in DropObjectInput) *Result {
	return p.dropObject(ctx, "drop_sequence", "SEQUENCE", in)
}

func (p *OracleMcp) dropObject(ctx context.Context, resource, objectType string, in DropObjectInput) *Result {
	base := DispatchInput{Kind: security.KindDDL, Resource: resource, Connection: in.Connection}
	schema, name, err := p.qualifiedName(in.Connection, in.Schema, in.Name)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if in.IfExists {
		exists, r := p.objectExists(ctx, resource, in.Connection, schema, bareName(name), objectType)
		if !r.Success {
			return r
		}
		if !exists {
			return skipped(r, fmt.Sprintf("%s %s does not exist; nothing to do", strings.ToLower(objectType), name))
		}
	}
	return p.ddl(ctx, base, fmt.Sprintf("DROP %s %s", objectType, name),
		fmt.Sprintf("%s %s dropped", strings.ToLower(objectType), name))
}

// CreateSequence creates a sequence.
func (p *OracleMcp) CreateSequence(ctx context.Context, in CreateSequenceInput) *Result {
	base := DispatchInput{Kind: security.KindDDL, Resource: "create_sequence", Connection: in.Connection}
	schema, name, err := p.qualifiedName(in.Connection, in.Schema, in.Name)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if in.Increment != nil && *in.Increment == 0 {
		return p.reject(ctx, base, errs.Validation(RuleInvalidSequence, "increment must not be zero"))
	}
	if in.Min != nil && in.Max != nil && *in.Min >= *in.Max {
		return p.reject(ctx, base, errs.Validation(RuleInvalidSequence, "min must be less than max"))
	}

	parts := []string{"CREATE SEQUENCE " + name}
	if in.Start != nil {
		parts = append(parts, fmt.Sprintf("START WITH %d", *in.Start))
	}
	if in.Increment != nil {
		parts = append(parts, fmt.Sprintf("INCREMENT BY %d", *in.Increment))
	}
	if in.Min != nil {
		parts = append(parts, fmt.Sprintf("MINVALUE %d", *in.Min))
	}
	if in.Max != nil {
		parts = append(parts, fmt.Sprintf("MAXVALUE %d", *in.Max))
	} else {
		parts = append(parts, "NOMAXVALUE")
	}
	switch {
	case in.Cache == nil:
	case *in.Cache < 2:
		parts = append(parts, "NOCACHE")
	default:
		parts = append(parts, fmt.Sprintf("CACHE %d", *in.Cache))
	}
	if in.Cycle {
		parts = append(parts, "CYCLE")
	} else {
		parts = append(parts, "NOCYCLE")
	}

	if in.IfNotExists {
		exists, r := p.objectExists(ctx, "create_sequence", in.Connection, schema, bareName(name), "SEQUENCE")
		if !r.Success {
			return r
		}
		if exists {
			return skipped(r, fmt.Sprintf("sequence %s already exists; nothing to do", name))
		}
	}
	return p.ddl(ctx, base, strings.Join(parts, " "), fmt.Sprintf("sequence %s created", name))
}
