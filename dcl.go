package oramcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// Validation rules raised by the DCL tools.
const (
	RuleInvalidPassword  = "invalid_password"
	RuleInvalidPrivilege = "invalid_privilege"
	RuleInvalidQuota     = "invalid_quota"
)

// MinPasswordLength is the shortest password create_user accepts.
const MinPasswordLength = 8

var (
	// Passwords are quoted identifiers: no quotes, no separators the
	// statement checks would read as structure.
	passwordRe  = regexp.MustCompile(`^[A-Za-z0-9_#$!%^&*+=:@~]+$`)
	quotaRe     = regexp.MustCompile(`(?i)^(UNLIMITED|\d{1,9}[KMGT]?)$`)
	sysPrivRe   = regexp.MustCompile(`^(CREATE|ALTER|DROP|SELECT|INSERT|UPDATE|DELETE|EXECUTE|UNLIMITED)( ANY)?( [A-Z]+){1,2}$`)
	objectPrivs = map[string]bool{
		"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true, "EXECUTE": true,
		"ALTER": true, "INDEX": true, "REFERENCES": true, "ALL": true,
	}
	grantableRoles = map[string]bool{
		"CONNECT": true, "RESOURCE": true, "DBA": true, "SYSDBA": true, "SYSOPER": true,
	}
)

// UserInput creates or alters a user. For alter_user every field except
// Username is optional; Lock and ExpirePassword only apply there.
type UserInput struct {
	Connection          string `json:"connection"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	DefaultTablespace   string `json:"default_tablespace"`
	TemporaryTablespace string `json:"temporary_tablespace"`
	Quota               string `json:"quota"`
	QuotaTablespace     string `json:"quota_tablespace"`
	Profile             string `json:"profile"`
	Lock                *bool  `json:"lock"`
	ExpirePassword      bool   `json:"expire_password"`
}

// DropUserInput drops a user, optionally with every object it owns.
type DropUserInput struct {
	Connection string `json:"connection"`
	Username   string `json:"username"`
	Cascade    bool   `json:"cascade"`
	IfExists   bool   `json:"if_exists"`
}

// PrivilegesInput grants or revokes privileges. With OnObject (OBJECT or
// SCHEMA.OBJECT) only object privileges are accepted; without it, system
// privileges and the standard roles.
type PrivilegesInput struct {
	Connection      string   `json:"connection"`
	Privileges      []string `json:"privileges"`
	OnObject        string   `json:"on_object"`
	Grantee         string   `json:"grantee"`
	WithGrantOption bool     `json:"with_grant_option"`
	WithAdminOption bool     `json:"with_admin_option"`
}

// RoleInput creates, drops, grants or revokes a role. Password makes a
// created role password-protected.
type RoleInput struct {
	Connection      string `json:"connection"`
	Role            string `json:"role"`
	Password        string `json:"password"`
	Grantee         string `json:"grantee"`
	WithAdminOption bool   `json:"with_admin_option"`
}

func validatePassword(pw string) error {
	if len(pw) < MinPasswordLength {
		return errs.Validation(RuleInvalidPassword, fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if len(pw) > security.MaxIdentifierLength {
		return errs.Validation(RuleInvalidPassword, fmt.Sprintf("password must be at most %d characters", security.MaxIdentifierLength))
	}
	if !passwordRe.MatchString(pw) {
		return errs.Validation(RuleInvalidPassword, "password may contain only letters, digits and _ # $ ! % ^ & * + = : @ ~")
	}
	return nil
}

// principal normalizes a user or role name and refuses the blocked schemas.
func (p *OracleMcp) principal(name string) (string, error) {
	n, err := security.NormalizeIdentifier(strings.TrimSpace(name))
	if err != nil {
		return "", err
	}
	for _, b := range p.validator.Policy().BlockedSchemas {
		if strings.EqualFold(b, n) {
			return "", errs.Validation(security.RuleBlockedSchema, fmt.Sprintf("account %s is blocked", n))
		}
	}
	return n, nil
}

func (p *OracleMcp) grantee(name string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(name), "PUBLIC") {
		return "PUBLIC", nil
	}
	return p.principal(name)
}

func dcl(resource, connection string) DispatchInput {
	return DispatchInput{Kind: security.KindDCL, Resource: resource, Connection: connection}
}

// userClauses renders the tablespace, quota and profile clauses shared by
// create_user and alter_user.
func userClauses(in UserInput) ([]string, error) {
	var out []string
	if in.DefaultTablespace != "" {
		ts, err := security.NormalizeIdentifier(in.DefaultTablespace)
		if err != nil {
			return nil, err
		}
		out = append(out, "DEFAULT TABLESPACE "+ts)
	}
	if in.TemporaryTablespace != "" {
		ts, err := security.NormalizeIdentifier(in.TemporaryTablespace)
		if err != nil {
			return nil, err
		}
		out = append(out, "TEMPORARY TABLESPACE "+ts)
	}
	if in.Quota != "" {
		if !quotaRe.MatchString(in.Quota) {
			return nil, errs.Validation(RuleInvalidQuota, fmt.Sprintf("quota %q must be UNLIMITED or a size such as 100M", in.Quota))
		}
		tsName := in.QuotaTablespace
		if tsName == "" {
			tsName = in.DefaultTablespace
		}
		ts, err := security.NormalizeIdentifier(tsName)
		if err != nil {
			return nil, errs.Validation(RuleInvalidQuota, "quota requires quota_tablespace or default_tablespace")
		}
		out = append(out, fmt.Sprintf("QUOTA %s ON %s", strings.ToUpper(in.Quota), ts))
	}
	if in.Profile != "" {
		pr, err := security.NormalizeIdentifier(in.Profile)
		if err != nil {
			return nil, err
		}
		out = append(out, "PROFILE "+pr)
	}
	return out, nil
}

// CreateUser creates a database user.
func (p *OracleMcp) CreateUser(ctx context.Context, in UserInput) *Result {
	base := dcl("create_user", in.Connection)
	user, err := p.principal(in.Username)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if err := validatePassword(in.Password); err != nil {
		return p.reject(ctx, base, err)
	}
	clauses, err := userClauses(in)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	q := fmt.Sprintf(`CREATE USER %s IDENTIFIED BY "%s"`, user, in.Password)
	if len(clauses) > 0 {
		q += " " + strings.Join(clauses, " ")
	}
	return p.ddl(ctx, base, q, fmt.Sprintf("user %s created", user))
}

// AlterUser changes a user's password, lock state, tablespaces, quota or
// profile.
func (p *OracleMcp) AlterUser(ctx context.Context, in UserInput) *Result {
	base := dcl("alter_user", in.Connection)
	user, err := p.principal(in.Username)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	var clauses []string
	if in.Password != "" {
		if err := validatePassword(in.Password); err != nil {
			return p.reject(ctx, base, err)
		}
		clauses = append(clauses, fmt.Sprintf(`IDENTIFIED BY "%s"`, in.Password))
	}
	rest, err := userClauses(in)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	clauses = append(clauses, rest...)
	if in.ExpirePassword {
		clauses = append(clauses, "PASSWORD EXPIRE")
	}
	if in.Lock != nil {
		if *in.Lock {
			clauses = append(clauses, "ACCOUNT LOCK")
		} else {
			clauses = append(clauses, "ACCOUNT UNLOCK")
		}
	}
	if len(clauses) == 0 {
		return p.reject(ctx, base, errs.Validation(RuleEmptyData, "alter_user requires at least one change"))
	}
	return p.ddl(ctx, base, fmt.Sprintf("ALTER USER %s %s", user, strings.Join(clauses, " ")), fmt.Sprintf("user %s altered", user))
}

const userExistsSQL = `SELECT COUNT(*) AS OBJECT_COUNT FROM dba_users WHERE username = :1`

// DropUser drops a user.
func (p *OracleMcp) DropUser(ctx context.Context, in DropUserInput) *Result {
	base := dcl("drop_user", in.Connection)
	user, err := p.principal(in.Username)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	if in.IfExists {
		r := p.selectQuery(ctx, in.Connection, "drop_user", userExistsSQL, user)
		if !r.Success {
			return r
		}
		if len(r.Rows) == 0 || toInt(r.Rows[0]["OBJECT_COUNT"]) == 0 {
			return skipped(r, fmt.Sprintf("user %s does not exist; nothing to do", user))
		}
	}
	q := "DROP USER " + user
	if in.Cascade {
		q += " CASCADE"
	}
	return p.ddl(ctx, base, q, fmt.Sprintf("user %s dropped", user))
}

// privileges normalizes a privilege list for an object or system grant.
func privileges(list []string, onObject bool) ([]string, error) {
	if len(list) == 0 {
		return nil, errs.Validation(RuleInvalidPrivilege, "at least one privilege is required")
	}
	out := make([]string, len(list))
	for i, raw := range list {
		priv := strings.ToUpper(strings.Join(strings.Fields(raw), " "))
		switch {
		case onObject && objectPrivs[priv]:
		case !onObject && (grantableRoles[priv] || priv == "CREATE SESSION" || sysPrivRe.MatchString(priv)):
		case onObject:
			return nil, errs.Validation(RuleInvalidPrivilege, fmt.Sprintf("%q is not an object privilege", raw))
		default:
			return nil, errs.Validation(RuleInvalidPrivilege, fmt.Sprintf("%q is not a known system privilege or role", raw))
		}
		out[i] = priv
	}
	return out, nil
}

// object resolves OBJECT or SCHEMA.OBJECT.
func (p *OracleMcp) object(connection, ref string) (string, error) {
	schema, name, ok := strings.Cut(strings.TrimSpace(ref), ".")
	if !ok {
		schema, name = "", schema
	}
	_, full, err := p.qualifiedName(connection, schema, name)
	return full, err
}

// privilegeStatement renders GRANT ... TO or REVOKE ... FROM.
func (p *OracleMcp) privilegeStatement(verb string, in PrivilegesInput) (string, error) {
	onObject := strings.TrimSpace(in.OnObject) != ""
	privs, err := privileges(in.Privileges, onObject)
	if err != nil {
		return "", err
	}
	grantee, err := p.grantee(in.Grantee)
	if err != nil {
		return "", err
	}
	q := verb + " " + strings.Join(privs, ", ")
	if onObject {
		obj, err := p.object(in.Connection, in.OnObject)
		if err != nil {
			return "", err
		}
		q += " ON " + obj
	}
	if verb == "REVOKE" {
		return q + " FROM " + grantee, nil
	}
	q += " TO " + grantee
	switch {
	case onObject && in.WithGrantOption:
		q += " WITH GRANT OPTION"
	case !onObject && in.WithAdminOption:
		q += " WITH ADMIN OPTION"
	}
	return q, nil
}

// GrantPrivileges grants object or system privileges.
func (p *OracleMcp) GrantPrivileges(ctx context.Context, in PrivilegesInput) *Result {
	base := dcl("grant_privileges", in.Connection)
	q, err := p.privilegeStatement("GRANT", in)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	return p.ddl(ctx, base, q, "privileges granted")
}

// RevokePrivileges revokes object or system privileges.
func (p *OracleMcp) RevokePrivileges(ctx context.Context, in PrivilegesInput) *Result {
	base := dcl("revoke_privileges", in.Connection)
	q, err := p.privilegeStatement("REVOKE", in)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	return p.ddl(ctx, base, q, "privileges revoked")
}

// CreateRole creates a role, password-protected when Password is set.
func (p *OracleMcp) CreateRole(ctx context.Context, in RoleInput) *Result {
	base := dcl("create_role", in.Connection)
	role, err := p.principal(in.Role)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	q := "CREATE ROLE " + role
	if in.Password != "" {
		if err := validatePassword(in.Password); err != nil {
			return p.reject(ctx, base, err)
		}
		q += fmt.Sprintf(` IDENTIFIED BY "%s"`, in.Password)
	}
	return p.ddl(ctx, base, q, fmt.Sprintf("role %s created", role))
}

// DropRole drops a role.
func (p *OracleMcp) DropRole(ctx context.Context, in RoleInput) *Result {
	base := dcl("drop_role", in.Connection)
	role, err := p.principal(in.Role)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	return p.ddl(ctx, base, "DROP ROLE "+role, fmt.Sprintf("role %s dropped", role))
}

// GrantRole grants a role to a user or role.
func (p *OracleMcp) GrantRole(ctx context.Context, in RoleInput) *Result {
	base := dcl("grant_role", in.Connection)
	role, err := p.principal(in.Role)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	grantee, err := p.grantee(in.Grantee)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	q := fmt.Sprintf("GRANT %s TO %s", role, grantee)
	if in.WithAdminOption {
		q += " WITH ADMIN OPTION"
	}
	return p.ddl(ctx, base, q, fmt.Sprintf("role %s granted to %s", role, grantee))
}

// RevokeRole revokes a role from a user or role.
func (p *OracleMcp) RevokeRole(ctx context.Context, in RoleInput) *Result {
	base := dcl("revoke_role", in.Connection)
	role, err := p.principal(in.Role)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	grantee, err := p.grantee(in.Grantee)
	if err != nil {
		return p.reject(ctx, base, err)
	}
	return p.ddl(ctx, base, fmt.Sprintf("REVOKE %s FROM %s", role, grantee), fmt.Sprintf("role %s revoked from %s", role, grantee))
}
