package tenant

import (
	"fmt"
	"regexp"
	"strings"
)

// Identifiers in the shared analytical store are namespaced per tenant
// as t_<tenant>__<table>. Every identifier the core produces must parse
// under this contract, and every identifier consumed from user-supplied
// SQL must belong to the current tenant.

var (
	tenantIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)
	tablePattern    = regexp.MustCompile(`^[a-z0-9_]+$`)
	namespacedRe    = regexp.MustCompile(`^t_([a-z0-9_]+?)__([a-z0-9_]+)$`)
)

// TableName produces the namespaced analytical-store identifier for a
// tenant's table.
func TableName(tenantID, table string) (string, error) {
	id := strings.ToLower(tenantID)
	tbl := strings.ToLower(table)
	if !tenantIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid tenant identifier %q", tenantID)
	}
	if !tablePattern.MatchString(tbl) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return fmt.Sprintf("t_%s__%s", id, tbl), nil
}

// ParseTableName splits a namespaced identifier into tenant and table.
func ParseTableName(ident string) (tenantID, table string, err error) {
	m := namespacedRe.FindStringSubmatch(ident)
	if m == nil {
		return "", "", fmt.Errorf("identifier %q is not tenant-namespaced", ident)
	}
	return m[1], m[2], nil
}

// CheckOwnership verifies that a namespaced identifier consumed from
// user-supplied SQL belongs to the given tenant.
func CheckOwnership(tenantID, ident string) error {
	owner, _, err := ParseTableName(ident)
	if err != nil {
		return err
	}
	if owner != strings.ToLower(tenantID) {
		return fmt.Errorf("identifier %q does not belong to tenant %q", ident, tenantID)
	}
	return nil
}
