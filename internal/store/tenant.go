package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cloacina-io/cloacina/internal/cloaerr"
)

// schemaIdentifier is a safe Postgres schema identifier: letters,
// digits, underscore, must start with a letter or underscore, length <= 63.
var schemaIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// reservedSchemaNames mirrors Postgres's own reserved/system schemas; a
// tenant is never allowed to collide with these regardless of identifier
// validity.
var reservedSchemaNames = map[string]bool{
	"public":             true,
	"pg_catalog":         true,
	"information_schema": true,
}

// ValidateTenantSchema rejects any schema name that isn't a safe,
// non-reserved identifier before it is ever interpolated into DDL.
// Returns cloaerr.ErrValidation on rejection.
func ValidateTenantSchema(name string) error {
	if name == "" {
		return fmt.Errorf("%w: tenant schema name is empty", cloaerr.ErrValidation)
	}
	if !schemaIdentifier.MatchString(name) {
		return fmt.Errorf("%w: tenant schema name %q must match [A-Za-z_][A-Za-z0-9_]{0,62}", cloaerr.ErrValidation, name)
	}
	if reservedSchemaNames[strings.ToLower(name)] {
		return fmt.Errorf("%w: tenant schema name %q is reserved", cloaerr.ErrValidation, name)
	}
	return nil
}
