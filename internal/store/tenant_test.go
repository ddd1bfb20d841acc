package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTenantSchema(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"alpha", true},
		{"_alpha_1", true},
		{"Alpha_Beta", true},
		{"a-1", false}, // spec S7's rejected example
		{"1alpha", false},
		{"", false},
		{"public", false},
		{"pg_catalog", false},
		{"this_is_way_too_long_to_be_a_valid_postgres_identifier_name_xxxxx", false},
	}

	for _, c := range cases {
		err := ValidateTenantSchema(c.name)
		if c.valid {
			assert.NoError(t, err, c.name)
		} else {
			assert.Error(t, err, c.name)
		}
	}
}
