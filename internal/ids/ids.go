// Package ids provides the backend-portable identifier and payload types
// shared by every store implementation: a UUID wrapper that maps to
// native UUID on Postgres and TEXT on SQLite, and a JSON payload wrapper
// that implements database/sql's Scanner/Valuer so the same application
// code works unchanged against either backend.
package ids

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID is a universal identifier for pipeline executions, task executions,
// and events. It round-trips through Postgres native UUID columns and
// SQLite TEXT columns identically.
type ID uuid.UUID

// NewID generates a fresh random identifier.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses a canonical UUID string.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("ids: parse %q: %w", s, err)
	}
	return ID(u), nil
}

// Nil is the zero-value identifier, used to detect "not set" fields such
// as an optional task_execution_id on pipeline-scoped events.
var Nil ID

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Value implements driver.Valuer. Postgres (pgx) and SQLite both accept a
// string representation; pgx additionally recognizes it as UUID text.
func (id ID) Value() (driver.Value, error) {
	if id.IsNil() {
		return nil, nil
	}
	return id.String(), nil
}

// Scan implements sql.Scanner, accepting both the 16-byte binary form
// (returned by pgx for uuid columns) and the canonical string form
// (returned by SQLite TEXT columns).
func (id *ID) Scan(src interface{}) error {
	if src == nil {
		*id = Nil
		return nil
	}
	switch v := src.(type) {
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("ids: scan string %q: %w", v, err)
		}
		*id = ID(u)
	case []byte:
		if len(v) == 16 {
			var u uuid.UUID
			copy(u[:], v)
			*id = ID(u)
			return nil
		}
		u, err := uuid.Parse(string(v))
		if err != nil {
			return fmt.Errorf("ids: scan bytes %q: %w", v, err)
		}
		*id = ID(u)
	default:
		return fmt.Errorf("ids: cannot scan %T into ID", src)
	}
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil {
		*id = Nil
		return nil
	}
	parsed, err := ParseID(*s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// JSON is a typed wrapper around an arbitrary JSON document, used for
// context payloads and event_data columns. It implements Scanner/Valuer
// so both Postgres JSONB columns and SQLite TEXT columns round-trip the
// same Go value.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSON) Scan(src interface{}) error {
	if src == nil {
		*j = JSON{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("ids: cannot scan %T into JSON", src)
	}
	if len(raw) == 0 {
		*j = JSON{}
		return nil
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("ids: unmarshal JSON column: %w", err)
	}
	*j = m
	return nil
}

// Clone returns a shallow copy safe for independent mutation of the map
// itself (not of nested reference values).
func (j JSON) Clone() JSON {
	out := make(JSON, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// Now returns the current time truncated to microsecond precision, the
// common denominator between Postgres TIMESTAMPTZ and SQLite's TEXT
// datetime representation.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
