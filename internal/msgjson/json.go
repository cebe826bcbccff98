package msgjson

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON holds an opaque JSON document. Message content is ciphertext produced by
// clients; the relay stores and forwards it without looking inside.
type JSON []byte

// Valid reports whether j holds a non-empty, well-formed JSON value that is not null.
func (j JSON) Valid() bool {
	if len(j) == 0 || !json.Valid(j) {
		return false
	}
	return string(j) != "null"
}

// Clone returns a copy that does not share memory with j.
func (j JSON) Clone() JSON {
	if j == nil {
		return nil
	}
	return append(JSON(nil), j...)
}

// MarshalJSON returns the stored JSON document or null when empty.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("msgjson.JSON: invalid JSON value")
	}
	return append([]byte(nil), j...), nil
}

// UnmarshalJSON stores the provided JSON payload.
func (j *JSON) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("msgjson.JSON: invalid JSON payload")
	}
	*j = append((*j)[:0], data...)
	return nil
}

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("msgjson.JSON: invalid JSON value")
	}
	return append([]byte(nil), j...), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if !json.Valid(v) {
			return fmt.Errorf("msgjson.JSON: invalid JSON payload")
		}
		*j = append((*j)[:0], v...)
	case string:
		if !json.Valid([]byte(v)) {
			return fmt.Errorf("msgjson.JSON: invalid JSON payload")
		}
		*j = append((*j)[:0], v...)
	default:
		return fmt.Errorf("msgjson.JSON: unsupported scan type %T", value)
	}
	return nil
}
