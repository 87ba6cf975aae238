package kagami

import (
	"bytes"
	"fmt"
	"strconv"
)

// ID is a stable snowflake identifier assigned by the remote service.
//
// The zero ID means "absent" in every payload and entity field.
type ID uint64

// ParseID parses one decimal snowflake string.
func ParseID(raw string) (ID, error) {
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", raw, err)
	}

	return ID(value), nil
}

// String returns the decimal snowflake representation.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// IsZero reports whether the identifier is absent.
func (id ID) IsZero() bool {
	return id == 0
}

// MarshalJSON encodes the identifier as a quoted decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

// UnmarshalJSON accepts quoted strings, bare numbers, and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("unmarshal id: %w", err)
		}
		if unquoted == "" {
			*id = 0
			return nil
		}
		raw = unquoted
	}

	parsed, err := ParseID(raw)
	if err != nil {
		return fmt.Errorf("unmarshal id: %w", err)
	}
	*id = parsed

	return nil
}
