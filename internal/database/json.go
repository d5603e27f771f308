package database

import (
	"encoding/json"
	"fmt"
)

// jsonbValue marshals v for a JSONB column. Nil slices become SQL NULL so
// empty optional columns stay NULL rather than "null".
func jsonbValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONB value: %w", err)
	}
	return b, nil
}

// scanJSONB unmarshals a nullable JSONB column into dst. NULL leaves dst
// untouched.
func scanJSONB(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSONB value: %w", err)
	}
	return nil
}
