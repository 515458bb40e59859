package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// encodeJSON renders m for a JSONB parameter. A nil map becomes SQL NULL.
func encodeJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// encodeJSONObject is encodeJSON for NOT NULL columns: nil becomes {}.
func encodeJSONObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(b), nil
}

// decodeJSON parses a JSONB column. NULL yields a nil map.
func decodeJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode JSON column: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
