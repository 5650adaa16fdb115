package sqlite

import "database/sql"

// nullString converts an empty string to a NULL value.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullInt converts a non-positive int to a NULL value.
func nullInt(n int) interface{} {
	if n <= 0 {
		return nil
	}
	return n
}

// nullStringValue unwraps a sql.NullString for binding.
func nullStringValue(s sql.NullString) interface{} {
	if !s.Valid {
		return nil
	}
	return s.String
}
