package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMalformedRow indicates a row that is missing its primary key column.
	ErrMalformedRow = errors.New("engine: row missing primary key")
	// ErrDuplicatePrimaryKey indicates two rows in one snapshot sharing a primary key.
	ErrDuplicatePrimaryKey = errors.New("engine: duplicate primary key in snapshot")
	// ErrInvalidTimestamp indicates an updated-at value that is not numeric.
	ErrInvalidTimestamp = errors.New("engine: invalid updated-at value")
	// ErrUnknownTable indicates a table name absent from the registry.
	ErrUnknownTable = errors.New("engine: unknown table")
	// ErrDependencyCycle indicates a foreign-key cycle between table descriptors.
	ErrDependencyCycle = errors.New("engine: dependency cycle between tables")
	// ErrUnknownReference indicates a foreign key pointing at a table absent from the registry.
	ErrUnknownReference = errors.New("engine: foreign key references unknown table")
)

// Row is one table row as a column-to-scalar mapping. Values follow JSON
// scalar typing: string, number (float64 or int64), bool, or nil. Rows are
// treated as immutable by the engine; no row handed in is ever mutated.
type Row map[string]any

// PrimaryKey extracts the row's primary key as a string. String and numeric
// keys are supported; a missing or empty key is a malformed row.
func (r Row) PrimaryKey(descriptor TableDescriptor) (string, error) {
	raw, ok := r[descriptor.PrimaryKey]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: table %s column %s", ErrMalformedRow, descriptor.Name, descriptor.PrimaryKey)
	}
	switch value := raw.(type) {
	case string:
		if value == "" {
			return "", fmt.Errorf("%w: table %s column %s", ErrMalformedRow, descriptor.Name, descriptor.PrimaryKey)
		}
		return value, nil
	case int64:
		return strconv.FormatInt(value, 10), nil
	case int:
		return strconv.Itoa(value), nil
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	case json.Number:
		return value.String(), nil
	default:
		return "", fmt.Errorf("%w: table %s column %s has unsupported type %T", ErrMalformedRow, descriptor.Name, descriptor.PrimaryKey, raw)
	}
}

// UpdatedAt extracts the row's update timestamp in unix seconds.
func (r Row) UpdatedAt(descriptor TableDescriptor) (int64, error) {
	raw, ok := r[descriptor.UpdatedAtColumn]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: table %s missing %s", ErrInvalidTimestamp, descriptor.Name, descriptor.UpdatedAtColumn)
	}
	switch value := raw.(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case float64:
		return int64(value), nil
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: table %s value %q", ErrInvalidTimestamp, descriptor.Name, value.String())
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: table %s has %s of type %T", ErrInvalidTimestamp, descriptor.Name, descriptor.UpdatedAtColumn, raw)
	}
}

// Deleted reports the row's tombstone flag. SQLite hands booleans back as
// integers, so numeric truthiness is accepted alongside real booleans.
func (r Row) Deleted(descriptor TableDescriptor) bool {
	raw, ok := r[descriptor.DeletedColumn]
	if !ok || raw == nil {
		return false
	}
	switch value := raw.(type) {
	case bool:
		return value
	case int64:
		return value != 0
	case int:
		return value != 0
	case float64:
		return value != 0
	case json.Number:
		parsed, err := value.Int64()
		return err == nil && parsed != 0
	default:
		return false
	}
}

// canonicalEncoding renders the row as deterministic JSON. encoding/json
// sorts map keys, and integral floats and int64s render identically, so rows
// decoded from JSON and rows read from SQLite compare equal when their
// contents agree. Nil-valued columns are dropped so an explicit SQL NULL
// equals an absent JSON key.
func canonicalEncoding(r Row) ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	filtered := make(map[string]any, len(r))
	for column, value := range r {
		if value == nil {
			continue
		}
		filtered[column] = value
	}
	return json.Marshal(filtered)
}

// equalRows compares two rows by canonical encoding. A nil row only equals
// another nil row.
func equalRows(left, right Row) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	leftEncoded, err := canonicalEncoding(left)
	if err != nil {
		return false
	}
	rightEncoded, err := canonicalEncoding(right)
	if err != nil {
		return false
	}
	return bytes.Equal(leftEncoded, rightEncoded)
}

// indexRows builds a primary-key index over a snapshot, enforcing the
// unique-key invariant.
func indexRows(descriptor TableDescriptor, rows []Row) (map[string]Row, error) {
	index := make(map[string]Row, len(rows))
	for _, row := range rows {
		key, err := row.PrimaryKey(descriptor)
		if err != nil {
			return nil, err
		}
		if _, exists := index[key]; exists {
			return nil, fmt.Errorf("%w: table %s key %s", ErrDuplicatePrimaryKey, descriptor.Name, key)
		}
		index[key] = row
	}
	return index, nil
}
