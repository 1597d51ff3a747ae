// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EncodeRow splits an entity into its storage row: the identifier goes to the
// key column, every other attribute into the data blob, and UpdatedAt is
// stamped with now.
func EncodeRow[T Entity](e T, now time.Time) (Row, error) {
	id := e.EntityID()
	if id == "" {
		return Row{}, fmt.Errorf("entity has an empty id")
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return Row{}, fmt.Errorf("failed to marshal entity %s: %w", id, err)
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(raw, &attrs); err != nil || attrs == nil {
		return Row{}, fmt.Errorf("entity %s does not encode as a JSON object", id)
	}
	delete(attrs, IDKey)

	data, err := json.Marshal(attrs)
	if err != nil {
		return Row{}, fmt.Errorf("failed to marshal attributes of %s: %w", id, err)
	}
	return Row{ID: id, Data: data, UpdatedAt: now.UTC()}, nil
}

// DecodeRow rebuilds an entity from a storage row. The key column always wins
// over an "id" member found inside the data blob. Numbers decoded into untyped
// attributes (such as Document values) are json.Number.
func DecodeRow[T Entity](r Row) (T, error) {
	var out T

	attrs := map[string]json.RawMessage{}
	if data := bytes.TrimSpace(r.Data); len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, &attrs); err != nil {
			return out, fmt.Errorf("%w: data of row %s is not a JSON object: %v", ErrSchemaMismatch, r.ID, err)
		}
		if attrs == nil {
			attrs = map[string]json.RawMessage{}
		}
	}

	id, err := json.Marshal(r.ID)
	if err != nil {
		return out, fmt.Errorf("failed to marshal row id: %w", err)
	}
	attrs[IDKey] = id

	merged, err := json.Marshal(attrs)
	if err != nil {
		return out, fmt.Errorf("failed to merge row %s: %w", r.ID, err)
	}
	// Numbers stay json.Number inside untyped attributes, so integers beyond
	// float64 precision survive the round trip.
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode row %s: %w", r.ID, err)
	}
	return out, nil
}

func encodeRows[T Entity](items []T, now time.Time) ([]Row, error) {
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		row, err := EncodeRow(item, now)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
