// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"encoding/json"
	"fmt"
)

// MarshalRecord serializes a record to its JSON wire form.
func MarshalRecord(r Record) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s record: %w", r.Kind(), err)
	}
	return data, nil
}

// UnmarshalRecord decodes the JSON wire form into the concrete record type
// for a kind.
func UnmarshalRecord(kind Kind, data []byte) (Record, error) {
	rec, err := newRecord(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s record: %w", kind, err)
	}
	return rec, nil
}
