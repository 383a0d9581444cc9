// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"math"
	"strings"
)

// NumericTolerance is the absolute difference below which two numeric field
// values are considered equal. Derived totals go through float rounding on
// more than one platform; differences smaller than this are display noise,
// not divergence.
const NumericTolerance = 0.001

// DiffFields returns the names of fields whose values differ between two
// copies of the same record, in field-schema order. It is pure and
// symmetric: DiffFields(a, b) always equals DiffFields(b, a).
//
// Numeric fields compare within NumericTolerance; text fields compare
// exactly after whitespace trimming; time fields compare as instants, with
// the zero time standing in for an absent value.
func DiffFields(a, b Record) []string {
	if a == nil || b == nil {
		return nil
	}
	af := a.Fields()
	bf := b.Fields()
	if len(af) != len(bf) {
		// Different kinds; every field is in question.
		names := make([]string, 0, len(af))
		for _, f := range af {
			names = append(names, f.Name)
		}
		return names
	}

	var diff []string
	for i := range af {
		if !fieldEqual(af[i], bf[i]) {
			diff = append(diff, af[i].Name)
		}
	}
	return diff
}

func fieldEqual(a, b Field) bool {
	switch a.Kind {
	case FieldNumber:
		return math.Abs(a.Num-b.Num) < NumericTolerance
	case FieldTime:
		return a.Time.Equal(b.Time)
	default:
		return strings.TrimSpace(a.Text) == strings.TrimSpace(b.Text)
	}
}

// InConflict reports whether two copies of a record diverge beyond
// tolerance.
func InConflict(a, b Record) bool {
	return len(DiffFields(a, b)) > 0
}
