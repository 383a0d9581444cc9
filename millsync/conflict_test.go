// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"reflect"
	"testing"
	"time"
)

func TestDiffFieldsTolerance(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := &Transaction{CustomerName: "Asha", Date: base, Total: 500, PaidAmount: 100, PaymentStatus: PaymentPartial}
	cases := []struct {
		name string
		b    *Transaction
		want []string
	}{
		{
			name: "identical",
			b:    &Transaction{CustomerName: "Asha", Date: base, Total: 500, PaidAmount: 100, PaymentStatus: PaymentPartial},
			want: nil,
		},
		{
			name: "sub-tolerance numeric noise",
			b:    &Transaction{CustomerName: "Asha", Date: base, Total: 500.0009, PaidAmount: 99.9995, PaymentStatus: PaymentPartial},
			want: nil,
		},
		{
			name: "numeric difference above tolerance",
			b:    &Transaction{CustomerName: "Asha", Date: base, Total: 500.01, PaidAmount: 100, PaymentStatus: PaymentPartial},
			want: []string{"total"},
		},
		{
			name: "text and numeric difference",
			b:    &Transaction{CustomerName: "Asha", Date: base, Total: 500, PaidAmount: 250, PaymentStatus: PaymentPaid},
			want: []string{"paid_amount", "payment_status"},
		},
		{
			name: "whitespace-normalized text",
			b:    &Transaction{CustomerName: "  Asha ", Date: base, Total: 500, PaidAmount: 100, PaymentStatus: PaymentPartial},
			want: nil,
		},
		{
			name: "date difference",
			b:    &Transaction{CustomerName: "Asha", Date: base.Add(24 * time.Hour), Total: 500, PaidAmount: 100, PaymentStatus: PaymentPartial},
			want: []string{"date"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DiffFields(a, tc.b)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("DiffFields = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDiffFieldsSymmetry(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := &Transaction{CustomerName: "Asha", Date: base, Total: 500, PaymentStatus: PaymentUnpaid}
	b := &Transaction{CustomerName: "Budi", Date: base, Total: 510, PaidAmount: 510, PaymentStatus: PaymentPaid}

	ab := DiffFields(a, b)
	ba := DiffFields(b, a)
	if !reflect.DeepEqual(ab, ba) {
		t.Fatalf("diff not symmetric: %v vs %v", ab, ba)
	}
	if len(ab) == 0 {
		t.Fatal("expected a non-empty diff")
	}
}

func TestDiffFieldsVersionMetaIgnored(t *testing.T) {
	// Version markers and timestamps are bookkeeping, not user data; two
	// copies that differ only there are not in conflict.
	a := &Receivable{Meta: Meta{ID: "r1", Version: 1}, PersonName: "Citra", Amount: 75}
	b := &Receivable{Meta: Meta{ID: "r1", Version: 4, UpdatedAt: time.Now()}, PersonName: "Citra", Amount: 75}
	if InConflict(a, b) {
		t.Fatalf("meta-only difference reported as conflict: %v", DiffFields(a, b))
	}
}

func TestDiffFieldsAbsentOptionalDefaults(t *testing.T) {
	// An absent note and an empty note compare equal, as do zero times.
	a := &Expense{Name: "Belt", Category: "Maintenance", Amount: 40}
	b := &Expense{Name: "Belt", Category: "Maintenance", Amount: 40, Note: ""}
	if got := DiffFields(a, b); len(got) != 0 {
		t.Fatalf("expected zero diff, got %v", got)
	}
}
