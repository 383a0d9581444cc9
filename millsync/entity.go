// Package millsync provides the offline-first client engine for millbook:
// an optimistically mutated local cache backed by a remote owner-scoped
// store, with per-record version conflict detection and an explicit,
// user-driven conflict resolution queue.
//
// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newRecordID generates a client-side record id for optimistic inserts.
func newRecordID() string { return uuid.New().String() }

// Kind identifies one of the six record collections.
type Kind string

const (
	KindTransaction     Kind = "transactions"
	KindExpense         Kind = "expenses"
	KindReceivable      Kind = "receivables"
	KindCalculation     Kind = "calculations"
	KindService         Kind = "services"
	KindExpenseCategory Kind = "expense_categories"
)

// Kinds returns every collection kind in load order.
func Kinds() []Kind {
	return []Kind{
		KindTransaction,
		KindExpense,
		KindReceivable,
		KindCalculation,
		KindService,
		KindExpenseCategory,
	}
}

// Optional reports whether a missing remote table for this kind is tolerated
// during initial load. Receivables shipped after the other tables, so older
// server deployments may not have provisioned it yet.
func (k Kind) Optional() bool {
	return k == KindReceivable
}

// Valid reports whether k is one of the known collection kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTransaction, KindExpense, KindReceivable,
		KindCalculation, KindService, KindExpenseCategory:
		return true
	}
	return false
}

// FieldKind tags the comparison semantics of a record field.
type FieldKind int

const (
	FieldText   FieldKind = iota // exact match after trimming
	FieldNumber                  // equal within absolute tolerance 0.001
	FieldTime                    // equal instants; absent compares as zero
)

// Field is a typed view of one record field, used by the differ.
// Exactly one of Num/Text/Time is meaningful, selected by Kind.
type Field struct {
	Name string
	Kind FieldKind
	Num  float64
	Text string
	Time time.Time
}

func textField(name, v string) Field           { return Field{Name: name, Kind: FieldText, Text: v} }
func numField(name string, v float64) Field    { return Field{Name: name, Kind: FieldNumber, Num: v} }
func timeField(name string, v time.Time) Field { return Field{Name: name, Kind: FieldTime, Time: v} }

// Record is the common surface of all six entity types. Domain fields are
// opaque to the engine except through Fields(), which drives the generic
// conflict differ.
type Record interface {
	Kind() Kind
	RecordID() string
	Owner() string
	// BaseVersion is the server version this copy was last read at; it is
	// sent with updates and deletes for compare-and-swap.
	BaseVersion() int64
	// DisplayName is the identifying field surfaced in notifications
	// (customer, person, or item name).
	DisplayName() string
	Fields() []Field
	Clone() Record

	// meta exposes the shared bookkeeping for in-package adjustment. The
	// record set is a closed union of the six entity types.
	meta() *Meta
}

// Meta carries the sync bookkeeping shared by every record.
type Meta struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m Meta) RecordID() string   { return m.ID }
func (m Meta) Owner() string      { return m.OwnerID }
func (m Meta) BaseVersion() int64 { return m.Version }

func (m *Meta) meta() *Meta { return m }

// Payment status values for transactions.
const (
	PaymentUnpaid  = "unpaid"
	PaymentPartial = "partial"
	PaymentPaid    = "paid"
)

// Transaction is a milling or sale transaction for a customer.
type Transaction struct {
	Meta
	CustomerName  string    `json:"customer_name"`
	Date          time.Time `json:"date"`
	ServiceType   string    `json:"service_type"`
	Quantity      float64   `json:"quantity"`
	Total         float64   `json:"total"`
	PaidAmount    float64   `json:"paid_amount"`
	PaymentStatus string    `json:"payment_status"`
	Note          string    `json:"note,omitempty"`
}

func (t *Transaction) Kind() Kind          { return KindTransaction }
func (t *Transaction) DisplayName() string { return t.CustomerName }
func (t *Transaction) Clone() Record       { c := *t; return &c }

func (t *Transaction) Fields() []Field {
	return []Field{
		textField("customer_name", t.CustomerName),
		timeField("date", t.Date),
		textField("service_type", t.ServiceType),
		numField("quantity", t.Quantity),
		numField("total", t.Total),
		numField("paid_amount", t.PaidAmount),
		textField("payment_status", t.PaymentStatus),
		textField("note", t.Note),
	}
}

// Expense is a business expense assigned to a category.
type Expense struct {
	Meta
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Amount   float64   `json:"amount"`
	Date     time.Time `json:"date"`
	Note     string    `json:"note,omitempty"`
}

func (e *Expense) Kind() Kind          { return KindExpense }
func (e *Expense) DisplayName() string { return e.Name }
func (e *Expense) Clone() Record       { c := *e; return &c }

func (e *Expense) Fields() []Field {
	return []Field{
		textField("name", e.Name),
		textField("category", e.Category),
		numField("amount", e.Amount),
		timeField("date", e.Date),
		textField("note", e.Note),
	}
}

// Receivable status values.
const (
	ReceivablePending = "pending"
	ReceivablePaid    = "paid"
)

// Receivable is money owed to the business by a person.
type Receivable struct {
	Meta
	PersonName string    `json:"person_name"`
	Amount     float64   `json:"amount"`
	DueDate    time.Time `json:"due_date"`
	Status     string    `json:"status"`
	RemindAt   time.Time `json:"remind_at,omitempty"`
	Note       string    `json:"note,omitempty"`
}

func (r *Receivable) Kind() Kind          { return KindReceivable }
func (r *Receivable) DisplayName() string { return r.PersonName }
func (r *Receivable) Clone() Record       { c := *r; return &c }

func (r *Receivable) Fields() []Field {
	return []Field{
		textField("person_name", r.PersonName),
		numField("amount", r.Amount),
		timeField("due_date", r.DueDate),
		textField("status", r.Status),
		timeField("remind_at", r.RemindAt),
		textField("note", r.Note),
	}
}

// Calculation is a saved price calculation (quantity x unit price).
type Calculation struct {
	Meta
	Name      string    `json:"name"`
	Quantity  float64   `json:"quantity"`
	UnitPrice float64   `json:"unit_price"`
	Total     float64   `json:"total"`
	Date      time.Time `json:"date"`
	Note      string    `json:"note,omitempty"`
}

func (c *Calculation) Kind() Kind          { return KindCalculation }
func (c *Calculation) DisplayName() string { return c.Name }
func (c *Calculation) Clone() Record       { d := *c; return &d }

func (c *Calculation) Fields() []Field {
	return []Field{
		textField("name", c.Name),
		numField("quantity", c.Quantity),
		numField("unit_price", c.UnitPrice),
		numField("total", c.Total),
		timeField("date", c.Date),
		textField("note", c.Note),
	}
}

// Service type values.
const (
	ServiceGrinding = "grinding"
	ServiceSale     = "sale"
	ServiceOther    = "other"
)

// Service is an offered service with a unit price.
type Service struct {
	Meta
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Price float64 `json:"price"`
}

func (s *Service) Kind() Kind          { return KindService }
func (s *Service) DisplayName() string { return s.Name }
func (s *Service) Clone() Record       { c := *s; return &c }

func (s *Service) Fields() []Field {
	return []Field{
		textField("name", s.Name),
		textField("type", s.Type),
		numField("price", s.Price),
	}
}

// ExpenseCategory names a bucket expenses are grouped under.
type ExpenseCategory struct {
	Meta
	Name string `json:"name"`
}

func (c *ExpenseCategory) Kind() Kind          { return KindExpenseCategory }
func (c *ExpenseCategory) DisplayName() string { return c.Name }
func (c *ExpenseCategory) Clone() Record       { d := *c; return &d }

func (c *ExpenseCategory) Fields() []Field {
	return []Field{textField("name", c.Name)}
}

// newRecord returns a zero value of the concrete type for a kind.
func newRecord(kind Kind) (Record, error) {
	switch kind {
	case KindTransaction:
		return &Transaction{}, nil
	case KindExpense:
		return &Expense{}, nil
	case KindReceivable:
		return &Receivable{}, nil
	case KindCalculation:
		return &Calculation{}, nil
	case KindService:
		return &Service{}, nil
	case KindExpenseCategory:
		return &ExpenseCategory{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// sortDate reports the timestamp used for date-descending collections.
func sortDate(r Record) (time.Time, bool) {
	switch v := r.(type) {
	case *Transaction:
		return v.Date, true
	case *Expense:
		return v.Date, true
	case *Receivable:
		return v.DueDate, true
	case *Calculation:
		return v.Date, true
	}
	return time.Time{}, false
}

// less implements the canonical per-kind sort order: transactions, expenses,
// receivables and calculations by date descending, services and categories
// by name ascending. Ties break on id so the order is total.
func less(a, b Record) bool {
	if da, ok := sortDate(a); ok {
		db, _ := sortDate(b)
		if !da.Equal(db) {
			return da.After(db)
		}
		return a.RecordID() < b.RecordID()
	}
	na := strings.ToLower(a.DisplayName())
	nb := strings.ToLower(b.DisplayName())
	if na != nb {
		return na < nb
	}
	return a.RecordID() < b.RecordID()
}
