package inventory

import (
	"fmt"
)

// PartyKind discriminates movement counterparties.
type PartyKind string

// Party kinds persisted in party_type columns.
const (
	PartyStore    PartyKind = "store"
	PartySupplier PartyKind = "supplier"
	PartyCustomer PartyKind = "customer"
)

// Party is one side of a stock movement: exactly one of a store, a supplier or a customer.
// The zero value means "no party".
type Party struct {
	kind PartyKind
	id   int64
}

// Store references a receiving store.
func Store(id int64) Party { return Party{kind: PartyStore, id: id} }

// Supplier references a supplier.
func Supplier(id int64) Party { return Party{kind: PartySupplier, id: id} }

// Customer references a customer.
func Customer(id int64) Party { return Party{kind: PartyCustomer, id: id} }

// ParseParty rebuilds a Party from its persisted (party_type, party_id) pair.
func ParseParty(kind string, id int64) (Party, error) {
	if kind == "" && id == 0 {
		return Party{}, nil
	}
	if id <= 0 {
		return Party{}, fmt.Errorf("inventory: party %q requires a positive id", kind)
	}
	switch PartyKind(kind) {
	case PartyStore, PartySupplier, PartyCustomer:
		return Party{kind: PartyKind(kind), id: id}, nil
	default:
		return Party{}, fmt.Errorf("inventory: unknown party type %q", kind)
	}
}

// Kind returns the discriminator.
func (p Party) Kind() PartyKind { return p.kind }

// ID returns the referenced id.
func (p Party) ID() int64 { return p.id }

// IsZero reports whether p references nothing.
func (p Party) IsZero() bool { return p.kind == "" }

// IsStore reports whether p is a store reference.
func (p Party) IsStore() bool { return p.kind == PartyStore && p.id > 0 }

func (p Party) String() string {
	if p.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%s:%d", p.kind, p.id)
}

// columns returns nullable values for the (party_type, party_id) columns.
func (p Party) columns() (any, any) {
	if p.IsZero() {
		return nil, nil
	}
	return string(p.kind), p.id
}
