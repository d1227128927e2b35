package model

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

var itemFolder = cases.Fold()

// NormalizeItemID trims and case-folds an item id so "Sword" and "sword " are
// the same inventory slot.
func NormalizeItemID(id string) string {
	return itemFolder.String(strings.TrimSpace(id))
}

// Items maps item id to quantity.
type Items map[string]int64

// IsEmpty reports whether no item has a non-zero quantity.
func (it Items) IsEmpty() bool {
	for _, q := range it {
		if q != 0 {
			return false
		}
	}
	return true
}

// Clone returns a normalised copy without zero entries.
func (it Items) Clone() Items {
	if it.IsEmpty() {
		return nil
	}
	out := make(Items, len(it))
	for id, q := range it {
		if q != 0 {
			out[NormalizeItemID(id)] += q
		}
	}
	return out
}

// Plus returns the element-wise sum.
func (it Items) Plus(other Items) Items {
	out := it.Clone()
	for id, q := range other {
		if q == 0 {
			continue
		}
		if out == nil {
			out = make(Items)
		}
		key := NormalizeItemID(id)
		out[key] += q
		if out[key] == 0 {
			delete(out, key)
		}
	}
	return out
}

// Negate flips every quantity's sign.
func (it Items) Negate() Items {
	if it.IsEmpty() {
		return nil
	}
	out := make(Items, len(it))
	for id, q := range it {
		if q != 0 {
			out[NormalizeItemID(id)] -= q
		}
	}
	return out
}

// Valid reports whether every quantity is positive.
func (it Items) Valid() bool {
	for id, q := range it {
		if q <= 0 || NormalizeItemID(id) == "" {
			return false
		}
	}
	return true
}

// IDs returns the item ids in ascending order.
func (it Items) IDs() []string {
	ids := make([]string, 0, len(it))
	for id := range it {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Covers reports whether the account holds at least the offer.
func (a Account) Covers(o Offer) error {
	if a.Balance < o.Money {
		return ErrInsufficientFunds
	}
	for id, q := range o.Items {
		if a.Quantity(id) < q {
			return ErrInsufficientItems
		}
	}
	return nil
}
