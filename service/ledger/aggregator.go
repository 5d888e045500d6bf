package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type entryKey struct {
	address string
	role    Role
}

// Aggregator folds attributions into per-address, per-role totals. Each
// (address, role) keeps its own set of seen keys, so a key contributes to a
// given total at most once while one multi-recipient transaction still
// credits every recipient it paid.
//
// An Aggregator belongs to a single run and is not safe for concurrent use.
type Aggregator struct {
	entries      map[entryKey]*AggregateEntry
	seen         map[entryKey]map[Key]struct{}
	order        []entryKey
	returned     map[string]decimal.Decimal
	returnedSeen map[string]map[Key]struct{}
	malformed    int
	duplicates   int
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		entries:      make(map[entryKey]*AggregateEntry),
		seen:         make(map[entryKey]map[Key]struct{}),
		returned:     make(map[string]decimal.Decimal),
		returnedSeen: make(map[string]map[Key]struct{}),
	}
}

// AddTransfer credits rec to address under role. It reports whether the
// record changed a total. Malformed records are counted and returned as
// ErrMalformedRecord; duplicates and zero amounts are skipped silently.
func (a *Aggregator) AddTransfer(address string, role Role, rec TransferRecord) (bool, error) {
	amount, err := rec.Amount()
	if err != nil {
		a.malformed++
		return false, err
	}
	return a.add(address, role, rec.Key(), amount)
}

// AddRetained credits the remainder a relay kept as a Beneficiary amount of
// the relay itself.
func (a *Aggregator) AddRetained(address string, amount decimal.Decimal, key Key) (bool, error) {
	return a.add(address, RoleBeneficiary, key, amount)
}

// AddAmount credits an already validated amount under an explicit key.
func (a *Aggregator) AddAmount(address string, role Role, key Key, amount decimal.Decimal) (bool, error) {
	return a.add(address, role, key, amount)
}

// AddReturned records rec as funds that came back to address, which is the
// origin or a configured return address.
func (a *Aggregator) AddReturned(address string, rec TransferRecord) (bool, error) {
	amount, err := rec.Amount()
	if err != nil {
		a.malformed++
		return false, err
	}
	return a.addReturned(address, rec.Key(), amount), nil
}

// AddReturnedAmount records an already validated returned amount.
func (a *Aggregator) AddReturnedAmount(address string, key Key, amount decimal.Decimal) bool {
	return a.addReturned(address, key, amount)
}

// AddCampaign credits every recipient of c as a Beneficiary keyed by
// (campaignId, recipient). It returns the number of recipients credited.
func (a *Aggregator) AddCampaign(c Campaign) int {
	credited := 0
	for _, r := range c.Recipients {
		addr, err := NormalizeAddress(r.Address)
		if err != nil || r.Amount.IsNegative() {
			a.malformed++
			continue
		}
		ok, err := a.add(addr, RoleBeneficiary, CampaignKey(c.CampaignID, addr), r.Amount)
		if err != nil {
			a.malformed++
			continue
		}
		if ok {
			credited++
		}
	}
	return credited
}

func (a *Aggregator) add(address string, role Role, key Key, amount decimal.Decimal) (bool, error) {
	if role != RoleBeneficiary && role != RoleIntermediary {
		return false, fmt.Errorf("cannot aggregate role %s", role)
	}
	if amount.IsNegative() {
		return false, fmt.Errorf("%w: negative amount %s for %s", ErrMalformedRecord, amount, address)
	}
	if amount.IsZero() {
		return false, nil
	}
	ek := entryKey{address: strings.ToLower(address), role: role}
	seen, ok := a.seen[ek]
	if !ok {
		seen = make(map[Key]struct{})
		a.seen[ek] = seen
	}
	if _, dup := seen[key]; dup {
		a.duplicates++
		return false, nil
	}
	seen[key] = struct{}{}

	entry, ok := a.entries[ek]
	if !ok {
		entry = &AggregateEntry{Address: ek.address, Role: role, TotalAmount: decimal.Zero}
		a.entries[ek] = entry
		a.order = append(a.order, ek)
	}
	entry.TotalAmount = entry.TotalAmount.Add(amount)
	return true, nil
}

func (a *Aggregator) addReturned(address string, key Key, amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	address = strings.ToLower(address)
	seen, ok := a.returnedSeen[address]
	if !ok {
		seen = make(map[Key]struct{})
		a.returnedSeen[address] = seen
	}
	if _, dup := seen[key]; dup {
		a.duplicates++
		return false
	}
	seen[key] = struct{}{}
	a.returned[address] = a.returned[address].Add(amount)
	return true
}

// Entries returns a copy of every entry in insertion order.
func (a *Aggregator) Entries() []AggregateEntry {
	out := make([]AggregateEntry, 0, len(a.order))
	for _, ek := range a.order {
		out = append(out, *a.entries[ek])
	}
	return out
}

// Total returns the running total of address under role.
func (a *Aggregator) Total(address string, role Role) decimal.Decimal {
	if e, ok := a.entries[entryKey{address: strings.ToLower(address), role: role}]; ok {
		return e.TotalAmount
	}
	return decimal.Zero
}

// Returned returns the total attributed back to return addresses.
func (a *Aggregator) Returned() decimal.Decimal {
	total := decimal.Zero
	for _, amt := range a.returned {
		total = total.Add(amt)
	}
	return total
}

// Malformed returns how many records were skipped as malformed.
func (a *Aggregator) Malformed() int { return a.malformed }

// Duplicates returns how many attributions were skipped as already seen.
func (a *Aggregator) Duplicates() int { return a.duplicates }
