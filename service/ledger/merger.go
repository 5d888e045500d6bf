package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Beneficiary is a terminal recipient in the final ledger.
type Beneficiary struct {
	Address        string          `json:"address"`
	AmountReceived decimal.Decimal `json:"amountReceived"`
}

// Intermediary is a relay in the final ledger. AmountRetained is the part
// of its Beneficiary-classified balance (unforwarded remainder, campaign
// rewards) folded into this row so the address appears in one list only.
type Intermediary struct {
	Address         string          `json:"address"`
	AmountProcessed decimal.Decimal `json:"amountProcessed"`
	AmountRetained  decimal.Decimal `json:"amountRetained"`
}

// Summary is derived from the final lists.
type Summary struct {
	TotalBeneficiaries     int             `json:"totalBeneficiaries"`
	TotalIntermediaries    int             `json:"totalIntermediaries"`
	TotalAmountDistributed decimal.Decimal `json:"totalAmountDistributed"`
	TotalAmountReturned    decimal.Decimal `json:"totalAmountReturned"`
}

// Ledger is the reconciled output of one run.
type Ledger struct {
	Beneficiaries  []Beneficiary  `json:"beneficiaries"`
	Intermediaries []Intermediary `json:"intermediaries"`
	Summary        Summary        `json:"summary"`
}

type mergedAddress struct {
	beneficiary  decimal.Decimal
	intermediary decimal.Decimal
	relay        bool
}

// Merge unions the totals of every path aggregator. Amounts for an address
// present in several paths are summed. An address holding any Intermediary
// total is listed only as an intermediary. Lists are ordered by address.
func Merge(paths ...*Aggregator) Ledger {
	merged := make(map[string]*mergedAddress)
	returned := decimal.Zero

	for _, agg := range paths {
		if agg == nil {
			continue
		}
		for _, e := range agg.Entries() {
			m, ok := merged[e.Address]
			if !ok {
				m = &mergedAddress{beneficiary: decimal.Zero, intermediary: decimal.Zero}
				merged[e.Address] = m
			}
			switch e.Role {
			case RoleBeneficiary:
				m.beneficiary = m.beneficiary.Add(e.TotalAmount)
			case RoleIntermediary:
				m.intermediary = m.intermediary.Add(e.TotalAmount)
				m.relay = true
			}
		}
		returned = returned.Add(agg.Returned())
	}

	addrs := make([]string, 0, len(merged))
	for addr := range merged {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	out := Ledger{
		Beneficiaries:  []Beneficiary{},
		Intermediaries: []Intermediary{},
	}
	distributed := decimal.Zero
	for _, addr := range addrs {
		m := merged[addr]
		distributed = distributed.Add(m.beneficiary)
		if m.relay {
			out.Intermediaries = append(out.Intermediaries, Intermediary{
				Address:         addr,
				AmountProcessed: m.intermediary,
				AmountRetained:  m.beneficiary,
			})
			continue
		}
		out.Beneficiaries = append(out.Beneficiaries, Beneficiary{Address: addr, AmountReceived: m.beneficiary})
	}

	out.Summary = Summary{
		TotalBeneficiaries:     len(out.Beneficiaries),
		TotalIntermediaries:    len(out.Intermediaries),
		TotalAmountDistributed: distributed,
		TotalAmountReturned:    returned,
	}
	return out
}

// SortByAmount orders both lists by amount descending, ties by address.
func (l *Ledger) SortByAmount() {
	sort.SliceStable(l.Beneficiaries, func(i, j int) bool {
		a, b := l.Beneficiaries[i], l.Beneficiaries[j]
		if c := a.AmountReceived.Cmp(b.AmountReceived); c != 0 {
			return c > 0
		}
		return a.Address < b.Address
	})
	sort.SliceStable(l.Intermediaries, func(i, j int) bool {
		a, b := l.Intermediaries[i], l.Intermediaries[j]
		if c := a.AmountProcessed.Cmp(b.AmountProcessed); c != 0 {
			return c > 0
		}
		return a.Address < b.Address
	})
}

// Beneficiary returns the row for addr, if any.
func (l Ledger) Beneficiary(addr string) (Beneficiary, bool) {
	for _, b := range l.Beneficiaries {
		if b.Address == addr {
			return b, true
		}
	}
	return Beneficiary{}, false
}

// Intermediary returns the row for addr, if any.
func (l Ledger) Intermediary(addr string) (Intermediary, bool) {
	for _, i := range l.Intermediaries {
		if i.Address == addr {
			return i, true
		}
	}
	return Intermediary{}, false
}
