package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxTokenDecimals bounds the decimals a transfer record may declare.
const MaxTokenDecimals = 36

// Role is the classification of an address within one analysis.
type Role int

const (
	RoleUnclassified Role = iota
	RoleBeneficiary
	RoleIntermediary
)

func (r Role) String() string {
	switch r {
	case RoleBeneficiary:
		return "beneficiary"
	case RoleIntermediary:
		return "intermediary"
	default:
		return "unclassified"
	}
}

// TransferRecord is one token transfer as read from the transfer store.
// RawAmount is the integer amount in the token's smallest unit.
type TransferRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	TxHash        string    `json:"transactionHash"`
	From          string    `json:"fromAddress"`
	To            string    `json:"toAddress"`
	RawAmount     string    `json:"rawAmount"`
	TokenDecimals int32     `json:"tokenDecimals"`
}

// Key returns the record's dedup key: (timestamp, transaction hash).
func (r TransferRecord) Key() Key {
	return Key{
		Kind:      KeyTransfer,
		Primary:   strconv.FormatInt(r.Timestamp.UTC().UnixNano(), 10),
		Secondary: strings.ToLower(r.TxHash),
	}
}

// Amount validates the record and returns its amount in human units.
// Any shape failure is reported as ErrMalformedRecord.
func (r TransferRecord) Amount() (decimal.Decimal, error) {
	if r.TxHash == "" {
		return decimal.Zero, fmt.Errorf("%w: missing transaction hash", ErrMalformedRecord)
	}
	if r.Timestamp.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: tx %s: missing timestamp", ErrMalformedRecord, r.TxHash)
	}
	if !IsAddress(r.From) || !IsAddress(r.To) {
		return decimal.Zero, fmt.Errorf("%w: tx %s: bad address from=%q to=%q", ErrMalformedRecord, r.TxHash, r.From, r.To)
	}
	if r.TokenDecimals < 0 || r.TokenDecimals > MaxTokenDecimals {
		return decimal.Zero, fmt.Errorf("%w: tx %s: token decimals %d out of range", ErrMalformedRecord, r.TxHash, r.TokenDecimals)
	}
	raw, err := ParseRawAmount(r.RawAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: tx %s: %v", ErrMalformedRecord, r.TxHash, err)
	}
	return raw.Shift(-r.TokenDecimals), nil
}

// ParseRawAmount parses a non-negative integer amount.
func ParseRawAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("fractional raw amount %q", s)
	}
	return d, nil
}

// KeyKind distinguishes the dedup key namespaces.
type KeyKind int

const (
	KeyTransfer KeyKind = iota
	KeyCampaign
	KeyResidual
)

// Key is a canonical uniqueness key for an attribution.
type Key struct {
	Kind      KeyKind
	Primary   string
	Secondary string
}

// CampaignKey is the dedup key of a campaign payout.
func CampaignKey(campaignID, recipient string) Key {
	return Key{Kind: KeyCampaign, Primary: campaignID, Secondary: strings.ToLower(recipient)}
}

// ResidualKey is the dedup key for the amount a relay kept after forwarding.
func ResidualKey(relay, reason string) Key {
	return Key{Kind: KeyResidual, Primary: strings.ToLower(relay), Secondary: reason}
}

// Campaign is a reward distribution program and its payouts.
type Campaign struct {
	CampaignID     string      `json:"campaignId"`
	CreatorAddress string      `json:"creatorAddress"`
	Recipients     []Recipient `json:"recipients"`
}

// Recipient is one payout of a campaign, in human units.
type Recipient struct {
	Address string          `json:"recipientAddress"`
	Amount  decimal.Decimal `json:"rewardAmount"`
}

// AggregateEntry is a running total for one address in one role.
type AggregateEntry struct {
	Address     string          `json:"address"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Role        Role            `json:"role"`
}
