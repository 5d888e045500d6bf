package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func transfer(from, to string, amount string, ts time.Time, hash string) TransferRecord {
	return TransferRecord{
		Timestamp:     ts,
		TxHash:        hash,
		From:          from,
		To:            to,
		RawAmount:     amount,
		TokenDecimals: 0,
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "lowercase", input: "0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae", want: "0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae"},
		{name: "checksum case", input: "0x3Ef3D8bA38EBe18DB133cEc108f4D14CE00Dd9Ae", want: "0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae"},
		{name: "missing prefix", input: "3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae00", wantErr: true},
		{name: "too short", input: "0x3ef3d8ba", wantErr: true},
		{name: "too long", input: "0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae00", wantErr: true},
		{name: "not hex", input: "0xzzf3d8ba38ebe18db133cec108f4d14ce00dd9ae", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChecksumAddress(t *testing.T) {
	assert.Equal(t, "0x3Ef3D8bA38EBe18DB133cEc108f4D14CE00Dd9Ae",
		ChecksumAddress("0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae"))
}

func TestParseAddressList(t *testing.T) {
	set, err := ParseAddressList(" " + addr(1) + ", ," + addr(2))
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.Contains(t, set, addr(1))

	_, err = ParseAddressList("0xnope")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTransferRecord_Amount(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	rec := transfer(addr(1), addr(2), "1500000000000000000", ts, "0xabc")
	rec.TokenDecimals = 18
	amt, err := rec.Amount()
	require.NoError(t, err)
	assert.Equal(t, "1.5", amt.String())

	bad := []TransferRecord{
		transfer(addr(1), addr(2), "abc", ts, "0x1"),
		transfer(addr(1), addr(2), "-5", ts, "0x2"),
		transfer(addr(1), addr(2), "1.5", ts, "0x3"),
		transfer(addr(1), "", "5", ts, "0x4"),
		transfer(addr(1), addr(2), "5", time.Time{}, "0x5"),
		transfer(addr(1), addr(2), "5", ts, ""),
	}
	for _, r := range bad {
		_, err := r.Amount()
		assert.ErrorIs(t, err, ErrMalformedRecord, "record %+v", r)
	}
}

func TestAggregator_DedupIdempotence(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	records := []TransferRecord{
		transfer(addr(1), addr(2), "100", ts, "0xaa"),
		transfer(addr(1), addr(3), "40", ts.Add(time.Minute), "0xbb"),
		transfer(addr(1), addr(2), "7", ts.Add(2*time.Minute), "0xcc"),
	}

	once := NewAggregator()
	for _, r := range records {
		_, err := once.AddTransfer(r.To, RoleBeneficiary, r)
		require.NoError(t, err)
	}

	twice := NewAggregator()
	for _, r := range append(append([]TransferRecord{}, records...), records...) {
		_, err := twice.AddTransfer(r.To, RoleBeneficiary, r)
		require.NoError(t, err)
	}

	assert.Equal(t, len(once.Entries()), len(twice.Entries()))
	for _, e := range once.Entries() {
		assert.True(t, e.TotalAmount.Equal(twice.Total(e.Address, e.Role)), "address %s", e.Address)
	}
	assert.Equal(t, "107", twice.Total(addr(2), RoleBeneficiary).String())
	assert.Equal(t, 3, twice.Duplicates())
}

func TestAggregator_DistinctEqualValue(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	agg := NewAggregator()

	ok, err := agg.AddTransfer(addr(2), RoleBeneficiary, transfer(addr(1), addr(2), "25", ts, "0xaa"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = agg.AddTransfer(addr(2), RoleBeneficiary, transfer(addr(1), addr(2), "25", ts, "0xbb"))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "50", agg.Total(addr(2), RoleBeneficiary).String())
}

func TestAggregator_SameTransactionManyRecipients(t *testing.T) {
	// One relay call paying three recipients shares hash and timestamp.
	ts := time.Unix(1700000000, 0)
	agg := NewAggregator()
	for i := 2; i <= 4; i++ {
		ok, err := agg.AddTransfer(addr(i), RoleBeneficiary, transfer(addr(1), addr(i), "10", ts, "0xdisperse"))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, agg.Entries(), 3)
}

func TestAggregator_MalformedAmongValid(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	agg := NewAggregator()

	var added int
	for i := 0; i < 11; i++ {
		amount := "10"
		if i == 5 {
			amount = "ten"
		}
		ok, err := agg.AddTransfer(addr(100+i), RoleBeneficiary,
			transfer(addr(1), addr(100+i), amount, ts.Add(time.Duration(i)*time.Second), fmt.Sprintf("0x%02d", i)))
		if i == 5 {
			assert.ErrorIs(t, err, ErrMalformedRecord)
			continue
		}
		require.NoError(t, err)
		if ok {
			added++
		}
	}

	assert.Equal(t, 10, added)
	assert.Len(t, agg.Entries(), 10)
	assert.Equal(t, 1, agg.Malformed())
}

func TestAggregator_ZeroAmountNotClassified(t *testing.T) {
	agg := NewAggregator()
	ok, err := agg.AddTransfer(addr(2), RoleBeneficiary, transfer(addr(1), addr(2), "0", time.Unix(1, 0), "0xaa"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, agg.Entries())
}

func TestAggregator_CampaignKeyedByRecipient(t *testing.T) {
	agg := NewAggregator()
	c := Campaign{
		CampaignID: "c1",
		Recipients: []Recipient{
			{Address: addr(7), Amount: decimal.NewFromInt(200)},
			{Address: "not-an-address", Amount: decimal.NewFromInt(5)},
		},
	}
	assert.Equal(t, 1, agg.AddCampaign(c))
	assert.Equal(t, 0, agg.AddCampaign(c))
	assert.Equal(t, "200", agg.Total(addr(7), RoleBeneficiary).String())
	assert.Equal(t, 2, agg.Malformed())
}

func TestAggregator_Returned(t *testing.T) {
	agg := NewAggregator()
	rec := transfer(addr(2), addr(1), "30", time.Unix(5, 0), "0xback")
	ok, err := agg.AddReturned(addr(1), rec)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = agg.AddReturned(addr(1), rec)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "30", agg.Returned().String())
}

func TestMerge_CampaignAndRelayPaths(t *testing.T) {
	x := addr(9)

	campaigns := NewAggregator()
	campaigns.AddCampaign(Campaign{CampaignID: "C", Recipients: []Recipient{{Address: x, Amount: decimal.NewFromInt(200)}}})

	relay := NewAggregator()
	_, err := relay.AddTransfer(x, RoleBeneficiary, transfer(addr(1), x, "50", time.Unix(10, 0), "0xrelay"))
	require.NoError(t, err)

	l := Merge(campaigns, relay)
	b, ok := l.Beneficiary(x)
	require.True(t, ok)
	assert.Equal(t, "250", b.AmountReceived.String())
	assert.Equal(t, 1, l.Summary.TotalBeneficiaries)
	assert.Equal(t, "250", l.Summary.TotalAmountDistributed.String())
}

func TestMerge_RoleExclusivity(t *testing.T) {
	relayAddr := addr(2)
	agg := NewAggregator()
	_, err := agg.AddTransfer(relayAddr, RoleIntermediary, transfer(addr(1), relayAddr, "1000", time.Unix(10, 0), "0xin"))
	require.NoError(t, err)
	_, err = agg.AddRetained(relayAddr, decimal.NewFromInt(50), ResidualKey(relayAddr, "forward"))
	require.NoError(t, err)
	_, err = agg.AddTransfer(addr(3), RoleBeneficiary, transfer(relayAddr, addr(3), "950", time.Unix(20, 0), "0xout"))
	require.NoError(t, err)

	l := Merge(agg)

	seen := make(map[string]int)
	for _, b := range l.Beneficiaries {
		seen[b.Address]++
	}
	for _, i := range l.Intermediaries {
		seen[i.Address]++
	}
	for a, n := range seen {
		assert.Equal(t, 1, n, "address %s listed %d times", a, n)
	}

	row, ok := l.Intermediary(relayAddr)
	require.True(t, ok)
	assert.Equal(t, "1000", row.AmountProcessed.String())
	assert.Equal(t, "50", row.AmountRetained.String())
	assert.Equal(t, "1000", l.Summary.TotalAmountDistributed.String())
	assert.Equal(t, 1, l.Summary.TotalIntermediaries)
}

func TestLedger_SortByAmount(t *testing.T) {
	l := Ledger{Beneficiaries: []Beneficiary{
		{Address: addr(1), AmountReceived: decimal.NewFromInt(5)},
		{Address: addr(3), AmountReceived: decimal.NewFromInt(50)},
		{Address: addr(2), AmountReceived: decimal.NewFromInt(50)},
	}}
	l.SortByAmount()
	assert.Equal(t, []string{addr(2), addr(3), addr(1)},
		[]string{l.Beneficiaries[0].Address, l.Beneficiaries[1].Address, l.Beneficiaries[2].Address})
}

func TestWriteBeneficiariesCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteBeneficiariesCSV(&buf, []Beneficiary{
		{Address: addr(1), AmountReceived: decimal.RequireFromString("12.5")},
		{Address: addr(2), AmountReceived: decimal.NewFromInt(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, "address,amount\n"+addr(1)+",12.5\n"+addr(2)+",3\n", buf.String())
}
