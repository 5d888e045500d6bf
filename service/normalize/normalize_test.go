package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransfer_FieldVariants(t *testing.T) {
	ctx := context.Background()
	want := time.Unix(1700000000, 0).UTC()

	tests := []struct {
		name         string
		doc          map[string]any
		wantDecimals int32
	}{
		{
			name: "explorer export",
			doc: map[string]any{
				"timeStamp":    "1700000000",
				"hash":         "0xabc",
				"from":         "0x00000000000000000000000000000000000000AA",
				"to":           "0x00000000000000000000000000000000000000bb",
				"value":        "1000",
				"tokenDecimal": "6",
			},
			wantDecimals: 6,
		},
		{
			name: "indexer row",
			doc: map[string]any{
				"timestamp":       1700000000,
				"transactionHash": "0xabc",
				"fromAddress":     "0x00000000000000000000000000000000000000aa",
				"toAddress":       "0x00000000000000000000000000000000000000bb",
				"amount":          1000,
			},
			wantDecimals: 18,
		},
		{
			name: "milliseconds and rfc3339 fallback",
			doc: map[string]any{
				"blockTimestamp": float64(1700000000000),
				"txHash":         "0xabc",
				"from_address":   "0x00000000000000000000000000000000000000aa",
				"to_address":     "0x00000000000000000000000000000000000000bb",
				"raw_amount":     "1000",
				"decimals":       float64(18),
			},
			wantDecimals: 18,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Transfer(ctx, tt.doc, 18)
			require.NoError(t, err)
			assert.Equal(t, want, rec.Timestamp)
			assert.Equal(t, "0xabc", rec.TxHash)
			assert.Equal(t, "0x00000000000000000000000000000000000000aa", rec.From)
			assert.Equal(t, "0x00000000000000000000000000000000000000bb", rec.To)
			assert.Equal(t, "1000", rec.RawAmount)
			assert.Equal(t, tt.wantDecimals, rec.TokenDecimals)
		})
	}
}

func TestTransfer_MissingFieldsStayEmpty(t *testing.T) {
	rec, err := Transfer(context.Background(), map[string]any{"hash": "0x1"}, 18)
	require.NoError(t, err)
	assert.Empty(t, rec.RawAmount)
	assert.True(t, rec.Timestamp.IsZero())

	_, err = rec.Amount()
	assert.Error(t, err)
}

func TestTransfer_OutOfRangeDecimalsAreMalformed(t *testing.T) {
	doc := func(decimals any) map[string]any {
		return map[string]any{
			"timeStamp": "1700000000",
			"hash":      "0x1",
			"from":      "0x00000000000000000000000000000000000000aa",
			"to":        "0x00000000000000000000000000000000000000bb",
			"value":     "1000",
			"decimals":  decimals,
		}
	}

	rec, err := Transfer(context.Background(), doc(18), 18)
	require.NoError(t, err)
	_, err = rec.Amount()
	require.NoError(t, err)

	for _, decimals := range []any{4294967314, -3, 37, "4294967314"} {
		rec, err := Transfer(context.Background(), doc(decimals), 18)
		require.NoError(t, err)
		_, err = rec.Amount()
		assert.ErrorIs(t, err, ledger.ErrMalformedRecord, "decimals %v", decimals)
	}
}

func TestTimestamp(t *testing.T) {
	ts, ok := Timestamp("2024-01-02T03:04:05Z")
	require.True(t, ok)
	assert.Equal(t, 2024, ts.Year())

	_, ok = Timestamp("yesterday")
	assert.False(t, ok)
	_, ok = Timestamp(nil)
	assert.False(t, ok)
}

func TestProgram_Match(t *testing.T) {
	p, err := Compile(`.amount | tonumber > 10`)
	require.NoError(t, err)

	ok, err := p.Match(context.Background(), map[string]any{"amount": "12"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Match(context.Background(), map[string]any{"amount": "3"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile(`{broken`)
	assert.Error(t, err)
}

func TestProgram_Objects(t *testing.T) {
	p, err := Compile(`.rows[] | {id: (.id | tostring)}`)
	require.NoError(t, err)

	out, err := p.Objects(context.Background(), map[string]any{"rows": []any{
		map[string]any{"id": 1},
		map[string]any{"id": "b"},
	}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0]["id"])
	assert.Equal(t, "b", out[1]["id"])

	_, err = p.Objects(context.Background(), map[string]any{"rows": []any{1}})
	assert.Error(t, err)
}
