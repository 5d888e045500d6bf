package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func transfer(from, to int, amount string, ts int64, hash string) ledger.TransferRecord {
	return ledger.TransferRecord{
		Timestamp:     time.Unix(ts, 0).UTC(),
		TxHash:        hash,
		From:          addr(from),
		To:            addr(to),
		RawAmount:     amount,
		TokenDecimals: 18,
	}
}

func TestStore_TransferQueries(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)
	ctx := context.Background()

	n, err := store.InsertTransfers(ctx, "disperse", []ledger.TransferRecord{transfer(1, 5, "1", 5, "0xside")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.InsertTransfers(ctx, "protocol_a", []ledger.TransferRecord{
		transfer(1, 2, "100", 10, "0xa"),
		transfer(1, 3, "200", 20, "0xb"),
		transfer(2, 4, "90", 30, "0xc"),
		transfer(1, 2, "100", 10, "0xa"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "duplicate row is skipped")

	t.Run("select partition skips side collections", func(t *testing.T) {
		p, err := store.SelectPartition(ctx, addr(1))
		require.NoError(t, err)
		assert.Equal(t, "protocol_a", p)

		_, err = store.SelectPartition(ctx, addr(99))
		assert.ErrorIs(t, err, transfers.ErrNoPartition)
	})

	t.Run("outgoing respects window", func(t *testing.T) {
		all, err := store.Outgoing(ctx, "protocol_a", addr(1), transfers.TimeRange{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "0xa", all[0].TxHash)
		assert.Equal(t, int32(18), all[0].TokenDecimals)

		later, err := store.Outgoing(ctx, "protocol_a", addr(1), transfers.TimeRange{Start: time.Unix(15, 0)})
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, "0xb", later[0].TxHash)
	})

	t.Run("senders", func(t *testing.T) {
		s, err := store.Senders(ctx, "protocol_a", addr(2))
		require.NoError(t, err)
		assert.Equal(t, []string{addr(1)}, s)
	})

	t.Run("list partitions", func(t *testing.T) {
		parts, err := store.ListPartitions(ctx)
		require.NoError(t, err)
		require.Len(t, parts, 2)
		assert.Equal(t, "disperse", parts[0].Name)
		assert.Equal(t, int64(3), parts[1].Records)
	})
}
