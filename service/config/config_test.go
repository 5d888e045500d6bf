package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://api.merkl.xyz", cfg.MerklAPIURL)
	assert.Equal(t, 42161, cfg.MerklChainID)
	assert.Equal(t, DefaultDistributor, cfg.MerklDistributor)
	assert.Equal(t, int32(18), cfg.MerklRewardDecimals)
	assert.Equal(t, "0.9", cfg.ForwardThreshold.String())
	assert.Equal(t, 72*time.Hour, cfg.ForwardWindow)
	assert.Equal(t, 4, cfg.MaxHops)
	assert.Equal(t, 8, cfg.FanOutLimit)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 3, cfg.StoreMaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 5, cfg.HTTPMaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.AnalysisDeadline)
	assert.Equal(t, "tokenflow", cfg.TemporalTaskQueue)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.StopAddresses)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoad_MongoDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGO_URI is required")

	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "transfers", cfg.MongoDatabase)
}

func TestLoad_FixtureDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "fixture")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIXTURE_FILE is required")

	t.Setenv("FIXTURE_FILE", "testdata/transfers.json")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverFixture, cfg.StoreDriver)
	assert.Equal(t, "testdata/transfers.json", cfg.FixtureFile)
}

func TestLoad_AccumulatesErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("FORWARD_WINDOW", "three days")
	t.Setenv("MAX_HOPS", "many")
	t.Setenv("FORWARD_THRESHOLD", "ninety")
	t.Setenv("STOP_ADDRESSES", "0x123")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORWARD_WINDOW")
	assert.Contains(t, err.Error(), "MAX_HOPS")
	assert.Contains(t, err.Error(), "FORWARD_THRESHOLD")
	assert.Contains(t, err.Error(), "STOP_ADDRESSES")
}

func TestLoad_RangeValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{name: "threshold above one", key: "FORWARD_THRESHOLD", val: "1.5", want: "threshold"},
		{name: "zero hops", key: "MAX_HOPS", val: "0", want: "max hops"},
		{name: "zero fan-out", key: "FANOUT_LIMIT", val: "0", want: "fan-out"},
		{name: "zero attempts", key: "HTTP_MAX_ATTEMPTS", val: "0", want: "HTTPMaxAttempts"},
		{name: "bad distributor", key: "MERKL_DISTRIBUTOR", val: "0xnope", want: "MERKL_DISTRIBUTOR"},
		{name: "unknown driver", key: "STORE_DRIVER", val: "sqlite", want: "STORE_DRIVER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/test")
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_AddressLists(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STOP_ADDRESSES", "0x00000000000000000000000000000000000000AA, 0x00000000000000000000000000000000000000bb")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.StopAddresses, 2)
	assert.Contains(t, cfg.StopAddresses, "0x00000000000000000000000000000000000000aa")

	tc := cfg.Trace()
	assert.Equal(t, cfg.StopAddresses, tc.StopAddresses)
	assert.NoError(t, tc.Validate())
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database_url: postgres://file/db\nmax_hops: 6\nserver_addr: \":9090\"\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_ADDR", ":7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", cfg.DatabaseURL)
	assert.Equal(t, 6, cfg.MaxHops)
	assert.Equal(t, ":7070", cfg.ServerAddr, "environment overrides the file")
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestComponentConfigs(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("QUERY_TIMEOUT", "3s")
	t.Setenv("HTTP_TIMEOUT", "4s")
	t.Setenv("MERKL_REWARD_TOKEN", "0x00000000000000000000000000000000000000CC")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Resilience().QueryTimeout)
	assert.Equal(t, 3, cfg.Resilience().MaxAttempts)
	assert.Equal(t, 4*time.Second, cfg.MerklClient().Timeout)
	assert.Equal(t, 42161, cfg.MerklClient().ChainID)
	assert.Equal(t, "0x00000000000000000000000000000000000000cc", cfg.Fetcher().RewardToken)
}

func TestMustLoad_Panics(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	assert.Panics(t, func() { MustLoad() })
}
