package merkl

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) CreatorCampaigns(ctx context.Context, creator string) ([]CampaignInfo, error) {
	args := m.Called(ctx, creator)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]CampaignInfo), args.Error(1)
}

func (m *MockAPI) Recipients(ctx context.Context, campaignID string) ([]RecipientRow, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]RecipientRow), args.Error(1)
}

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
)

func TestFetcher_SumsReasonsAndScales(t *testing.T) {
	api := new(MockAPI)
	api.On("CreatorCampaigns", mock.Anything, creator).Return([]CampaignInfo{{CampaignID: "c1"}}, nil)
	api.On("Recipients", mock.Anything, "c1").Return([]RecipientRow{
		{Recipient: alice, Reason: "lp", Amount: "1500000000000000000"},
		{Recipient: alice, Reason: "stake", Amount: "500000000000000000"},
		{Recipient: bob, Reason: "lp", Amount: "oops"},
		{Recipient: "", Reason: "lp", Amount: "1"},
	}, nil)

	f := NewFetcher(api, FetcherConfig{RewardDecimals: 18}, nil, nil)
	res := f.Fetch(context.Background(), []string{"0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae"})

	require.True(t, res.Complete)
	require.NoError(t, res.Err)
	require.Len(t, res.Campaigns, 1)
	c := res.Campaigns[0]
	assert.Equal(t, "c1", c.CampaignID)
	require.Len(t, c.Recipients, 1)
	assert.Equal(t, alice, c.Recipients[0].Address)
	assert.Equal(t, "2", c.Recipients[0].Amount.String())
	assert.Equal(t, 2, res.Malformed)
	api.AssertExpectations(t)
}

func TestFetcher_RewardTokenFilter(t *testing.T) {
	api := new(MockAPI)
	api.On("CreatorCampaigns", mock.Anything, creator).Return([]CampaignInfo{{CampaignID: "c1"}}, nil)
	api.On("Recipients", mock.Anything, "c1").Return([]RecipientRow{
		{Recipient: alice, RewardToken: "0xarb", Amount: "10"},
		{Recipient: bob, RewardToken: "0xother", Amount: "10"},
	}, nil)

	f := NewFetcher(api, FetcherConfig{RewardDecimals: 0, RewardToken: "0xARB"}, nil, nil)
	res := f.Fetch(context.Background(), []string{creator})

	require.Len(t, res.Campaigns, 1)
	require.Len(t, res.Campaigns[0].Recipients, 1)
	assert.Equal(t, alice, res.Campaigns[0].Recipients[0].Address)
}

func TestFetcher_PartialOnFailure(t *testing.T) {
	api := new(MockAPI)
	api.On("CreatorCampaigns", mock.Anything, creator).Return([]CampaignInfo{{CampaignID: "c1"}, {CampaignID: "c2"}}, nil)
	api.On("Recipients", mock.Anything, "c1").Return([]RecipientRow{{Recipient: alice, Amount: "10"}}, nil)
	api.On("Recipients", mock.Anything, "c2").Return(nil, errors.New("giving up after 5 attempts"))

	f := NewFetcher(api, FetcherConfig{}, nil, nil)
	res := f.Fetch(context.Background(), []string{creator})

	assert.False(t, res.Complete)
	assert.ErrorIs(t, res.Err, ledger.ErrUpstreamDegraded)
	require.Len(t, res.Campaigns, 1)
	assert.Equal(t, "c1", res.Campaigns[0].CampaignID)
}

func TestFetcher_DedupesCampaignsAcrossCreators(t *testing.T) {
	other := "0x00000000000000000000000000000000000000Cc"
	api := new(MockAPI)
	api.On("CreatorCampaigns", mock.Anything, creator).Return([]CampaignInfo{{CampaignID: "c1"}}, nil)
	api.On("CreatorCampaigns", mock.Anything, ledger.ChecksumAddress(other)).Return([]CampaignInfo{{CampaignID: "c1"}}, nil)
	api.On("Recipients", mock.Anything, "c1").Return([]RecipientRow{{Recipient: alice, Amount: "10"}}, nil).Once()

	f := NewFetcher(api, FetcherConfig{}, nil, nil)
	res := f.Fetch(context.Background(), []string{creator, other})

	assert.True(t, res.Complete)
	assert.Len(t, res.Campaigns, 1)
	api.AssertExpectations(t)
}

func TestFetcher_NoCreators(t *testing.T) {
	f := NewFetcher(new(MockAPI), FetcherConfig{}, nil, nil)
	res := f.Fetch(context.Background(), nil)
	assert.True(t, res.Complete)
	assert.Empty(t, res.Campaigns)
}
