package temporal

import (
	"errors"
	"testing"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func TestAnalyzeProtocolWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		input          AnalyzeProtocolInput
		mockActivities func(analyzeMock, publishMock *testsuite.MockCallWrapper)
		expectedError  bool
		validateResult func(*testing.T, *AnalyzeProtocolResult)
	}{
		{
			name:  "analysis without publishing",
			input: AnalyzeProtocolInput{ProtocolAddress: testProtocol},
			mockActivities: func(analyzeMock, publishMock *testsuite.MockCallWrapper) {
				analyzeMock.Return(sampleResult(), nil)
			},
			validateResult: func(t *testing.T, result *AnalyzeProtocolResult) {
				require.NotNil(t, result.Result)
				assert.Equal(t, analyzer.StatusComplete, result.Result.Status)
				assert.Equal(t, "1000", result.Result.Summary.TotalAmountDistributed.String())
				assert.Equal(t, "50", result.Result.Intermediaries[0].AmountRetained.String())
				assert.False(t, result.Published)
				assert.Nil(t, result.Error)
			},
		},
		{
			name:  "analysis with publishing",
			input: AnalyzeProtocolInput{ProtocolAddress: testProtocol, Publish: true},
			mockActivities: func(analyzeMock, publishMock *testsuite.MockCallWrapper) {
				analyzeMock.Return(sampleResult(), nil)
				publishMock.Return(&PublishAnalysisResult{Published: true}, nil)
			},
			validateResult: func(t *testing.T, result *AnalyzeProtocolResult) {
				assert.True(t, result.Published)
				assert.Nil(t, result.Error)
			},
		},
		{
			name:  "publish failure does not fail the run",
			input: AnalyzeProtocolInput{ProtocolAddress: testProtocol, Publish: true},
			mockActivities: func(analyzeMock, publishMock *testsuite.MockCallWrapper) {
				analyzeMock.Return(sampleResult(), nil)
				publishMock.Return(nil, errors.New("nats unavailable"))
			},
			validateResult: func(t *testing.T, result *AnalyzeProtocolResult) {
				require.NotNil(t, result.Result)
				assert.False(t, result.Published)
				require.NotNil(t, result.Error)
				assert.Contains(t, *result.Error, "failed to publish analysis")
			},
		},
		{
			name:  "invalid input fails the workflow",
			input: AnalyzeProtocolInput{ProtocolAddress: "0x12"},
			mockActivities: func(analyzeMock, publishMock *testsuite.MockCallWrapper) {
				analyzeMock.Return(nil, temporalsdk.NewNonRetryableApplicationError("invalid input", ErrTypeInvalidInput, nil))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			register(env, activities)

			analyzeMock := env.OnActivity(activities.Analyze, mock.Anything, mock.Anything)
			publishMock := env.OnActivity(activities.PublishAnalysis, mock.Anything, mock.Anything)
			tt.mockActivities(analyzeMock, publishMock)

			env.ExecuteWorkflow(AnalyzeProtocolWorkflow, tt.input)
			require.True(t, env.IsWorkflowCompleted())

			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result AnalyzeProtocolResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}
