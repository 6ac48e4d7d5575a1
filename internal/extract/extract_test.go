package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentd-io/incidentd/internal/incident"
)

const pipelineRunPayload = `{
	"schemaId": "azureMonitorCommonAlertSchema",
	"data": {
		"essentials": {
			"alertId": "/alerts/12345",
			"alertRule": "adf-pipeline-failed",
			"description": "Pipeline run failed",
			"severity": "Sev1"
		},
		"alertContext": {
			"condition": {
				"allOf": [
					{
						"dimensions": [
							{"name": "PipelineName", "value": "Copy_to_database"},
							{"name": "PipelineRunId", "value": "531bdc17-0466-4787-9bd1-64d24fc3a367"},
							{"name": "ErrorMessage", "value": "TypeConversionFailure at sink: column 'amount'"}
						]
					}
				]
			}
		}
	}
}`

func TestExtractPipelineRun(t *testing.T) {
	t.Run("full dimensional payload", func(t *testing.T) {
		draft, err := Extract(incident.SourcePipelineRun, []byte(pipelineRunPayload))

		require.NoError(t, err)
		assert.Equal(t, incident.SourcePipelineRun, draft.SourceKind)
		assert.Equal(t, "Copy_to_database", draft.ResourceName)
		assert.Equal(t, "531bdc17-0466-4787-9bd1-64d24fc3a367", draft.CorrelationID)
		assert.Equal(t, "TypeConversionFailure at sink: column 'amount'", draft.RawErrorText)
		assert.False(t, draft.Generic)

		// Dimensions are flattened into attributes in payload order.
		require.Len(t, draft.Attributes, 3)
		assert.Equal(t, "PipelineName", draft.Attributes[0].Name)
		assert.Equal(t, "PipelineRunId", draft.Attributes[1].Name)
	})

	t.Run("missing dimensions falls back to essentials", func(t *testing.T) {
		payload := `{
			"data": {
				"essentials": {
					"alertId": "/alerts/67890",
					"alertRule": "adf-pipeline-failed",
					"description": "Pipeline run failed with unknown error"
				}
			}
		}`

		draft, err := Extract(incident.SourcePipelineRun, []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, "adf-pipeline-failed", draft.ResourceName)
		assert.Equal(t, "/alerts/67890", draft.CorrelationID)
		assert.Equal(t, "Pipeline run failed with unknown error", draft.RawErrorText)
	})

	t.Run("no error fields yields placeholder", func(t *testing.T) {
		payload := `{
			"data": {
				"essentials": {"alertId": "/alerts/1"}
			}
		}`

		draft, err := Extract(incident.SourcePipelineRun, []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, PlaceholderErrorText, draft.RawErrorText)
	})

	t.Run("no correlation id anywhere fails", func(t *testing.T) {
		payload := `{"data": {"essentials": {"alertRule": "some-rule"}}}`

		draft, err := Extract(incident.SourcePipelineRun, []byte(payload))

		require.Error(t, err)
		assert.Nil(t, draft)
		assert.ErrorIs(t, err, incident.ErrMissingCorrelationID)

		var extractErr *Error

		require.ErrorAs(t, err, &extractErr)
		assert.Equal(t, incident.SourcePipelineRun, extractErr.Source)
	})
}

func TestExtractJobRun(t *testing.T) {
	t.Run("nested job and run objects", func(t *testing.T) {
		payload := `{
			"job": {
				"job_id": 237943,
				"settings": {"name": "nightly-revenue-rollup"}
			},
			"run": {
				"run_id": 88120354,
				"run_name": "nightly-revenue-rollup-run",
				"state": {
					"life_cycle_state": "TERMINATED",
					"result_state": "FAILED",
					"state_message": "Task revenue_agg failed: org.apache.spark.SparkException"
				}
			}
		}`

		draft, err := Extract(incident.SourceJobRun, []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, "nightly-revenue-rollup", draft.ResourceName)
		assert.Equal(t, "88120354", draft.CorrelationID)
		assert.Equal(t, "Task revenue_agg failed: org.apache.spark.SparkException", draft.RawErrorText)

		resultState, ok := draft.Attribute("result_state")
		require.True(t, ok)
		assert.Equal(t, "FAILED", resultState)
	})

	t.Run("falls back to run name and flat run id", func(t *testing.T) {
		payload := `{
			"run_id": "ad-hoc-42",
			"run": {"run_name": "one-off-backfill"}
		}`

		draft, err := Extract(incident.SourceJobRun, []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, "one-off-backfill", draft.ResourceName)
		assert.Equal(t, "ad-hoc-42", draft.CorrelationID)
		assert.Equal(t, PlaceholderErrorText, draft.RawErrorText)
	})

	t.Run("missing run id fails", func(t *testing.T) {
		payload := `{"job": {"settings": {"name": "orphan-job"}}}`

		_, err := Extract(incident.SourceJobRun, []byte(payload))

		assert.ErrorIs(t, err, incident.ErrMissingCorrelationID)
	})
}

func TestExtractClusterLifecycle(t *testing.T) {
	t.Run("terminated cluster with reason parameters", func(t *testing.T) {
		payload := `{
			"event": "cluster.terminated",
			"cluster": {
				"cluster_id": "0831-124500-abc123",
				"cluster_name": "etl-autoscale",
				"state": "TERMINATED",
				"state_message": "Driver became unresponsive",
				"termination_reason": {
					"code": "INSTANCE_UNREACHABLE",
					"type": "CLOUD_FAILURE",
					"parameters": {
						"instance_id": "i-0abc",
						"azure_error_code": "VMExtensionProvisioningError"
					}
				}
			}
		}`

		draft, err := Extract(incident.SourceClusterLifecycle, []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, "etl-autoscale", draft.ResourceName)
		assert.Equal(t, "0831-124500-abc123", draft.CorrelationID)
		assert.Equal(t, "cluster.terminated", draft.EventKind)

		// State message and termination code must both survive into the
		// composed error text.
		assert.Contains(t, draft.RawErrorText, "Driver became unresponsive")
		assert.Contains(t, draft.RawErrorText, "INSTANCE_UNREACHABLE")
		assert.Contains(t, draft.RawErrorText, "CLOUD_FAILURE")
		assert.Contains(t, draft.RawErrorText, "azure_error_code=VMExtensionProvisioningError")

		code, ok := draft.Attribute("termination_code")
		require.True(t, ok)
		assert.Equal(t, "INSTANCE_UNREACHABLE", code)
	})

	t.Run("reason parameters render in sorted key order", func(t *testing.T) {
		payload := `{
			"event": "cluster.terminated",
			"cluster": {
				"cluster_id": "c-1",
				"state_message": "gone",
				"termination_reason": {
					"code": "SPOT_EVICTION",
					"parameters": {"zone": "eu-1", "bid": "0.2"}
				}
			}
		}`

		draft, err := Extract(incident.SourceClusterLifecycle, []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, "Cluster cluster.terminated: gone. Reason: SPOT_EVICTION. Details: bid=0.2, zone=eu-1", draft.RawErrorText)
	})

	t.Run("cluster name falls back to cluster id", func(t *testing.T) {
		payload := `{"cluster": {"cluster_id": "0831-999"}}`

		draft, err := Extract(incident.SourceClusterLifecycle, []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, "0831-999", draft.ResourceName)
		assert.Equal(t, "unexpected-termination", draft.EventKind)
		assert.Contains(t, draft.RawErrorText, PlaceholderErrorText)
	})

	t.Run("missing cluster id fails", func(t *testing.T) {
		payload := `{"cluster": {"cluster_name": "nameless"}}`

		_, err := Extract(incident.SourceClusterLifecycle, []byte(payload))

		assert.ErrorIs(t, err, incident.ErrMissingCorrelationID)
	})
}

func TestExtractGeneric(t *testing.T) {
	t.Run("copies name and message fields", func(t *testing.T) {
		payload := `{"name": "mystery-service", "id": "evt-773", "message": "it broke"}`

		draft, err := Extract(incident.SourceGeneric, []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, incident.SourceGeneric, draft.SourceKind)
		assert.Equal(t, "mystery-service", draft.ResourceName)
		assert.Equal(t, "evt-773", draft.CorrelationID)
		assert.Equal(t, "it broke", draft.RawErrorText)
		assert.True(t, draft.Generic)
	})

	t.Run("unrecognized source kind routes to generic adapter", func(t *testing.T) {
		payload := `{"resource_name": "unknown-thing", "resource_id": "r-1"}`

		draft, err := Extract(incident.SourceKind("pagerduty"), []byte(payload))

		require.NoError(t, err)
		assert.Equal(t, incident.SourceGeneric, draft.SourceKind)
		assert.Equal(t, "unknown-thing", draft.ResourceName)
		assert.Equal(t, "r-1", draft.CorrelationID)
		assert.True(t, draft.Generic)
	})
}

func TestExtractUnparseablePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "this is not json"},
		{"json array", `[1, 2, 3]`},
		{"empty body", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft, err := Extract(incident.SourcePipelineRun, []byte(tt.payload))

			require.Error(t, err)
			assert.Nil(t, draft)
			assert.ErrorIs(t, err, ErrUnparseablePayload)
		})
	}
}
