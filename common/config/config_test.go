package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("test-service")
	require.NoError(t, err)

	assert.Equal(t, "test-service", cfg.Service.Name)
	assert.Equal(t, 200*1024, cfg.Kernel.InlineThreshold)
	assert.Equal(t, 200, cfg.Kernel.HistoryLimit)
	assert.Equal(t, 3, cfg.Driver.MaxHealAttempts)
	assert.Equal(t, 10, cfg.GC.BatchSize)
	assert.Equal(t, "stateflow-blocks", cfg.Blob.Bucket)
}

func TestResolveBucketAmbiguous(t *testing.T) {
	t.Setenv("STATE_BUCKET", "bucket-a")
	t.Setenv("WORKFLOW_STATE_BUCKET", "bucket-b")

	_, err := Load("test-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous bucket configuration")
}

func TestResolveBucketAgreeing(t *testing.T) {
	t.Setenv("STATE_BUCKET", "bucket-a")
	t.Setenv("WORKFLOW_STATE_BUCKET", "bucket-a")

	cfg, err := Load("test-service")
	require.NoError(t, err)
	assert.Equal(t, "bucket-a", cfg.Blob.Bucket)
}

func TestResolveBucketLegacyOnly(t *testing.T) {
	t.Setenv("WORKFLOW_STATE_BUCKET", "legacy-bucket")

	cfg, err := Load("test-service")
	require.NoError(t, err)
	assert.Equal(t, "legacy-bucket", cfg.Blob.Bucket)
}

func TestValidateRejectsOversizedGCBatch(t *testing.T) {
	t.Setenv("GC_BATCH_SIZE", "25")

	_, err := Load("test-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gc batch size")
}
