package services

import (
	"testing"
	"time"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseEnv sets the required variables and blanks the numeric ones so the
// defaults apply regardless of the host environment.
func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROJECT_ID", "proj")
	t.Setenv("PAGES_BUCKET", "pages")
	t.Setenv("PREFERRED_PROVIDER", "closed")
	for _, k := range []string{
		"RETRY_MAX_RETRIES", "RETRY_INITIAL_DELAY", "RETRY_MAX_DELAY",
		"MONITOR_DELAY", "MONITOR_MAX_ATTEMPTS", "BATCH_SIZE", "BATCH_PAUSE",
		"BATCH_PROVIDERS", "ALLOWED_ORIGINS", "QUEUE_WORKERS", "OPEN_OCR_RPS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	baseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "proj", cfg.ProjectID)
	assert.Equal(t, "pages", cfg.PagesBucket)
	assert.Equal(t, models.ProviderClosed, cfg.PreferredProvider)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, time.Minute, cfg.Retry.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.MonitorDelay)
	assert.Equal(t, 10, cfg.MonitorMaxAttempts)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.BatchPause)
	assert.Equal(t, []int{2, 3}, cfg.TierSizes)
	assert.Empty(t, cfg.BatchProviders)
	assert.Equal(t, 2.0, cfg.OpenOCR.RequestsPerSecond)
}

func TestLoadConfig_Overrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("PREFERRED_PROVIDER", "open")
	t.Setenv("BATCH_PROVIDERS", "open, closed,")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("MONITOR_DELAY", "5s")
	t.Setenv("RETRY_MAX_RETRIES", "0")
	t.Setenv("BATCH_SIZE", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, models.ProviderOpen, cfg.PreferredProvider)
	assert.Equal(t, []models.Provider{models.ProviderOpen, models.ProviderClosed}, cfg.BatchProviders)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.MonitorDelay)
	assert.Equal(t, 0, cfg.Retry.MaxRetries)
	assert.Equal(t, 5, cfg.BatchSize, "malformed values fall back to the default")
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing project", env: map[string]string{"PROJECT_ID": ""}},
		{name: "missing bucket", env: map[string]string{"PAGES_BUCKET": ""}},
		{name: "unknown preferred provider", env: map[string]string{"PREFERRED_PROVIDER": "tesseract"}},
		{name: "unknown batch provider", env: map[string]string{"BATCH_PROVIDERS": "open,tesseract"}},
		{name: "max delay below initial", env: map[string]string{"RETRY_MAX_DELAY": "100ms"}},
		{name: "negative retries", env: map[string]string{"RETRY_MAX_RETRIES": "-1"}},
		{name: "zero batch size", env: map[string]string{"BATCH_SIZE": "0"}},
		{name: "zero monitor ceiling", env: map[string]string{"MONITOR_MAX_ATTEMPTS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
