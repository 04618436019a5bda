package services

import (
	"fmt"
	"time"

	"github.com/Lllllllleong/pageflow/internal/gcp"
	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/retry"
)

// Config holds all configuration for the pipeline services.
type Config struct {
	ProjectID         string
	VertexAIRegion    string
	ModelName         string
	EmbeddingModel    string
	PagesBucket       string
	UploadsBucket     string
	CollectionPrefix  string
	// FirestoreDatabase is empty for the project's default database.
	FirestoreDatabase string

	WorkflowID       string
	WorkflowLocation string
	TaskHandlerURL   string

	OpenOCR           providers.OpenOCRConfig
	PreferredProvider models.Provider

	Retry              retry.Policy
	MonitorDelay       time.Duration
	MonitorMaxAttempts int
	BatchSize          int
	BatchPause         time.Duration
	BatchProviders     []models.Provider
	// TierSizes sizes the tiers after the first page; pages beyond them share the last tier.
	TierSizes []int

	AllowedOrigins []string
	QueueWorkers   int
	StoreKind      string
}

// LoadConfig loads and validates all necessary environment variables.
func LoadConfig() (*Config, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	pagesBucket := gcp.GetEnv("PAGES_BUCKET", "")
	if pagesBucket == "" {
		return nil, fmt.Errorf("PAGES_BUCKET environment variable must be set")
	}

	preferred, err := models.ParseProvider(gcp.GetEnv("PREFERRED_PROVIDER", string(models.ProviderClosed)))
	if err != nil {
		return nil, fmt.Errorf("PREFERRED_PROVIDER: %w", err)
	}

	var batch []models.Provider
	for _, name := range gcp.GetEnvList("BATCH_PROVIDERS", nil) {
		p, err := models.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("BATCH_PROVIDERS: %w", err)
		}
		batch = append(batch, p)
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = gcp.GetEnvInt("RETRY_MAX_RETRIES", policy.MaxRetries)
	policy.InitialDelay = gcp.GetEnvDuration("RETRY_INITIAL_DELAY", policy.InitialDelay)
	policy.MaxDelay = gcp.GetEnvDuration("RETRY_MAX_DELAY", policy.MaxDelay)
	if policy.MaxRetries < 0 || policy.InitialDelay <= 0 || policy.MaxDelay < policy.InitialDelay {
		return nil, fmt.Errorf("invalid retry policy: maxRetries=%d initialDelay=%s maxDelay=%s",
			policy.MaxRetries, policy.InitialDelay, policy.MaxDelay)
	}

	cfg := &Config{
		ProjectID:         projectID,
		VertexAIRegion:    gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		ModelName:         gcp.GetEnv("VERTEX_MODEL", "gemini-1.5-pro"),
		EmbeddingModel:    gcp.GetEnv("EMBEDDING_MODEL", "text-embedding-004"),
		PagesBucket:       pagesBucket,
		UploadsBucket:     gcp.GetEnv("UPLOADS_BUCKET", ""),
		CollectionPrefix:  gcp.GetEnv("FIRESTORE_COLLECTION_PREFIX", ""),
		FirestoreDatabase: gcp.GetEnv("FIRESTORE_DATABASE", ""),

		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", "pageflow-task-dispatch"),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		TaskHandlerURL:   gcp.GetEnv("TASK_HANDLER_URL", ""),

		OpenOCR: providers.OpenOCRConfig{
			Endpoint:          gcp.GetEnv("OPEN_OCR_ENDPOINT", ""),
			APIKey:            gcp.GetEnv("OPEN_OCR_API_KEY", ""),
			RequestsPerSecond: gcp.GetEnvFloat("OPEN_OCR_RPS", 2),
		},
		PreferredProvider: preferred,

		Retry:              policy,
		MonitorDelay:       gcp.GetEnvDuration("MONITOR_DELAY", 30*time.Second),
		MonitorMaxAttempts: gcp.GetEnvInt("MONITOR_MAX_ATTEMPTS", 10),
		BatchSize:          gcp.GetEnvInt("BATCH_SIZE", 5),
		BatchPause:         gcp.GetEnvDuration("BATCH_PAUSE", 2*time.Second),
		BatchProviders:     batch,
		TierSizes:          []int{2, 3},

		AllowedOrigins: gcp.GetEnvList("ALLOWED_ORIGINS", nil),
		QueueWorkers:   gcp.GetEnvInt("QUEUE_WORKERS", 8),
		StoreKind:      gcp.GetEnv("STORE", "firestore"),
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MonitorMaxAttempts <= 0 {
		return nil, fmt.Errorf("MONITOR_MAX_ATTEMPTS must be positive, got %d", cfg.MonitorMaxAttempts)
	}
	return cfg, nil
}
