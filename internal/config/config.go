// Package config loads and validates the embedkb runtime configuration.
//
// Sources, highest priority first:
//  1. Environment variables with the EMBEDKB_ prefix (EMBEDKB_DATABASE_URL...)
//  2. Optional config file (--config flag or ./embedkb.yaml)
//  3. Built-in defaults
//
// Secrets (signing secret, encryption keys, OAuth client secret, API keys)
// are never logged; Config.MarshalJSON masks them.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/embedkb/embedkb/internal/vault"
)

var (
	// ErrMissingDatabaseURL indicates no Postgres connection string was set.
	ErrMissingDatabaseURL = errors.New("missing database URL")

	// ErrMissingSigningSecret indicates the embed token secret was not set.
	ErrMissingSigningSecret = errors.New("missing embed token signing secret")

	// ErrWeakSigningSecret indicates a too-short signing secret.
	ErrWeakSigningSecret = errors.New("embed token signing secret must be at least 32 bytes")

	// ErrMissingEncryptionKeys indicates no vault key material was configured.
	ErrMissingEncryptionKeys = errors.New("missing encryption keys")

	// ErrInvalidTokenTTL indicates a token TTL outside (0, MaxTokenTTL].
	ErrInvalidTokenTTL = errors.New("invalid embed token TTL")

	// ErrInvalidChunking indicates chunk size/overlap values that cannot
	// produce forward progress.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidRetrieval indicates retrieval counts that are not positive.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")
)

// MaxTokenTTLSeconds caps the configurable embed token lifetime.
const MaxTokenTTLSeconds = 3600

// Config stores the full runtime configuration.
type Config struct {
	// Server
	ListenAddr  string `mapstructure:"listen_addr" json:"listen_addr"`
	OwnerAppURL string `mapstructure:"owner_app_url" json:"owner_app_url"`
	TrustProxy  bool   `mapstructure:"trust_proxy" json:"trust_proxy"`
	IPRateBurst int    `mapstructure:"ip_rate_burst" json:"ip_rate_burst"`

	// Storage
	DatabaseURL string `mapstructure:"database_url" json:"database_url"`

	// Secrets
	SigningSecret      string `mapstructure:"signing_secret" json:"signing_secret"`
	EncryptionKeys     string `mapstructure:"encryption_keys" json:"encryption_keys"`
	EncryptionKey      string `mapstructure:"encryption_key" json:"encryption_key"`
	EncryptionKeyVer   int    `mapstructure:"encryption_key_version" json:"encryption_key_version"`
	IngestRunnerToken  string `mapstructure:"ingest_runner_token" json:"ingest_runner_token"`
	GoogleClientID     string `mapstructure:"google_client_id" json:"google_client_id"`
	GoogleClientSecret string `mapstructure:"google_client_secret" json:"google_client_secret"`
	GoogleRedirectURI  string `mapstructure:"google_redirect_uri" json:"google_redirect_uri"`

	// Owner identity service (bearer session verification)
	AuthURL    string `mapstructure:"auth_url" json:"auth_url"`
	AuthAPIKey string `mapstructure:"auth_api_key" json:"auth_api_key"`

	// Models
	ChatModel       string `mapstructure:"chat_model" json:"chat_model"`
	ValidationModel string `mapstructure:"validation_model" json:"validation_model"`
	EmbeddingModel  string `mapstructure:"embedding_model" json:"embedding_model"`
	PDFExtractModel string `mapstructure:"pdf_extract_model" json:"pdf_extract_model"`

	// Chat gateway
	TokenTTLSeconds     int `mapstructure:"token_ttl_seconds" json:"token_ttl_seconds"`
	InputMaxChars       int `mapstructure:"input_max_chars" json:"input_max_chars"`
	RetrievalCandidates int `mapstructure:"retrieval_candidates" json:"retrieval_candidates"`
	RetrievalFinal      int `mapstructure:"retrieval_final" json:"retrieval_final"`
	MaxPerSource        int `mapstructure:"max_per_source" json:"max_per_source"`

	// Ingestion
	ChunkSizeChars     int `mapstructure:"chunk_size_chars" json:"chunk_size_chars"`
	ChunkOverlapChars  int `mapstructure:"chunk_overlap_chars" json:"chunk_overlap_chars"`
	MaxChunksPerSource int `mapstructure:"max_chunks_per_source" json:"max_chunks_per_source"`
	EmbeddingBatchSize int `mapstructure:"embedding_batch_size" json:"embedding_batch_size"`
	PDFLowTextMinChars int `mapstructure:"pdf_low_text_min_chars" json:"pdf_low_text_min_chars"`
	PDFMaxBytes        int `mapstructure:"pdf_max_bytes" json:"pdf_max_bytes"`
	PDFMaxFallbacks    int `mapstructure:"pdf_max_fallbacks_per_run" json:"pdf_max_fallbacks_per_run"`
	JobLeaseSeconds    int `mapstructure:"job_lease_seconds" json:"job_lease_seconds"`
	MaxAttempts        int `mapstructure:"max_attempts" json:"max_attempts"`
	MaxJobsPerRun      int `mapstructure:"max_jobs_per_run" json:"max_jobs_per_run"`

	// Resync
	MaxRunningPerProject int `mapstructure:"max_running_per_project" json:"max_running_per_project"`
	MaxQueuedPerProject  int `mapstructure:"max_queued_per_project" json:"max_queued_per_project"`

	// Logging
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// Load reads configuration from the environment and an optional config file.
// configFile may be empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("owner_app_url", "http://localhost:5173")
	v.SetDefault("ip_rate_burst", 60)
	v.SetDefault("encryption_key_version", 1)
	v.SetDefault("chat_model", "gemini-2.5-flash")
	v.SetDefault("validation_model", "gemini-2.5-flash-lite")
	v.SetDefault("embedding_model", "gemini-embedding-001")
	v.SetDefault("pdf_extract_model", "gemini-2.5-flash")
	v.SetDefault("token_ttl_seconds", 300)
	v.SetDefault("input_max_chars", 4000)
	v.SetDefault("retrieval_candidates", 20)
	v.SetDefault("retrieval_final", 8)
	v.SetDefault("max_per_source", 2)
	v.SetDefault("chunk_size_chars", 1200)
	v.SetDefault("chunk_overlap_chars", 200)
	v.SetDefault("max_chunks_per_source", 300)
	v.SetDefault("embedding_batch_size", 64)
	v.SetDefault("pdf_low_text_min_chars", 600)
	v.SetDefault("pdf_max_bytes", 10*1024*1024)
	v.SetDefault("pdf_max_fallbacks_per_run", 2)
	v.SetDefault("job_lease_seconds", 300)
	v.SetDefault("max_attempts", 5)
	v.SetDefault("max_jobs_per_run", 1)
	v.SetDefault("max_running_per_project", 3)
	v.SetDefault("max_queued_per_project", 100)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("EMBEDKB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for the serve path.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrMissingDatabaseURL
	}
	if c.SigningSecret == "" {
		return ErrMissingSigningSecret
	}
	if len(c.SigningSecret) < 32 {
		return ErrWeakSigningSecret
	}
	if _, err := c.VaultKeys(); err != nil {
		return err
	}
	if c.TokenTTLSeconds <= 0 || c.TokenTTLSeconds > MaxTokenTTLSeconds {
		return fmt.Errorf("%w: %d seconds (max %d)", ErrInvalidTokenTTL, c.TokenTTLSeconds, MaxTokenTTLSeconds)
	}
	if c.ChunkSizeChars <= 0 || c.ChunkOverlapChars < 0 || c.ChunkOverlapChars >= c.ChunkSizeChars {
		return fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidChunking, c.ChunkSizeChars, c.ChunkOverlapChars)
	}
	if c.RetrievalCandidates <= 0 || c.RetrievalFinal <= 0 || c.MaxPerSource <= 0 {
		return fmt.Errorf("%w: candidates=%d final=%d per_source=%d",
			ErrInvalidRetrieval, c.RetrievalCandidates, c.RetrievalFinal, c.MaxPerSource)
	}
	return nil
}

// VaultKeys parses the configured encryption key material. The multi-key
// "version:base64,..." form wins; a single key plus version is the legacy
// fallback.
func (c *Config) VaultKeys() ([]vault.Key, error) {
	if keyset := strings.TrimSpace(c.EncryptionKeys); keyset != "" {
		return vault.ParseKeyset(keyset)
	}
	if key := strings.TrimSpace(c.EncryptionKey); key != "" {
		return vault.ParseKeyset(fmt.Sprintf("%d:%s", c.EncryptionKeyVer, key))
	}
	return nil, ErrMissingEncryptionKeys
}

// MarshalJSON masks secret fields so the config can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(c)
	for _, field := range []*string{
		&masked.DatabaseURL,
		&masked.SigningSecret,
		&masked.EncryptionKeys,
		&masked.EncryptionKey,
		&masked.IngestRunnerToken,
		&masked.GoogleClientSecret,
		&masked.AuthAPIKey,
	} {
		if *field != "" {
			*field = "***"
		}
	}
	return json.Marshal(masked)
}
