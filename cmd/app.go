package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/embedkb/embedkb/db"
	"github.com/embedkb/embedkb/internal/api"
	"github.com/embedkb/embedkb/internal/audit"
	"github.com/embedkb/embedkb/internal/authn"
	"github.com/embedkb/embedkb/internal/config"
	"github.com/embedkb/embedkb/internal/connect"
	"github.com/embedkb/embedkb/internal/drive"
	"github.com/embedkb/embedkb/internal/embedtoken"
	"github.com/embedkb/embedkb/internal/ingest"
	"github.com/embedkb/embedkb/internal/kbchat"
	"github.com/embedkb/embedkb/internal/llm"
	"github.com/embedkb/embedkb/internal/resync"
	"github.com/embedkb/embedkb/internal/session"
	"github.com/embedkb/embedkb/internal/store"
	"github.com/embedkb/embedkb/internal/vault"
)

// application holds the wired service graph for the serve and ingest
// commands.
type application struct {
	cfg     *config.Config
	store   *store.Store
	runner  *ingest.Runner
	handler http.Handler
}

// setup validates configuration, migrates the database, and wires every
// service. The caller owns closing the returned application.
func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	keys, err := cfg.VaultKeys()
	if err != nil {
		return nil, fmt.Errorf("loading encryption keys: %w", err)
	}
	keyring, err := vault.New(keys)
	if err != nil {
		return nil, fmt.Errorf("building keyring: %w", err)
	}

	if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	st, err := store.New(pool, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	models, err := llm.New(ctx, llm.Config{
		ChatModel:       cfg.ChatModel,
		ValidationModel: cfg.ValidationModel,
		EmbeddingModel:  cfg.EmbeddingModel,
		PDFExtractModel: cfg.PDFExtractModel,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing models: %w", err)
	}

	signer, err := embedtoken.NewSigner([]byte(cfg.SigningSecret))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating token signer: %w", err)
	}

	rec := audit.New(st, logger)
	verifier := authn.NewHTTPVerifier(cfg.AuthURL, cfg.AuthAPIKey)

	sessions := session.New(st, signer, rec,
		time.Duration(cfg.TokenTTLSeconds)*time.Second, logger)

	gateway := kbchat.New(st, models, signer, rec, kbchat.Config{
		InputMaxChars: cfg.InputMaxChars,
		Candidates:    cfg.RetrievalCandidates,
		Final:         cfg.RetrievalFinal,
		MaxPerSource:  cfg.MaxPerSource,
	}, logger)

	driveCfg := drive.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURI:  cfg.GoogleRedirectURI,
	}
	oauth := connect.New(drive.OAuthConfig(driveCfg), verifier, st, keyring, rec,
		cfg.OwnerAppURL, logger)

	runner := ingest.NewRunner(st, models, keyring, rec, ingest.Config{
		LeaseSeconds:       cfg.JobLeaseSeconds,
		MaxAttempts:        cfg.MaxAttempts,
		ChunkSizeChars:     cfg.ChunkSizeChars,
		ChunkOverlapChars:  cfg.ChunkOverlapChars,
		MaxChunksPerSource: cfg.MaxChunksPerSource,
		EmbeddingBatchSize: cfg.EmbeddingBatchSize,
		PDFLowTextMinChars: cfg.PDFLowTextMinChars,
		PDFMaxBytes:        cfg.PDFMaxBytes,
		PDFMaxFallbacks:    cfg.PDFMaxFallbacks,
	}, func(ctx context.Context, refreshToken string) (ingest.DriveFiles, error) {
		return drive.NewClient(ctx, driveCfg, refreshToken)
	}, logger)

	resyncs := resync.New(st, verifier, rec, resync.Config{
		MaxRunningPerProject: cfg.MaxRunningPerProject,
		MaxQueuedPerProject:  cfg.MaxQueuedPerProject,
	}, logger)

	server := api.New(sessions, gateway, oauth, resyncs, runner, st, api.Config{
		IngestRunnerToken: cfg.IngestRunnerToken,
		MaxJobsPerRun:     cfg.MaxJobsPerRun,
		IPRateBurst:       cfg.IPRateBurst,
		TrustProxy:        cfg.TrustProxy,
	}, logger)

	return &application{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		handler: server.Handler(),
	}, nil
}

func (a *application) close() {
	a.store.Close()
}
