package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carbon-marketplace/icr-marketplace/internal/auth"
	"github.com/carbon-marketplace/icr-marketplace/internal/config"
	"github.com/carbon-marketplace/icr-marketplace/internal/crypto"
	"github.com/carbon-marketplace/icr-marketplace/internal/db/repositories"
	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
	"github.com/carbon-marketplace/icr-marketplace/internal/installations"
	"github.com/carbon-marketplace/icr-marketplace/internal/jobs"
	"github.com/carbon-marketplace/icr-marketplace/internal/marketplace"
	"github.com/carbon-marketplace/icr-marketplace/internal/storage"
	"github.com/carbon-marketplace/icr-marketplace/internal/tokens"

	// Import storage backends to register them
	_ "github.com/carbon-marketplace/icr-marketplace/internal/storage/azure"
	_ "github.com/carbon-marketplace/icr-marketplace/internal/storage/gcs"
	_ "github.com/carbon-marketplace/icr-marketplace/internal/storage/local"
	_ "github.com/carbon-marketplace/icr-marketplace/internal/storage/s3"
)

// Services is everything the router serves. BuildServices assembles the production
// set; tests construct their own.
type Services struct {
	Connect     *installations.Service
	Marketplace *marketplace.Service
	Directory   *tokens.Directory
	Archive     storage.Storage
	Sweeper     *jobs.ExpirySweeper
}

// BuildServices wires repositories, the registry client, the token issuer and the
// certificate archive from configuration.
func BuildServices(cfg *config.Config, db *sql.DB) (*Services, error) {
	archive, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	log.Printf("Initialized storage backend: %s", archive.Backend())
	prepareArchive(archive)

	sqlxDB := sqlx.NewDb(db, "postgres")
	orgRepo := repositories.NewOrganizationRepository(db)
	tokenRepo := repositories.NewAccessTokenRepository(sqlxDB)
	stateRepo := repositories.NewPendingStateRepository(sqlxDB)
	certRepo := repositories.NewCertificateRepository(sqlxDB)

	cipher, err := crypto.FromSecret(cfg.Tokens.EncryptionKey, cfg.Tokens.Passphrase, cfg.Tokens.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	signer, err := auth.NewAppSigner(cfg.ICR.AppID, cfg.ICR.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load app signing key: %w", err)
	}
	app := signer.TokenSource()

	client := icr.NewClient(cfg.ICR.APIURL, cfg.ICR.APIVersion, &http.Client{Timeout: cfg.ICR.RequestTimeout})
	directory := tokens.NewDirectory(orgRepo, client, app)
	issuer := tokens.NewIssuer(tokens.IssuerConfig{
		Store:       tokenRepo,
		Cipher:      cipher,
		Resolver:    directory,
		Registry:    client,
		App:         app,
		MemoryCache: cfg.Tokens.MemoryCache,
	})

	return &Services{
		Connect: installations.NewService(stateRepo, orgRepo, client, app, installations.Config{
			InstallURL:  cfg.InstallURL(),
			CallbackURL: cfg.CallbackURL(),
			StateTTL:    cfg.State.TTL,
		}),
		Marketplace: marketplace.NewService(client, issuer, orgRepo, certRepo, archive),
		Directory:   directory,
		Archive:     archive,
		Sweeper:     jobs.NewExpirySweeper(stateRepo, tokenRepo, cfg.Jobs.SweepInterval),
	}, nil
}

// prepareArchive creates the bucket or container of cloud backends that support it.
// Failure is logged: the readiness probe reports a backend that stays unusable.
func prepareArchive(archive storage.Storage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch b := archive.(type) {
	case interface{ EnsureBucket(context.Context) error }:
		err = b.EnsureBucket(ctx)
	case interface{ EnsureContainer(context.Context) error }:
		err = b.EnsureContainer(ctx)
	default:
		return
	}
	if err != nil {
		slog.Warn("failed to prepare certificate archive", "backend", archive.Backend(), "error", err)
	}
}
