package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gianick/domain-topology/internal/api"
	"github.com/gianick/domain-topology/internal/config"
	nodecrypto "github.com/gianick/domain-topology/internal/crypto"
	"github.com/gianick/domain-topology/internal/logging"
	"github.com/gianick/domain-topology/internal/service"
	"github.com/gianick/domain-topology/internal/store"
	"github.com/gianick/domain-topology/internal/store/memory"
	"github.com/gianick/domain-topology/internal/store/postgres"
	"github.com/gianick/domain-topology/internal/traffic"
)

type Application struct {
	Server *http.Server
	Store  store.TopologyStore
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	signer, err := nodecrypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	keyring := nodecrypto.NewKeyring(signer)

	var topoStore store.TopologyStore
	var balanceStore traffic.BalanceStore
	var pg *postgres.Store
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pg, err = postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		topoStore = pg
		balanceStore = pg
	default:
		topoStore = memory.New()
	}

	balances := traffic.NewBalanceManager(logger, balanceStore)
	if pg != nil {
		if err := reloadBalances(ctx, pg, balances); err != nil {
			topoStore.Close()
			return nil, err
		}
	}
	limiter := traffic.NewRateLimiter(balances, logger)

	svc, err := service.New(service.Params{
		Store:    topoStore,
		Balances: balances,
		Limiter:  limiter,
		Keyring:  keyring,
		Traffic: traffic.Params{
			MaxBaseTrafficAmount:   cfg.Traffic.MaxBaseTrafficBytes,
			BaseRateBytesPerSecond: cfg.Traffic.BaseRateBytesPerSecond,
			Enabled:                *cfg.Traffic.Enabled,
		},
		DomainID:        cfg.Domain.DomainID,
		NodeID:          cfg.Domain.NodeID,
		ProtocolVersion: cfg.Domain.ProtocolVersion,
		StorageBackend:  cfg.Storage.Backend,
		ServiceName:     cfg.Logging.Service,
		Version:         cfg.Logging.Version,
		Logger:          logger,
	})
	if err != nil {
		topoStore.Close()
		return nil, fmt.Errorf("build topology service: %w", err)
	}

	handler := api.NewHandler(svc, logger)
	env := logging.Environment{
		Service:  cfg.Logging.Service,
		Version:  cfg.Logging.Version,
		Commit:   cfg.Logging.Commit,
		Region:   cfg.Logging.Region,
		DomainID: cfg.Domain.DomainID,
		NodeID:   cfg.Domain.NodeID,
	}
	root := logging.Middleware(logger, env)(handler.Router())

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return &Application{Server: server, Store: topoStore}, nil
}

// reloadBalances rebuilds the in-memory balance ledger from the persisted
// top-up history at startup.
func reloadBalances(ctx context.Context, pg *postgres.Store, balances *traffic.BalanceManager) error {
	rows, err := pg.ListBalanceUpdates(ctx)
	if err != nil {
		return fmt.Errorf("reload balance updates: %w", err)
	}
	for _, r := range rows {
		err := balances.AddBalanceUpdate(ctx, traffic.BalanceUpdate{
			Member:       r.Member,
			Serial:       r.Serial,
			TotalBalance: r.TotalBalance,
			Sequenced:    r.Sequenced,
		})
		if err != nil {
			return fmt.Errorf("replay balance update for %s serial %d: %w", r.Member, r.Serial, err)
		}
	}
	return nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	return a.Server.Shutdown(ctx)
}
