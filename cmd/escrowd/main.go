package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"escrowd/chain"
	"escrowd/config"
	"escrowd/observability/logging"
	"escrowd/server"
	"escrowd/service"
	"escrowd/storage"
	"escrowd/watcher"
)

const shutdownGrace = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "escrowd.yaml", "path to escrowd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("escrowd: load config: %v", err)
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("escrowd", env)

	if cfg.OracleKey == "" {
		log.Fatalf("escrowd: %s must be set", config.EnvOracleKey)
	}
	if cfg.APIToken == "" {
		log.Fatalf("escrowd: %s must be set", config.EnvAPIToken)
	}

	chainID, network, err := cfg.Active()
	if err != nil {
		log.Fatalf("escrowd: %v", err)
	}
	id, ok := new(big.Int).SetString(chainID, 10)
	if !ok {
		log.Fatalf("escrowd: network key %q is not a chain id", chainID)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("escrowd: open database: %v", err)
	}
	store, err := storage.New(db)
	if err != nil {
		log.Fatalf("escrowd: migrate database: %v", err)
	}

	endpoint := network.RPCWS
	if endpoint == "" {
		endpoint = network.RPCHTTP
	}
	client, err := chain.Dial(endpoint)
	if err != nil {
		log.Fatalf("escrowd: dial %s: %v", endpoint, err)
	}
	defer client.Close()

	account, err := chain.NewAccount(cfg.OracleKey, id)
	if err != nil {
		log.Fatalf("escrowd: oracle account: %v", err)
	}
	logger.Info("oracle account loaded", "address", account.Address().Hex(), "network", network.Name, "chain_id", chainID)

	nonces := chain.NewNonceSequencer(client, account.Address())
	dispatcher := chain.NewDispatcher(client, account, nonces, chain.WithDispatcherLogger(logger))

	processor := watcher.NewProcessor(client, dispatcher, store, logger)
	registry := watcher.NewRegistry(processor, store, chainID, watcher.WithRegistryLogger(logger))
	processor.BindDeactivator(registry.Deactivate)

	svc := service.New(store, client, dispatcher, registry, network.FactoryAddress(), network.TokenAddress(), chainID, logger)
	api := server.New(server.Config{Service: svc, Token: cfg.APIToken})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registry.Start(rootCtx); err != nil {
		log.Fatalf("escrowd: start workers: %v", err)
	}

	feed := watcher.New(client, store, registry, watcher.Config{
		Network:          chainID,
		Factory:          network.FactoryAddress(),
		Token:            network.TokenAddress(),
		ConfirmationLag:  network.ConfirmationLag,
		BackfillInterval: network.BackfillInterval.Duration,
		AddressChunk:     network.AddressChunk,
	}, logger)
	go feed.Run(rootCtx)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	registry.Stop(shutdownGrace)
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	}
}
