package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/payreq/internal/api"
	"github.com/punchamoorthee/payreq/internal/config"
	"github.com/punchamoorthee/payreq/internal/logging"
	"github.com/punchamoorthee/payreq/internal/service"
	"github.com/punchamoorthee/payreq/internal/store"
	"github.com/punchamoorthee/payreq/internal/transfer"
	"github.com/punchamoorthee/payreq/internal/transfer/erc20"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	transfers, normalize, closeTransfers, err := openTransfers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransfers()

	// Initialize Layers
	svc := service.NewLedgerService(st, transfers, service.Options{
		Logger:            logger,
		ClaimLease:        cfg.ClaimLease,
		ApproveTimeout:    cfg.ApproveTimeout,
		NormalizeIdentity: normalize,
	})
	handler := api.NewHandler(svc, logger, cfg.AssetDecimals)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreBackend),
			zap.String("transfer", cfg.TransferBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ApproveTimeout+5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisStore(client), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func openTransfers(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transfer.Service, service.IdentityNormalizer, func(), error) {
	if cfg.TransferBackend == config.TransferERC20 {
		token, err := erc20.NormalizeAddress(cfg.TokenAddress)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("TOKEN_ADDRESS: %w", err)
		}
		client, closeFn, err := erc20.Dial(ctx, cfg.EthRPCURL, erc20.Config{
			Token:        common.HexToAddress(token),
			PollInterval: cfg.ReceiptPollInterval,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, erc20.NormalizeAddress, closeFn, nil
	}

	balances, err := transfer.ParseBalances(cfg.SimBalances)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("SIM_BALANCES: %w", err)
	}
	return transfer.NewSimulated(balances), service.TrimIdentity, func() {}, nil
}
