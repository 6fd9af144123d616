package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finbask/finbask/api"
	"github.com/finbask/finbask/internal/config"
	"github.com/finbask/finbask/internal/custody"
	"github.com/finbask/finbask/internal/database"
	"github.com/finbask/finbask/internal/escrow"
	"github.com/finbask/finbask/internal/journal"
	"github.com/finbask/finbask/internal/registry"
	"github.com/finbask/finbask/internal/token"
	"github.com/finbask/finbask/internal/whitelist"
	"github.com/finbask/finbask/pkg/logger"
	"github.com/finbask/finbask/pkg/metrics"
	"github.com/finbask/finbask/pkg/models"
)

// Component accounts. The custody ledger and escrow hold assets under fixed
// addresses of their own, like contract accounts would.
var (
	custodyAddress = common.HexToAddress("0x000000000000000000000000000000000000C0DE")
	escrowAddress  = common.HexToAddress("0x000000000000000000000000000000000000E5C0")
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig(os.Getenv("FINBASK_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Connect the journal database
	var db *gorm.DB
	switch cfg.Database.Driver {
	case "postgres":
		db, err = database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLife)
	default:
		db, err = database.NewSQLiteDB(cfg.Database.DSN)
	}
	if err != nil {
		zapLogger.Fatal("Failed to connect journal database", zap.Error(err))
	}

	j, err := journal.New(zapLogger, db)
	if err != nil {
		zapLogger.Fatal("Failed to initialize journal", zap.Error(err))
	}

	// Whitelist capability
	var wl whitelist.Checker = whitelist.AllowAll{}
	if cfg.Whitelist.Mode == "static" {
		// The escrow account receives basket tokens on sell-order creation,
		// so it must be a member itself.
		members := make([]common.Address, 0, len(cfg.Whitelist.Members)+1)
		members = append(members, escrowAddress)
		for _, m := range cfg.Whitelist.Members {
			members = append(members, common.HexToAddress(m))
		}
		wl = whitelist.NewStatic(members...)
	}

	// Underlying asset ledgers and the native base asset
	native := token.NewLedger("NATIVE")
	assets := make(map[common.Address]token.Token, len(cfg.Basket.Assets))
	basketAssets := make([]models.AssetWeight, 0, len(cfg.Basket.Assets))
	for _, a := range cfg.Basket.Assets {
		weight, err := decimal.NewFromString(a.Weight)
		if err != nil {
			zapLogger.Fatal("Invalid asset weight", zap.String("asset", a.Symbol), zap.Error(err))
		}
		addr := common.HexToAddress(a.Token)
		assets[addr] = token.NewLedger(a.Symbol)
		basketAssets = append(basketAssets, models.AssetWeight{Token: addr, Weight: weight})
	}

	feeRate, err := decimal.NewFromString(cfg.Basket.FeeRate)
	if err != nil {
		zapLogger.Fatal("Invalid basket fee rate", zap.Error(err))
	}
	basketCfg := models.BasketConfig{
		Name:             cfg.Basket.Name,
		Symbol:           cfg.Basket.Symbol,
		Assets:           basketAssets,
		Arranger:         common.HexToAddress(cfg.Basket.Arranger),
		FeeRecipient:     common.HexToAddress(cfg.Basket.FeeRecipient),
		FeeRate:          feeRate,
		WhitelistEnabled: cfg.Basket.WhitelistEnabled,
	}

	custodySvc, err := custody.NewService(
		zapLogger, basketCfg, custodyAddress,
		assets, native, wl,
		registry.NewLogNotifier(zapLogger), j,
	)
	if err != nil {
		zapLogger.Fatal("Failed to create custody ledger", zap.Error(err))
	}

	escrowSvc := escrow.NewService(
		zapLogger, escrowAddress,
		common.HexToAddress(cfg.Escrow.Admin),
		native,
		escrow.StaticBaskets{custodyAddress: custodySvc},
		wl, j,
	)
	escrowFeeRate, err := decimal.NewFromString(cfg.Escrow.FeeRate)
	if err != nil {
		zapLogger.Fatal("Invalid escrow fee rate", zap.Error(err))
	}
	if escrowFeeRate.Sign() > 0 {
		ctx := context.Background()
		admin := common.HexToAddress(cfg.Escrow.Admin)
		if err := escrowSvc.ChangeTransactionFeeRecipient(ctx, admin, common.HexToAddress(cfg.Escrow.FeeRecipient)); err != nil {
			zapLogger.Fatal("Failed to set escrow fee recipient", zap.Error(err))
		}
		if err := escrowSvc.ChangeTransactionFee(ctx, admin, escrowFeeRate); err != nil {
			zapLogger.Fatal("Failed to set escrow fee rate", zap.Error(err))
		}
	}

	// Metrics registry
	promRegistry := prometheus.NewRegistry()
	metrics.RegisterAll(promRegistry)

	// API server
	server := api.NewServer(zapLogger, custodySvc, escrowSvc, j, promRegistry)

	// Start server in a goroutine
	go func() {
		if err := server.Start(cfg.Server.Addr); err != nil {
			zapLogger.Fatal("API server stopped", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down API server", zap.Error(err))
	}
}
