// Command reconcile runs one order/pixel reconciliation for a shop and prints the result
// as JSON. It is meant for cron jobs and support investigations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/internal/config"
	"github.com/Aidin1998/pixelverify/internal/reconcile"
	"github.com/Aidin1998/pixelverify/pkg/logger"
	"github.com/Aidin1998/pixelverify/pkg/models"
	"github.com/joho/godotenv"
)

type output struct {
	WindowHours int                         `json:"window_hours"`
	Result      models.ReconciliationResult `json:"result"`
	Advisory    string                      `json:"advisory"`
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	shop := flag.String("shop", "", "shop domain to reconcile")
	hours := flag.Int("hours", reconcile.DefaultWindowHours, "window in hours, clamped to [1,168]")
	summary := flag.Bool("summary", false, "print a one-line summary instead of JSON")
	flag.Parse()

	if *shop == "" {
		fmt.Fprintln(os.Stderr, "usage: reconcile -shop <domain> [-hours N] [-config file] [-summary]")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// logs go to stderr so stdout stays machine readable
	zapLogger, err := logger.NewLoggerTo(cfg.Log.Level, cfg.Log.Format, zapcore.Lock(os.Stderr))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := changesource.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	engine := reconcile.NewEngine(
		changesource.NewGormSource(db, cfg.Database.QueryTimeout),
		reconcile.Config{MaxRows: cfg.Reconcile.MaxRows},
		zapLogger,
	)

	window := reconcile.ClampWindowHours(*hours)
	result, err := engine.Reconcile(ctx, *shop, window)
	if err != nil {
		zapLogger.Fatal("Reconciliation failed", zap.String("shop_id", *shop), zap.Error(err))
	}

	if *summary {
		fmt.Println(reconcile.String(result))
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output{WindowHours: window, Result: result, Advisory: reconcile.Advisory}); err != nil {
		zapLogger.Fatal("Failed to write result", zap.Error(err))
	}
}
