package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/aiatrade/pricestream/internal/config"
	"github.com/aiatrade/pricestream/internal/initializer"
	"github.com/aiatrade/pricestream/internal/stream"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

func main() {
	os.Exit(run())
}

// run executes the app and maps the outcome to an exit status: 0 for a
// clean shutdown, 1 for config or bootstrap failure, 2 for broker
// authentication failure, 3 for reconnect retries exhausted.
func run() int {
	cfgPath := flag.String("config", "./config/main.json", "path to the app JSON config file")
	broker := flag.String("broker", "", "broker to stream prices from, overrides the config value")
	ttl := flag.Int("ttl", 0, "stored price record TTL in seconds, overrides the config value")
	db := flag.Int("db", -1, "redis database number, overrides the config value")
	rows := flag.Int("rows", 0, "movement history rows per instrument, overrides the config value")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *broker != "" {
		cfg.Broker = *broker
	}
	if *ttl > 0 {
		cfg.TTL.PriceDataSec = *ttl
		cfg.TTL.PriceIndexSec = *ttl
	}
	if *db >= 0 {
		cfg.Connection.Redis.DB = *db
	}
	if *rows > 0 {
		cfg.Movement.Rows = *rows
	}
	if err = cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	creds, err := config.LoadSecrets(cfg.SecretsFile, cfg.Broker)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	mainCtx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = initializer.Start(mainCtx, &cfg, creds)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, stream.ErrAuth):
		fmt.Fprintln(os.Stderr, err)
		return 2
	case errors.Is(err, stream.ErrRetriesExhausted):
		fmt.Fprintln(os.Stderr, err)
		return 3
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}
