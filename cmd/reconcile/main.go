package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/pocketmoney-api/internal/config"
	"github.com/ksred/pocketmoney-api/internal/server"
)

// init configures console logging for operator use
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// main lists ledger intents waiting for review, resolves one after it has
// been corrected by hand, or runs a single reconciliation pass
func main() {
	list := flag.Bool("list", false, "list intents awaiting manual review")
	resolve := flag.String("resolve", "", "ID of a reviewed intent to close")
	note := flag.String("note", "", "what was done to resolve the intent")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.State.Backend != "redis" {
		log.Warn().Msg("state backend is memory; idempotency keys held by a running API cannot be released from here")
	}

	gin.SetMode(gin.ReleaseMode)
	ctx := context.Background()
	app, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to release resources")
		}
	}()

	switch {
	case *list:
		intents, err := app.Reconciler.ListReview(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list intents")
			return
		}
		fmt.Printf("%-36s %-16s %-6s %-4s %8s %-8s %s\n", "INTENT", "USER", "SYMBOL", "SIDE", "QTY", "STEP", "REASON")
		for _, in := range intents {
			fmt.Printf("%-36s %-16s %-6s %-4s %8d %-8s %s\n",
				in.ID, in.OwnerID, in.Symbol, in.Side, in.Quantity, in.FailedStep, in.LastError)
		}

	case *resolve != "":
		if err := app.Reconciler.Resolve(ctx, *resolve, *note); err != nil {
			log.Error().Err(err).Str("intent_id", *resolve).Msg("Failed to resolve intent")
			return
		}
		log.Info().Str("intent_id", *resolve).Msg("Intent resolved")

	default:
		report, err := app.Reconciler.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Reconciliation pass failed")
			return
		}
		log.Info().
			Int("scanned", report.Scanned).
			Int("reconciled", report.Reconciled).
			Int("abandoned", report.Abandoned).
			Int("manual_review", report.ManualReview).
			Int64("unresolved", report.Unresolved).
			Msg("Reconciliation pass completed")
	}
}
