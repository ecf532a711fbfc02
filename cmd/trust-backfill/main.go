package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
	"bitbucket.org/mmdatafocus/property_backend/trust"
)

func main() {
	companyId := flag.String("company", "", "Company ID to backfill (optional; default = all)")
	limit := flag.Int("limit", 0, "Stop after this many qualifying properties (0 = no limit)")
	dryRun := flag.Bool("dry-run", false, "Print actions without acquiring the lease or writing")
	status := flag.Bool("status", false, "Print the current backfill state and exit")
	flag.Parse()

	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := config.ConnectDatabase(cfg)
	if err != nil {
		logger.WithError(err).Fatal("connecting to database")
	}
	if err := models.MigrateTables(db); err != nil {
		logger.WithError(err).Fatal("migrating tables")
	}

	engine := trust.NewEngine(trust.Options{
		DB:          db,
		Logger:      logger,
		TxSupported: cfg.TxSupported,
	})

	if *status {
		state, err := engine.BackfillStatus(ctx)
		if err != nil {
			logger.WithError(err).Fatal("reading backfill state")
		}
		if state == nil {
			fmt.Println("no backfill has run yet")
			return
		}
		printJSON(state)
		return
	}

	report, err := engine.RunBackfill(ctx, trust.BackfillOptions{
		CompanyId: strings.TrimSpace(*companyId),
		Limit:     *limit,
		DryRun:    *dryRun,
	})
	if err != nil {
		if report != nil {
			printJSON(report)
		}
		logger.WithError(err).Fatal("backfill run failed")
	}
	printJSON(report)
	if !report.Completed {
		fmt.Fprintf(os.Stderr, "run stopped at cursor %d; rerun to continue\n", report.Cursor)
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}
