package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"genstudio/internal/domain"
	"genstudio/internal/identity"
	"genstudio/internal/infra"
	"genstudio/internal/ledger"
)

func main() {
	var (
		customerFlag string
		deviceFlag   string
		deltaFlag    float64
		reasonFlag   string
		refFlag      string
		graceFlag    int
	)
	flag.StringVar(&customerFlag, "customer", "", "customer id to adjust")
	flag.StringVar(&deviceFlag, "device", "", "device id to adjust when there is no customer id")
	flag.Float64Var(&deltaFlag, "delta", 0, "whole number of credits to add (negative to deduct)")
	flag.StringVar(&reasonFlag, "reason", "manual adjustment", "reason recorded on the ledger entry")
	flag.StringVar(&refFlag, "ref", "", "idempotency reference; a repeated ref is a no-op (default: random)")
	flag.IntVar(&graceFlag, "grace-days", 365, "expiry extension for positive adjustments")
	flag.Parse()

	handle, err := identity.Resolve(identity.Hints{CustomerID: customerFlag, DeviceID: deviceFlag})
	if err != nil {
		exitWithError(errors.New("either -customer or -device must be provided"))
	}
	if deltaFlag == 0 {
		exitWithError(errors.New("-delta must not be zero"))
	}
	ref := strings.TrimSpace(refFlag)
	if ref == "" {
		ref = uuid.NewString()
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	svc := ledger.NewService(ledger.NewPGStore(infra.NewSQLRunner(pool, logger)), ledger.Options{
		GraceDays: graceFlag,
		Logger:    &logger,
	})

	res, err := svc.Adjust(ctx, ledger.Adjustment{
		Handle:  handle,
		Delta:   deltaFlag,
		Reason:  reasonFlag,
		Source:  "cli",
		RefType: domain.RefManual,
		RefID:   ref,
	})
	if err != nil {
		exitWithError(err)
	}
	if res.Duplicate {
		fmt.Printf("%s: ref %s already applied, balance %d\n", handle, ref, res.Balance)
		return
	}
	fmt.Printf("%s: %d -> %d (ref %s)\n", handle, res.Before, res.After, ref)
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "credits: %v\n", err)
	os.Exit(1)
}
