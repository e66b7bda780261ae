package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"genstudio/internal/infra"
)

func main() {
	var listFlag bool
	flag.BoolVar(&listFlag, "list", false, "print the embedded migrations and exit")
	flag.Parse()

	_ = godotenv.Load()
	logger := infra.NewLogger("cli").With().Str("cmd", "migrate").Logger()

	migrations, err := infra.Migrations()
	if err != nil {
		logger.Fatal().Err(err).Msg("load migrations")
	}
	if listFlag {
		for _, m := range migrations {
			fmt.Println(m.Version)
		}
		return
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	applied, err := infra.Migrate(ctx, db, migrations, logger)
	if err != nil {
		logger.Fatal().Err(err).Strs("applied", applied).Msg("migrate failed")
	}
	if len(applied) == 0 {
		logger.Info().Msg("schema up to date")
		return
	}
	logger.Info().Strs("applied", applied).Msg("migrations applied")
}
