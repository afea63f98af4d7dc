// cmd/migrate/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/config"
	"github.com/unclebandit/marketplace-automation/internal/db"
	"github.com/unclebandit/marketplace-automation/internal/logger"
)

const usage = `usage: migrate [--config FILE] <command>

commands:
  up              apply every pending migration
  down N          roll back N migrations
  seed FILE...    run SQL files, each in its own transaction
`

type command struct {
	name  string
	steps int
	files []string
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, fmt.Errorf("missing command")
	}
	cmd := command{name: args[0]}
	switch cmd.name {
	case "up":
		if len(args) != 1 {
			return cmd, fmt.Errorf("up takes no arguments")
		}
	case "down":
		if len(args) != 2 {
			return cmd, fmt.Errorf("down needs the number of steps")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return cmd, fmt.Errorf("invalid step count %q", args[1])
		}
		cmd.steps = n
	case "seed":
		if len(args) < 2 {
			return cmd, fmt.Errorf("seed needs at least one file")
		}
		cmd.files = args[1:]
	default:
		return cmd, fmt.Errorf("unknown command %q", cmd.name)
	}
	return cmd, nil
}

// seedFiles executes each file inside its own transaction and stops at the
// first failure.
func seedFiles(ctx context.Context, conn *sql.DB, files []string, log *zap.Logger) error {
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		err = db.WithTx(ctx, conn, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, string(content))
			return err
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", file, err)
		}
		log.Info("seeded", zap.String("file", file))
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, cmd command, log *zap.Logger) error {
	switch cmd.name {
	case "up":
		return db.MigrateUp(cfg.Database.URL, log)
	case "down":
		return db.MigrateDown(cfg.Database.URL, cmd.steps, log)
	}
	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer conn.Close()
	return seedFiles(ctx, conn, cmd.files, log)
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n\n%s", err, usage)
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(context.Background(), cfg, cmd, log); err != nil {
		log.Fatal("migrate failed", zap.String("command", cmd.name), zap.Error(err))
	}
}
