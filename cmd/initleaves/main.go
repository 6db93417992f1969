/*
main.go - One-shot paid leave balance initialisation

PURPOSE:
  Sets every user's paid leave balance to a default, with per-user
  overrides keyed by email or mobile number. Used when onboarding a team
  whose balances were tracked elsewhere.

COMMAND-LINE FLAGS:
  -env       .env file to load (default: .env, optional)
  -db        SQLite database path (default: DB_PATH or ./data/team-desk.db)
  -default   Balance for users without an override (default: 10)
  -set       email_or_mobile=balance, repeatable

EXAMPLES:
  ./initleaves -db=./data/team-desk.db -set user1@example.com=15.5 -set 9876543210=12
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/team-desk/store/sqlite"
	"github.com/warp/team-desk/workflow"
)

// overrides collects repeated -set flags.
type overrides map[string]decimal.Decimal

func (o overrides) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, k+"="+v.String())
	}
	return strings.Join(parts, ",")
}

func (o overrides) Set(s string) error {
	key, val, ok := strings.Cut(s, "=")
	key = strings.ToLower(strings.TrimSpace(key))
	if !ok || key == "" {
		return fmt.Errorf("expected email_or_mobile=balance, got %q", s)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("balance for %s: %w", key, err)
	}
	o[key] = d
	return nil
}

func main() {
	set := overrides{}
	envFile := flag.String("env", ".env", "Path to a .env file")
	dbPath := flag.String("db", "", "SQLite database path (default: DB_PATH)")
	def := flag.String("default", "10", "Balance for users without an override")
	flag.Var(set, "set", "email_or_mobile=balance (repeatable)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	n, err := run(log, *envFile, *dbPath, *def, set)
	if err != nil {
		log.WithError(err).WithField("updated", n).Error("balance initialisation failed")
		os.Exit(1)
	}
	log.WithField("updated", n).Info("balances initialised")
}

// run does the work so deferred cleanup happens before main exits.
func run(log logrus.FieldLogger, envFile, dbPath, def string, set overrides) (int, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("load %s: %w", envFile, err)
	}
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = "./data/team-desk.db"
	}

	defBalance, err := decimal.NewFromString(def)
	if err != nil {
		return 0, fmt.Errorf("invalid -default: %w", err)
	}

	st, err := sqlite.New(dbPath)
	if err != nil {
		return 0, fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	users := workflow.NewUserDirectory(st, log)
	return users.InitBalances(context.Background(), defBalance, set)
}
