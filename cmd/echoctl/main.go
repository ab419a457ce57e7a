// Command echoctl provisions API keys, balances, app markups and free-tier
// pools directly in the gateway database.
//
// Usage:
//
//	echoctl key create <user> <app> [name]     # Print a new API key (shown once)
//	echoctl key list <user>
//	echoctl key revoke <user> <key-id>
//	echoctl credit <user> <usd>                # Add to a user's paid balance
//	echoctl markup <app> <markup> [referral]   # Set an app's ratios (>= 1)
//	echoctl pool <app> <total-usd> [per-user-usd]
//	echoctl referral <app> <user> <referrer> [code]
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/auth"
	"github.com/mbd888/echo/internal/idgen"
	"github.com/mbd888/echo/internal/ledger"
	"github.com/mbd888/echo/internal/validation"
)

var errUsage = errors.New("usage: echoctl key|credit|markup|pool|referral ...")

func main() {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL environment variable is required")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := ledger.NewPostgresStore(db)
	keys := auth.NewManager(auth.NewPostgresStore(db), store, decimal.NewFromInt(1))

	if err := run(ctx, os.Args[1:], keys, store); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, keys *auth.Manager, store ledger.Store) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "key":
		return runKey(ctx, args[1:], keys)
	case "credit":
		if len(args) != 3 {
			return errUsage
		}
		amount, err := parseAmount("usd", args[2], decimal.Zero)
		if err != nil {
			return err
		}
		if err := store.Credit(ctx, args[1], amount); err != nil {
			return err
		}
		bal, err := store.GetBalance(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(bal)
	case "markup":
		if len(args) < 3 {
			return errUsage
		}
		markup, err := parseAmount("markup", args[2], decimal.NewFromInt(1))
		if err != nil {
			return err
		}
		referral := decimal.NewFromInt(1)
		if len(args) > 3 {
			if referral, err = parseAmount("referral", args[3], decimal.NewFromInt(1)); err != nil {
				return err
			}
		}
		m := &ledger.AppMarkup{AppID: args[1], MarkupRatio: markup, ReferralRatio: referral, UpdatedAt: time.Now()}
		if err := store.SetMarkup(ctx, m); err != nil {
			return err
		}
		return printJSON(m)
	case "pool":
		if len(args) < 3 {
			return errUsage
		}
		total, err := parseAmount("total", args[2], decimal.Zero)
		if err != nil {
			return err
		}
		perUser := decimal.Zero
		if len(args) > 3 {
			if perUser, err = parseAmount("per-user", args[3], decimal.Zero); err != nil {
				return err
			}
		}
		pool := &ledger.SpendPool{
			ID: idgen.WithPrefix("sp_"), AppID: args[1], TotalAmount: total, PerUserCap: perUser, CreatedAt: time.Now(),
		}
		if err := store.CreateSpendPool(ctx, pool); err != nil {
			return err
		}
		return printJSON(pool)
	case "referral":
		if len(args) < 4 {
			return errUsage
		}
		ref := &ledger.ReferralCode{
			ID: idgen.WithPrefix("ref_"), Code: idgen.Hex(4), AppID: args[1], UserID: args[2], ReferrerID: args[3], CreatedAt: time.Now(),
		}
		if len(args) > 4 {
			ref.Code = args[4]
		}
		if errs := validation.Validate(validation.Required("referrer", ref.ReferrerID)); len(errs) > 0 {
			return errs
		}
		if err := store.CreateReferralCode(ctx, ref); err != nil {
			return err
		}
		return printJSON(ref)
	}
	return errUsage
}

func runKey(ctx context.Context, args []string, keys *auth.Manager) error {
	if len(args) < 2 {
		return errUsage
	}
	switch args[0] {
	case "create":
		if len(args) < 3 {
			return errUsage
		}
		name := "default"
		if len(args) > 3 {
			name = args[3]
		}
		raw, key, err := keys.GenerateKey(ctx, args[1], args[2], name)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"key": raw, "id": key.ID, "userId": key.UserID, "appId": key.AppID})
	case "list":
		list, err := keys.ListKeys(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(list)
	case "revoke":
		if len(args) != 3 {
			return errUsage
		}
		return keys.RevokeKey(ctx, args[2], args[1])
	}
	return errUsage
}

func parseAmount(field, raw string, min decimal.Decimal) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a number", field, raw)
	}
	if errs := validation.Validate(validation.AtLeast(field, d, min)); len(errs) > 0 {
		return decimal.Zero, errs
	}
	return d, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
