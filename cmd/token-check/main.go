package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/xiaozhi/devlink/pkg/auth"
	"github.com/xiaozhi/devlink/pkg/config"
	"github.com/xiaozhi/devlink/pkg/storage"
)

func main() {
	envFile := flag.String("env", ".env", "Path to .env file")
	configFile := flag.String("config", "", "Path to YAML config file")
	dbPath := flag.String("db", "", "Path to token database (overrides config)")
	purge := flag.Bool("purge", false, "Delete expired tokens")
	flag.Parse()

	fmt.Println("=== devlink Token Diagnostic ===")

	fmt.Println("1. Loading configuration:")

	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Printf("   ❌ Error loading .env: %v\n", err)
		} else {
			fmt.Printf("   ✓ Loaded %s\n", *envFile)
		}
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("   ❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	if *dbPath != "" {
		cfg.TokenDBPath = *dbPath
	}

	fmt.Printf("   ✓ Device: %s\n", cfg.BaseURL)

	fmt.Println()
	fmt.Println("2. Checking database tokens:")

	switch {
	case cfg.TokenDBPath == "":
		fmt.Println("   ℹ No token database configured (DEVLINK_TOKEN_DB_PATH)")
		recommend(cfg)

		return
	case cfg.SecretKeyBase == "":
		fmt.Println("   ❌ DEVLINK_SECRET_KEY_BASE is required to decrypt tokens")
		recommend(cfg)
		os.Exit(1)
	}

	if _, err := os.Stat(cfg.TokenDBPath); err != nil {
		fmt.Printf("   ℹ Database file not found: %s\n", cfg.TokenDBPath)
		fmt.Println("   (This is normal if devlink hasn't logged in yet)")
		recommend(cfg)

		return
	}

	store, err := storage.NewTokenStore(cfg.TokenDBPath, cfg.SecretKeyBase)
	if err != nil {
		fmt.Printf("   ❌ Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	records, err := store.List()
	if err != nil {
		fmt.Printf("   ❌ Failed to read tokens: %v\n", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		fmt.Println("   ℹ No tokens found in database")
	}

	valid, expired := 0, 0

	for _, rec := range records {
		active := rec.Key == cfg.TokenKey
		if printRecord(rec, active) {
			valid++
		} else {
			expired++
		}
	}

	if len(records) > 0 {
		fmt.Printf("   Summary: %d total tokens (%d valid, %d expired)\n", len(records), valid, expired)
	}

	if *purge && expired > 0 {
		if err := store.CleanupExpiredTokens(); err != nil {
			fmt.Printf("   ❌ Failed to purge expired tokens: %v\n", err)
		} else {
			fmt.Printf("   ✓ Purged %d expired tokens\n", expired)
		}
	}

	recommend(cfg)
}

// printRecord prints one token and reports whether it is still valid.
func printRecord(rec storage.Record, active bool) bool {
	now := time.Now()
	isExpired := !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now)

	status, statusText := "✓", "valid"
	if isExpired {
		status, statusText = "✗", "expired"
	}

	marker := ""
	if active {
		marker = " [active key]"
	}

	fmt.Printf("   %s %s (%s)%s\n", status, rec.Key, statusText, marker)
	fmt.Printf("     - Updated: %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))

	switch {
	case rec.ExpiresAt.IsZero():
		fmt.Println("     - Expires: never (opaque token)")
	case isExpired:
		fmt.Printf("     - Expired %s ago\n", time.Since(rec.ExpiresAt).Round(time.Second))
	default:
		fmt.Printf("     - Expires in %s\n", time.Until(rec.ExpiresAt).Round(time.Second))
	}

	if claims, err := auth.ParseUnverified(rec.Token); err == nil {
		fmt.Printf("     - Subject: %s\n", claims.Subject)

		if claims.Username != "" {
			fmt.Printf("     - Username: %s\n", claims.Username)
		}
	} else {
		fmt.Printf("     - Length: %d (not a JWT)\n", len(rec.Token))
	}

	fmt.Println()

	return !isExpired
}

func recommend(cfg *config.Config) {
	fmt.Println()
	fmt.Println("=== Recommendations ===")

	if cfg.SecretKeyBase == "" {
		fmt.Println("⚠  DEVLINK_SECRET_KEY_BASE not found in environment")
		fmt.Println("   Generate one with: openssl rand -hex 32")
		fmt.Println()
	}

	fmt.Println("To fix token issues:")
	fmt.Println("1. Set DEVLINK_TOKEN_DB_PATH and DEVLINK_SECRET_KEY_BASE")
	fmt.Println("2. Run 'devlink -user <name>' to log in to the device")
	fmt.Println("3. The token is persisted and reused until it expires")
}
