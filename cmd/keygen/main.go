package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/af-corp/operator-gateway/internal/auth"
	"github.com/jackc/pgx/v5"
)

func main() {
	account := flag.String("account", "", "owning account ID (required)")
	name := flag.String("name", "", "human-friendly token name (required)")
	env := flag.String("env", "prod", "environment prefix")
	rpm := flag.Int("rpm", 0, "per-token requests per minute (0 = gateway default)")
	providers := flag.String("providers", "", "comma-separated provider ids the token may use (empty = all)")
	expires := flag.String("expires", "365d", "expiry duration (e.g., 365d, 720h)")
	dbURL := flag.String("db-url", "", "database URL (overrides env)")
	flag.Parse()

	if *account == "" || *name == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -account and -name are required")
		os.Exit(1)
	}

	// Generate token
	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate token: %v", err)
	}

	keyHash := auth.HashKey(rawKey)
	keyPrefix := auth.KeyPrefix(rawKey)

	// Parse expiry
	dur, err := auth.ParseDuration(*expires)
	if err != nil {
		log.Fatalf("invalid expires: %v", err)
	}
	validUntil := time.Now().Add(dur)

	allowed := []string{}
	for _, p := range strings.Split(*providers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			allowed = append(allowed, p)
		}
	}
	allowedJSON, _ := json.Marshal(allowed)

	// Connect to database
	dsn := *dbURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		host := envOrDefault("DB_HOST", "localhost")
		port := envOrDefault("DB_PORT", "5432")
		u := envOrDefault("DB_USER", "gateway")
		pass := envOrDefault("DB_PASSWORD", "gateway-dev")
		dbname := envOrDefault("DB_NAME", "operator_gateway")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", u, pass, host, port, dbname)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	var keyID string
	err = conn.QueryRow(ctx, `
		INSERT INTO api_tokens (token_hash, token_prefix, account_id, name, rpm_limit, allowed_providers, valid_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, keyHash, keyPrefix, *account, *name, nilIfZero(*rpm), allowedJSON, validUntil).Scan(&keyID)
	if err != nil {
		log.Fatalf("failed to insert token: %v", err)
	}

	fmt.Println("=== Gateway API Token Generated ===")
	fmt.Println()
	fmt.Printf("  Token ID:     %s\n", keyID)
	fmt.Printf("  Token Prefix: %s\n", keyPrefix)
	fmt.Printf("  Account:      %s\n", *account)
	if len(allowed) > 0 {
		fmt.Printf("  Providers:    %s\n", strings.Join(allowed, ", "))
	}
	if *rpm > 0 {
		fmt.Printf("  RPM Limit:    %d\n", *rpm)
	}
	fmt.Printf("  Valid Until:  %s\n", validUntil.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  API Token (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("===================================")
}

func nilIfZero(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
