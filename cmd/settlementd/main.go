// Package main runs the confidential licensing settlement server.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	app "github.com/CLS-Network/settlement_layer/internal/app"
	"github.com/CLS-Network/settlement_layer/internal/app/attest"
	"github.com/CLS-Network/settlement_layer/internal/app/httpapi"
	"github.com/CLS-Network/settlement_layer/internal/app/services/coordinator"
	"github.com/CLS-Network/settlement_layer/internal/app/storage/postgres"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dsn := flag.String("postgres-dsn", "", "PostgreSQL DSN; in-memory stores when empty")
	oracleEndpoint := flag.String("oracle-endpoint", "", "Decryption oracle base URL")
	oracleKey := flag.String("oracle-key", "", "Bearer token for the decryption oracle")
	attestKeyHex := flag.String("attest-pubkey", "", "Hex-encoded ed25519 attestation public key")
	authTokens := flag.String("auth-tokens", "", "Comma-separated API bearer tokens; auth disabled when empty")
	rps := flag.Int("rate-limit", 0, "Per-client requests per second; 0 disables")
	flag.Parse()

	if v := os.Getenv("SETTLEMENT_ADDR"); v != "" {
		*addr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		*dsn = v
	}
	if v := os.Getenv("ORACLE_ENDPOINT"); v != "" {
		*oracleEndpoint = v
	}
	if v := os.Getenv("ORACLE_KEY"); v != "" {
		*oracleKey = v
	}
	if v := os.Getenv("ATTEST_PUBKEY"); v != "" {
		*attestKeyHex = v
	}
	if v := os.Getenv("AUTH_TOKENS"); v != "" {
		*authTokens = v
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*rps = parsed
		}
	}

	log := logger.NewDefault("settlementd")

	if *attestKeyHex == "" {
		log.Error("attestation public key is required (-attest-pubkey or ATTEST_PUBKEY)")
		os.Exit(1)
	}
	pub, err := hex.DecodeString(*attestKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		log.Error("attestation public key must be a hex-encoded ed25519 key")
		os.Exit(1)
	}
	verifier, err := attest.NewEd25519Verifier(ed25519.PublicKey(pub))
	if err != nil {
		log.WithError(err).Error("build attestation verifier")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stores app.Stores
	if *dsn != "" {
		store, err := postgres.Open(*dsn)
		if err != nil {
			log.WithError(err).Error("connect postgres")
			os.Exit(1)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			log.WithError(err).Error("ensure schema")
			os.Exit(1)
		}
		stores = app.Stores{
			Requests:   store,
			Sessions:   store,
			Agreements: store,
			Payments:   store,
			Refunds:    store,
			Events:     store,
		}
		log.Info("using postgres storage")
	} else {
		log.Warn("no postgres DSN configured; using in-memory storage")
	}

	var oracle coordinator.Oracle
	if *oracleEndpoint != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		oracle, err = coordinator.NewHTTPOracle(client, *oracleEndpoint, *oracleKey, log)
		if err != nil {
			log.WithError(err).Error("configure oracle client")
			os.Exit(1)
		}
	}

	application, err := app.New(stores, nil, verifier, oracle, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	var tokens []string
	if *authTokens != "" {
		tokens = strings.Split(*authTokens, ",")
	}
	handler := httpapi.NewHandler(application, httpapi.Options{
		AuthTokens:        tokens,
		RequestsPerSecond: *rps,
		Log:               log,
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", *addr).Info("settlement server listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("forced server close")
		_ = server.Close()
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop application")
	}
}
