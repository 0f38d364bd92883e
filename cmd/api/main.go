package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/gateway"
	"escrowflow/listing"
	"escrowflow/notify"
	"escrowflow/payment"
)

func main() {
	// A missing .env is fine in deployed environments.
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Error("bootstrap database pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	var operatorEmails []string
	if raw := os.Getenv("OPERATOR_EMAILS"); raw != "" {
		operatorEmails = strings.Split(raw, ",")
	}

	gw := gateway.NewStripeGateway(os.Getenv("STRIPE_SECRET_KEY"))
	notifier := notify.NewNotifier(pool, log)
	listingRepo := listing.NewRepository(pool)

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret, operatorEmails)
	paymentService := payment.NewService(pool, payment.NewStore(pool), gw, listingRepo, notifier)
	disputeStore := dispute.NewStore(pool)
	disputeService := dispute.NewService(pool, disputeStore, gw, authService, notifier)

	server := &Server{
		authService:    authService,
		paymentService: paymentService,
		disputeService: disputeService,
		disputeStore:   disputeStore,
		notifier:       notifier,
		listingRepo:    listingRepo,
		log:            log,
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("api listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Error("http server", "err", err)
		os.Exit(1)
	}
}
