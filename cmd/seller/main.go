// cmd/seller/main.go
// Seller agent: serves one listing behind the HTTP 402 paywall and streams
// its activity to the dashboard over WebSocket.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sage-x-project/sage-paywall/config"
	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/gateway"
	"github.com/sage-x-project/sage-paywall/internal/bootstrap"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/negotiation"
	"github.com/sage-x-project/sage-paywall/store"
	"github.com/sage-x-project/sage-paywall/websocket"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	listingID := flag.String("listing", env.SellerID, "Listing id from the listings file")
	port := flag.Int("port", env.SellerPort, "HTTP port for the paywall")
	wsPort := flag.Int("ws-port", env.WSPort, "Port for the activity feed (0 disables it)")
	symbol := flag.String("symbol", "ENC", "Token symbol shown in activity messages")
	flag.Parse()

	if err := logger.Configure(env.LogLevel, env.LogFormat, "seller"); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.GetLogger()

	listings, err := config.LoadListings(env.ListingsFile)
	if err != nil {
		log.Fatal("Failed to load listings", err)
	}
	if *listingID == "" && len(listings) == 1 {
		*listingID = listings[0].ID
	}
	listing, err := config.FindListing(listings, *listingID)
	if err != nil {
		log.Fatal("Failed to select listing (set SELLER_ID or --listing)", err)
	}
	log = log.WithField("listing_id", listing.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Open(ctx, env, log)
	if err != nil {
		log.Fatal("Failed to connect to the ledger", err)
	}
	defer rt.Close()
	if listing.Token == "" {
		listing.Token = rt.Token
	}
	if !strings.EqualFold(listing.Token, rt.Token) {
		log.Warnf("listing token %s differs from TOKEN_ADDRESS %s", listing.Token, rt.Token)
	}

	signer, err := rt.Signer(bootstrap.RoleSeller)
	if err != nil {
		log.Fatal("Failed to load seller key", err)
	}

	invoices, err := store.Open(ctx, env.StoreConfig(), log)
	if err != nil {
		log.Fatal("Failed to open invoice store", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := invoices.Close(closeCtx); err != nil {
			log.Error("Failed to close invoice store", err)
		}
	}()

	engine := negotiation.NewEngine()
	engine.MaxRounds = env.NegotiationMaxRounds
	engine.Log = log
	model := bootstrap.Model(log)
	if env.UseLLMPolicies && model != nil {
		engine.Buyer = &negotiation.LLMBuyer{Client: model, Fallback: negotiation.NewScheduleBuyer(), Log: log}
		engine.Seller = &negotiation.LLMSeller{Client: model, Fallback: negotiation.NewScheduleSeller(), Log: log}
		log.Info("negotiation policies are driven by the language model")
	}

	sinks := []events.Sink{events.LogSink{Log: log}}
	var feed *websocket.ActivityServer
	if *wsPort > 0 {
		feed = websocket.NewActivityServer(*wsPort, websocket.WithLogger(log))
		if err := feed.Start(); err != nil {
			log.Fatal("Failed to start activity feed", err)
		}
		sinks = append(sinks, feed)
	}

	baseURL := env.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", *port)
	}
	generator := &gateway.FileAssetGenerator{
		Dir:       env.AssetDir,
		BaseURL:   strings.TrimRight(baseURL, "/") + "/assets",
		Style:     listing.Style,
		Describer: model,
		Log:       log,
	}

	opts := []gateway.Option{
		gateway.WithEngine(engine),
		gateway.WithSink(events.Fanout(sinks...)),
		gateway.WithLogger(log),
		gateway.WithAutoWithdraw(env.AutoWithdraw),
		gateway.WithTokenSymbol(*symbol),
		gateway.WithTimeouts(env.LedgerTimeout, 0),
	}
	if listing.NFT {
		minter, owner, err := rt.Minter()
		if err != nil {
			log.Fatal("Failed to set up NFT minting", err)
		}
		if minter != nil {
			opts = append(opts, gateway.WithMinter(minter, owner))
		}
	}

	gw, err := gateway.New(listing, rt.Ledger, invoices, signer, generator, opts...)
	if err != nil {
		log.Fatal("Failed to create gateway", err)
	}

	validator, err := config.NewValidator()
	if err != nil {
		log.Fatal("Failed to load request schemas", err)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           gateway.NewServer(gw, validator, env.AssetDir).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"seller": signer.Hex(),
			"price":  listing.ListingPrice.String(),
			"ledger": rt.Ledger.Reference(),
		}).Infof("Starting seller on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Seller server failed", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down seller...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shut down HTTP server", err)
	}
	if feed != nil {
		if err := feed.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop activity feed", err)
		}
	}
}
