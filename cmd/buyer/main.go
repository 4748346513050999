// cmd/buyer/main.go
// Buyer agent: either runs one purchase from the command line or serves
// purchase requests as an A2A agent.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"trpc.group/trpc-go/trpc-a2a-go/server"
	"trpc.group/trpc-go/trpc-a2a-go/taskmanager"

	"github.com/sage-x-project/sage-paywall/agents/buyer"
	"github.com/sage-x-project/sage-paywall/config"
	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/gateway"
	"github.com/sage-x-project/sage-paywall/internal/bootstrap"
	"github.com/sage-x-project/sage-paywall/ledger"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/store"
	"github.com/sage-x-project/sage-paywall/websocket"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	sellerURLs := flag.String("sellers", "http://localhost:3031", "Comma-separated seller base URLs")
	budgetFlag := flag.String("budget", "0", "Maximum price; 0 pays the list price without negotiating")
	description := flag.String("description", "a portrait of my corgi", "What to commission")
	invoiceID := flag.String("invoice", "", "Resume a purchase with this invoice id")
	serveA2A := flag.Bool("a2a", false, "Serve purchase requests as an A2A agent instead of buying once")
	host := flag.String("host", "localhost", "Host to listen on in A2A mode")
	port := flag.Int("port", env.BuyerPort, "Port to listen on in A2A mode")
	wsPort := flag.Int("ws-port", 0, "Port for the buyer activity feed (0 disables it)")
	demo := flag.Bool("demo", false, "Buy from in-process sellers on the in-memory ledger")
	demoFunds := flag.Int64("demo-funds", 100, "Tokens minted to the buyer in demo mode")
	flag.Parse()

	if err := logger.Configure(env.LogLevel, env.LogFormat, "buyer"); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.GetLogger()

	budget, err := decimal.NewFromString(*budgetFlag)
	if err != nil || budget.IsNegative() {
		log.Fatalf("invalid --budget %q", *budgetFlag)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *demo {
		env.Ledger = "memory"
	}
	rt, err := bootstrap.Open(ctx, env, log)
	if err != nil {
		log.Fatal("Failed to connect to the ledger", err)
	}
	defer rt.Close()

	signer, err := rt.Signer(bootstrap.RoleBuyer)
	if err != nil {
		log.Fatal("Failed to load buyer key", err)
	}

	sinks := []events.Sink{events.LogSink{Log: log}}
	var feed *websocket.ActivityServer
	if *wsPort > 0 {
		feed = websocket.NewActivityServer(*wsPort, websocket.WithLogger(log))
		if err := feed.Start(); err != nil {
			log.Fatal("Failed to start activity feed", err)
		}
		defer feed.Stop(context.Background())
		sinks = append(sinks, feed)
	}
	agent := buyer.NewAgent(rt.Ledger, signer, buyer.WithSink(events.Fanout(sinks...)), buyer.WithLogger(log))

	var sellers []buyer.Seller
	if *demo {
		rt.Mint(signer.Hex(), decimal.NewFromInt(*demoFunds))
		sellers, err = demoSellers(rt, env)
		if err != nil {
			log.Fatal("Failed to start demo sellers", err)
		}
	} else {
		for _, u := range strings.Split(*sellerURLs, ",") {
			if u = strings.TrimSpace(u); u != "" {
				sellers = append(sellers, buyer.NewSellerClient(u, nil))
			}
		}
	}
	if len(sellers) == 0 {
		log.Fatalf("no sellers configured")
	}

	processor := buyer.NewProcessor(agent, sellers, bootstrap.Model(log), budget, log)

	if *serveA2A {
		runA2A(ctx, processor, fmt.Sprintf("%s:%d", *host, *port), log)
		return
	}

	if *invoiceID != "" {
		res, err := agent.Purchase(ctx, sellers[0], buyer.PurchaseRequest{
			Budget:       budget,
			Requirements: *description,
			Payload:      map[string]interface{}{"description": *description},
			InvoiceID:    *invoiceID,
		})
		if err != nil {
			log.Fatal("Purchase failed", err)
		}
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		return
	}

	reply, err := processor.Handle(ctx, *description)
	if err != nil {
		log.Fatal("Purchase failed", err)
	}
	fmt.Println(reply)
}

func runA2A(ctx context.Context, processor *buyer.Processor, addr string, log *logger.Logger) {
	taskManager, err := taskmanager.NewMemoryTaskManager(processor)
	if err != nil {
		log.Fatal("Failed to create task manager", err)
	}
	a2aServer, err := server.NewA2AServer(buyer.AgentCard("http://"+addr+"/"), taskManager)
	if err != nil {
		log.Fatal("Failed to create A2A server", err)
	}

	go func() {
		log.Infof("Starting Buyer Agent server on %s", addr)
		if err := a2aServer.Start(addr); err != nil {
			log.Fatal("A2A server failed", err)
		}
	}()

	<-ctx.Done()
	log.Info("Received shutdown signal, stopping buyer agent...")
}

// demoSellers runs every configured listing in-process against the memory
// ledger. Each listing gets its own seller account.
func demoSellers(rt *bootstrap.Runtime, env *config.EnvConfig) ([]buyer.Seller, error) {
	listings, err := config.LoadListings(env.ListingsFile)
	if err != nil {
		return nil, err
	}
	sellers := make([]buyer.Seller, 0, len(listings))
	for i, listing := range listings {
		listing.Token = rt.Token
		signer, err := rt.Signer(bootstrap.RoleSeller)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			signer = ledger.AddressSigner(fmt.Sprintf("0x%040x", 0x51+i))
		}
		gen := &gateway.FileAssetGenerator{
			Dir:     env.AssetDir,
			BaseURL: "file://" + env.AssetDir,
			Style:   listing.Style,
		}
		gw, err := gateway.New(listing, rt.Ledger, store.NewMemoryStore(), signer, gen,
			gateway.WithAutoWithdraw(true), gateway.WithTokenSymbol("ENC"))
		if err != nil {
			return nil, err
		}
		sellers = append(sellers, buyer.LocalSeller{Gateway: gw})
	}
	return sellers, nil
}
