package buyer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"trpc.group/trpc-go/trpc-a2a-go/protocol"
	"trpc.group/trpc-go/trpc-a2a-go/server"
	"trpc.group/trpc-go/trpc-a2a-go/taskmanager"

	"github.com/sage-x-project/sage-paywall/llm"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/negotiation"
	"github.com/sage-x-project/sage-paywall/types"
)

// Processor exposes the buyer agent over A2A: a text request such as
// "paint my corgi in watercolor, budget 8" becomes a purchase from the best
// matching seller.
type Processor struct {
	agent         *Agent
	sellers       []Seller
	model         llm.Client
	defaultBudget decimal.Decimal
	log           *logger.Logger
}

// NewProcessor serves purchases from sellers. model may be nil.
func NewProcessor(agent *Agent, sellers []Seller, model llm.Client, defaultBudget decimal.Decimal, log *logger.Logger) *Processor {
	return &Processor{
		agent:         agent,
		sellers:       sellers,
		model:         model,
		defaultBudget: defaultBudget,
		log:           logger.Or(log).WithField("component", "buyer-a2a"),
	}
}

// ProcessMessage implements the taskmanager.MessageProcessor interface
func (p *Processor) ProcessMessage(
	ctx context.Context,
	message protocol.Message,
	options taskmanager.ProcessOptions,
	handle taskmanager.TaskHandler,
) (*taskmanager.MessageProcessingResult, error) {
	text := extractText(message)
	if text == "" {
		return textResult("input message must contain text."), nil
	}
	p.log.WithField("context_id", handle.GetContextID()).Infof("purchase request: %s", text)

	reply, err := p.Handle(ctx, text)
	if err != nil {
		p.log.Error("purchase failed", err)
		return textResult(describeFailure(err)), nil
	}
	return textResult(reply), nil
}

// Handle runs one text request and returns the reply.
func (p *Processor) Handle(ctx context.Context, text string) (string, error) {
	budget, ok := negotiation.ParseBudget(text)
	if !ok {
		budget = p.defaultBudget
	}

	quotes := make([]types.Quote, 0, len(p.sellers))
	bySeller := make(map[string]Seller, len(p.sellers))
	for _, s := range p.sellers {
		q, err := s.Quote(ctx)
		if err != nil {
			p.log.Warnf("seller unavailable: %v", err)
			continue
		}
		quotes = append(quotes, *q)
		bySeller[q.SellerID] = s
	}
	if len(quotes) == 0 {
		return "", errors.New("no seller is reachable")
	}

	chosen, err := SelectSeller(ctx, p.model, quotes, budget, text, p.log)
	if err != nil {
		return "", err
	}
	res, err := p.agent.Purchase(ctx, bySeller[chosen.SellerID], PurchaseRequest{
		ListingID:    chosen.SellerID,
		Budget:       budget,
		Requirements: text,
		Payload:      map[string]interface{}{"description": text, "style": chosen.Style},
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Purchased %s artwork from %s", chosen.Style, chosen.SellerID)
	if res.Receipt != nil {
		fmt.Fprintf(&b, " for %s", res.Receipt.Amount)
	}
	if res.Negotiation != nil && res.Negotiation.Savings.IsPositive() {
		fmt.Fprintf(&b, " (saved %s over %d rounds)", res.Negotiation.Savings, res.Negotiation.Rounds)
	}
	fmt.Fprintf(&b, ".\nAsset: %s\nInvoice: %s", res.AssetURL, res.InvoiceID)
	if res.Payment != nil && res.Payment.TxHash != "" {
		fmt.Fprintf(&b, "\nPayment tx: %s", res.Payment.TxHash)
	}
	return b.String(), nil
}

func describeFailure(err error) string {
	switch {
	case errors.Is(err, types.ErrNegotiationFailed):
		return "No price could be agreed within your budget: " + err.Error()
	case errors.Is(err, types.ErrInsufficientFunds):
		return "The buyer wallet cannot cover the invoice: " + err.Error()
	case errors.Is(err, types.ErrPaymentNotRecognized):
		return "Payment was sent but the seller did not recognize it; keep the invoice id and retry later: " + err.Error()
	default:
		return "Purchase failed: " + err.Error()
	}
}

func textResult(text string) *taskmanager.MessageProcessingResult {
	msg := protocol.NewMessage(
		protocol.MessageRoleAgent,
		[]protocol.Part{protocol.NewTextPart(text)},
	)
	return &taskmanager.MessageProcessingResult{Result: &msg}
}

// extractText extracts the text content from a message
func extractText(message protocol.Message) string {
	var result strings.Builder
	for _, part := range message.Parts {
		if textPart, ok := part.(*protocol.TextPart); ok {
			result.WriteString(textPart.Text)
		}
	}
	return result.String()
}

func stringPtr(s string) *string { return &s }
func boolPtr(b bool) *bool       { return &b }

// AgentCard describes the buyer agent served at url.
func AgentCard(url string) server.AgentCard {
	return server.AgentCard{
		Name:        "Art Buyer Agent",
		Description: "Buys commissioned artwork from pay-gated sellers: negotiates, pays on-chain and returns the asset.",
		URL:         url,
		Version:     "1.0.0",
		Capabilities: server.AgentCapabilities{
			Streaming:              boolPtr(false),
			PushNotifications:      boolPtr(false),
			StateTransitionHistory: boolPtr(true),
		},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills: []server.AgentSkill{
			{
				ID:          "purchase",
				Name:        "Purchase artwork",
				Description: stringPtr("Negotiates with sellers, pays the invoice and delivers the artwork."),
				Tags:        []string{"payment", "negotiation", "x402"},
				Examples: []string{
					"Paint my corgi in watercolor, budget 8",
					"I want a cartoon portrait of my cat for under $5",
				},
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			},
		},
	}
}
