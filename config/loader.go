package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sage-x-project/sage-paywall/store"
)

// EnvConfig holds environment variables
type EnvConfig struct {
	// Network Selection
	Network string

	// Local Network Configuration
	LocalRPCEndpoint string
	LocalChainID     int

	// Sepolia Configuration
	SepoliaRPCEndpoint string
	SepoliaChainID     int

	// Base Sepolia Configuration
	BaseSepoliaRPCEndpoint string
	BaseSepoliaChainID     int

	// Ethereum Configuration
	EthRPCEndpoint string
	EthChainID     int

	// Contracts
	RegistryAddress    string
	TokenAddress       string
	NFTContractAddress string

	// Keys
	SellerPrivateKey   string
	BuyerPrivateKey    string
	NFTOwnerPrivateKey string

	// Ledger backend: "evm" talks to the chain, "memory" runs an in-process registry
	Ledger        string
	LedgerTimeout time.Duration

	// Server Ports
	SellerPort int
	BuyerPort  int
	WSPort     int

	// Invoice store
	InvoiceStore     string
	InvoiceStorePath string
	MongoURI         string
	MongoDB          string
	DatabaseURL      string

	// Seller
	ListingsFile  string
	SellerID      string
	AssetDir      string
	PublicBaseURL string
	AutoWithdraw  bool

	// Negotiation
	NegotiationMaxRounds int
	UseLLMPolicies       bool

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadEnv loads environment variables
func LoadEnv() (*EnvConfig, error) {
	// Try to load .env file, ignore error if it doesn't exist
	_ = godotenv.Load()

	cfg := &EnvConfig{
		Network: getEnv("PAYWALL_NETWORK", "local"),

		LocalRPCEndpoint:       getEnv("LOCAL_RPC_ENDPOINT", "http://localhost:8545"),
		SepoliaRPCEndpoint:     getEnv("SEPOLIA_RPC_ENDPOINT", ""),
		BaseSepoliaRPCEndpoint: getEnv("BASE_SEPOLIA_RPC_ENDPOINT", "https://sepolia.base.org"),
		EthRPCEndpoint:         getEnv("ETH_RPC_ENDPOINT", ""),

		RegistryAddress: getEnv("REGISTRY_ADDRESS", getEnv("PAYMENT_REGISTRY_ADDRESS", "")),
		TokenAddress:    getEnv("TOKEN_ADDRESS", ""),

		NFTContractAddress: getEnv("NFT_CONTRACT_ADDRESS", ""),
		NFTOwnerPrivateKey: getEnv("NFT_OWNER_PRIVATE_KEY", getEnv("DEPLOYER_PRIVATE_KEY", "")),

		SellerPrivateKey: getEnv("SELLER_PRIVATE_KEY", ""),
		BuyerPrivateKey:  getEnv("BUYER_PRIVATE_KEY", ""),

		Ledger: strings.ToLower(getEnv("LEDGER", "evm")),

		InvoiceStore:     strings.ToLower(getEnv("INVOICE_STORE", store.BackendFile)),
		InvoiceStorePath: getEnv("INVOICE_STORE_PATH", "data/invoices.json"),
		MongoURI:         getEnv("MONGO_URI", ""),
		MongoDB:          getEnv("MONGO_DB", "paywall"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),

		ListingsFile:  getEnv("LISTINGS_FILE", "configs/listings.yaml"),
		SellerID:      getEnv("SELLER_ID", ""),
		AssetDir:      getEnv("ASSET_DIR", "data/assets"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	cfg.LocalChainID = getEnvInt("LOCAL_CHAIN_ID", 31337)
	cfg.SepoliaChainID = getEnvInt("SEPOLIA_CHAIN_ID", 11155111)
	cfg.BaseSepoliaChainID = getEnvInt("BASE_SEPOLIA_CHAIN_ID", 84532)
	cfg.EthChainID = getEnvInt("ETH_CHAIN_ID", 1)
	cfg.SellerPort = getEnvInt("SELLER_PORT", 3031)
	cfg.BuyerPort = getEnvInt("BUYER_PORT", 8086)
	cfg.WSPort = getEnvInt("WS_PORT", 8085)
	cfg.NegotiationMaxRounds = getEnvInt("NEGOTIATION_MAX_ROUNDS", 3)
	cfg.AutoWithdraw = getEnvBool("AUTO_WITHDRAW", false)
	cfg.UseLLMPolicies = getEnvBool("NEGOTIATION_USE_LLM", false)

	timeout, err := getEnvDuration("LEDGER_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.LedgerTimeout = timeout

	if cfg.Ledger != "evm" && cfg.Ledger != "memory" {
		return nil, fmt.Errorf("unsupported LEDGER %q (supported: evm, memory)", cfg.Ledger)
	}
	if cfg.NegotiationMaxRounds < 1 {
		return nil, fmt.Errorf("NEGOTIATION_MAX_ROUNDS must be at least 1, got %d", cfg.NegotiationMaxRounds)
	}
	return cfg, nil
}

// StoreConfig returns the invoice store settings.
func (c *EnvConfig) StoreConfig() store.Config {
	return store.Config{
		Backend:     c.InvoiceStore,
		Path:        c.InvoiceStorePath,
		MongoURI:    c.MongoURI,
		MongoDB:     c.MongoDB,
		DatabaseURL: c.DatabaseURL,
	}
}

// NetworkInfo is the resolved chain endpoint.
type NetworkInfo struct {
	Name            string
	RPCEndpoint     string
	ChainID         int
	RegistryAddress string
	TokenAddress    string
}

// GetNetworkInfo returns the RPC endpoint, chain id and contracts for network.
func GetNetworkInfo(network string, env *EnvConfig) (*NetworkInfo, error) {
	// If network is empty or "auto", use the configured network from env
	if network == "" || network == "auto" {
		network = env.Network
	}

	info := &NetworkInfo{RegistryAddress: env.RegistryAddress, TokenAddress: env.TokenAddress}
	switch strings.ToLower(network) {
	case "local", "localhost", "hardhat":
		info.Name, info.RPCEndpoint, info.ChainID = "local", env.LocalRPCEndpoint, env.LocalChainID
	case "sepolia":
		info.Name, info.RPCEndpoint, info.ChainID = "sepolia", env.SepoliaRPCEndpoint, env.SepoliaChainID
		if info.RPCEndpoint == "" {
			return nil, fmt.Errorf("SEPOLIA_RPC_ENDPOINT not set")
		}
	case "base-sepolia", "base_sepolia", "basesepolia":
		info.Name, info.RPCEndpoint, info.ChainID = "base-sepolia", env.BaseSepoliaRPCEndpoint, env.BaseSepoliaChainID
	case "ethereum", "eth", "mainnet":
		info.Name, info.RPCEndpoint, info.ChainID = "ethereum", env.EthRPCEndpoint, env.EthChainID
		if info.RPCEndpoint == "" {
			return nil, fmt.Errorf("ETH_RPC_ENDPOINT not set")
		}
	default:
		return nil, fmt.Errorf("unsupported network: %s (supported: local, sepolia, base-sepolia, ethereum)", network)
	}

	if info.RegistryAddress == "" {
		return nil, fmt.Errorf("REGISTRY_ADDRESS not set")
	}
	if info.TokenAddress == "" {
		return nil, fmt.Errorf("TOKEN_ADDRESS not set")
	}
	return info, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func expandEnvVars(s string) string {
	// Replace ${VAR_NAME} and ${VAR_NAME:-default} with environment variable values
	return os.Expand(s, func(key string) string {
		name, def, _ := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}
