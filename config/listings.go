package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sage-x-project/sage-paywall/types"
)

// rawListing is a listing as written in the YAML file. Prices stay strings
// until the schema has accepted them.
type rawListing struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name,omitempty"`
	Style        string   `yaml:"style" json:"style"`
	Description  string   `yaml:"description" json:"description,omitempty"`
	ListingPrice string   `yaml:"listing_price" json:"listing_price"`
	FloorPrice   string   `yaml:"floor_price" json:"floor_price"`
	Token        string   `yaml:"token" json:"token"`
	Endpoint     string   `yaml:"endpoint" json:"endpoint,omitempty"`
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`
	NFT          bool     `yaml:"nft" json:"nft,omitempty"`
}

type listingsFile struct {
	Listings []rawListing `yaml:"listings"`
}

// LoadListings loads seller listings from YAML. ${VAR} references are
// expanded from the environment, so token addresses can come from .env.
func LoadListings(path string) ([]types.SellerListing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read listings file: %w", err)
	}
	return ParseListings(data)
}

// ParseListings parses and validates listings YAML.
func ParseListings(data []byte) ([]types.SellerListing, error) {
	var file listingsFile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse listings file: %w", err)
	}
	if len(file.Listings) == 0 {
		return nil, fmt.Errorf("listings file defines no listings")
	}

	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(file.Listings))
	out := make([]types.SellerListing, 0, len(file.Listings))
	for i, raw := range file.Listings {
		if err := v.ValidateListing(raw); err != nil {
			return nil, fmt.Errorf("listing %d (%s): %w", i, raw.ID, err)
		}
		if seen[raw.ID] {
			return nil, fmt.Errorf("duplicate listing id %q", raw.ID)
		}
		seen[raw.ID] = true

		listing := types.SellerListing{
			ID:           raw.ID,
			Name:         raw.Name,
			Style:        raw.Style,
			Description:  raw.Description,
			ListingPrice: decimal.RequireFromString(raw.ListingPrice),
			FloorPrice:   decimal.RequireFromString(raw.FloorPrice),
			Token:        raw.Token,
			Endpoint:     raw.Endpoint,
			Capabilities: raw.Capabilities,
			NFT:          raw.NFT,
		}
		if !listing.ListingPrice.IsPositive() {
			return nil, fmt.Errorf("listing %s: listing_price must be positive", raw.ID)
		}
		if listing.FloorPrice.GreaterThan(listing.ListingPrice) {
			return nil, fmt.Errorf("listing %s: floor_price %s exceeds listing_price %s", raw.ID, listing.FloorPrice, listing.ListingPrice)
		}
		out = append(out, listing)
	}
	return out, nil
}

// FindListing returns the listing with id.
func FindListing(listings []types.SellerListing, id string) (types.SellerListing, error) {
	for _, l := range listings {
		if l.ID == id {
			return l, nil
		}
	}
	return types.SellerListing{}, fmt.Errorf("listing %s not found", id)
}
