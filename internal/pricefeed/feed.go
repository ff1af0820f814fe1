// Package pricefeed supplies the latest observed price for an asset.
// The engine reads entry prices at open and exit prices at settlement
// through the Feed interface; where the prices come from is pluggable.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoPrice is returned when no price has been observed for an asset.
	ErrNoPrice = errors.New("pricefeed: no price for asset")

	// ErrInvalidPrice is returned when a non-positive price is supplied.
	ErrInvalidPrice = errors.New("pricefeed: price must be positive")
)

// Feed returns the latest price of an asset.
type Feed interface {
	CurrentPrice(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// Quote is a price observation.
type Quote struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Table is an in-memory Feed updated by pushes (the POST /prices handler
// or tests).
type Table struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewTable creates an empty price table.
func NewTable() *Table {
	return &Table{quotes: make(map[string]Quote)}
}

// Set records the latest price for an asset.
func (t *Table) Set(assetID string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s=%s", ErrInvalidPrice, assetID, price)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.quotes[assetID] = Quote{AssetID: assetID, Price: price, UpdatedAt: time.Now().UTC()}
	return nil
}

func (t *Table) CurrentPrice(_ context.Context, assetID string) (decimal.Decimal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	q, ok := t.quotes[assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, assetID)
	}
	return q.Price, nil
}

// Quotes returns every known quote.
func (t *Table) Quotes() []Quote {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Quote, 0, len(t.quotes))
	for _, q := range t.quotes {
		out = append(out, q)
	}
	return out
}

// PricesHash is the Redis hash an external oracle writes asset prices into
// (field = asset id, value = decimal string).
const PricesHash = "prices"

// RedisFeed reads prices from a Redis hash maintained by another process.
type RedisFeed struct {
	rdb *redis.Client
	key string
}

// NewRedisFeed creates a feed over the default prices hash.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb, key: PricesHash}
}

func (f *RedisFeed) CurrentPrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	raw, err := f.rdb.HGet(ctx, f.key, assetID).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, assetID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("hget %s: %w", assetID, err)
	}
	return parsePrice(assetID, raw)
}

func parsePrice(assetID, raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %s: %w", assetID, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s=%s", ErrInvalidPrice, assetID, raw)
	}
	return price, nil
}

// Fallback tries each feed in order and returns the first price found.
type Fallback []Feed

func (fs Fallback) CurrentPrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	err := fmt.Errorf("%w: %s", ErrNoPrice, assetID)
	for _, f := range fs {
		price, ferr := f.CurrentPrice(ctx, assetID)
		if ferr == nil {
			return price, nil
		}
		err = ferr
	}
	return decimal.Zero, err
}
