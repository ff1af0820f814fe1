package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/contract-engine/internal/model"
)

// Change tables.
const (
	TableBalances      = "balances"
	TableOpenContracts = "open_contracts"
	TableTradeHistory  = "trade_history"
	TableSettings      = "system_settings"
)

// Change operations.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ChangeEvent describes a committed ledger write. Subscribers treat it as a
// hint to refetch; it never carries the new values themselves.
type ChangeEvent struct {
	Table      string        `json:"table"`
	Op         string        `json:"op"`
	UserID     string        `json:"user_id,omitempty"`
	Account    model.Account `json:"account,omitempty"`
	ContractID string        `json:"contract_id,omitempty"`
	At         time.Time     `json:"at"`
}

// Broker fans ledger change events out to subscribers.
type Broker interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	// Subscribe returns a channel of events that is closed when ctx ends.
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}

const subscriberBuffer = 256

// MemoryBroker is an in-process Broker. Slow subscribers drop events rather
// than block publishers.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[chan ChangeEvent]struct{}
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[chan ChangeEvent]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, ev ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("change subscriber slow, dropping event", "table", ev.Table, "user", ev.UserID)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// ChangesChannel is the Redis pub/sub channel carrying ledger changes.
const ChangesChannel = "ledger:changes"

// RedisBroker distributes change events across engine instances over Redis
// pub/sub.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker creates a broker on the given Redis client.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, ChangesChannel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	sub := b.rdb.Subscribe(ctx, ChangesChannel)
	// Wait for the subscription confirmation so early publishes are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan ChangeEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeChange(msg.Payload)
				if err != nil {
					slog.Warn("bad change event", "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					slog.Warn("change subscriber slow, dropping event", "table", ev.Table, "user", ev.UserID)
				}
			}
		}
	}()
	return out, nil
}

func decodeChange(payload string) (ChangeEvent, error) {
	var ev ChangeEvent
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
