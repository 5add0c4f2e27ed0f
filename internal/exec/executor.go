package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/state"

	"go.uber.org/zap"
)

var (
	// ErrOrderRejected means the venue refused the order. Rejections get the
	// same bounded retry as any other failure; when the budget runs out the
	// rejection surfaces as-is so the caller can unwind the affected pair.
	ErrOrderRejected = errors.New("order rejected")

	// ErrConnectivity marks a transport or authentication failure reported
	// by the gateway. Exhausting retries on it is the one condition that
	// escalates to ErrConnectivityFatal.
	ErrConnectivity = errors.New("connectivity error")

	// ErrConnectivityFatal means connectivity-classified failures exhausted
	// the retry budget. The caller must stop trading rather than re-plan.
	ErrConnectivityFatal = errors.New("connectivity failure")
)

// Gateway is the venue-facing order surface.
type Gateway interface {
	PlaceOrder(ctx context.Context, intent domain.OrderIntent) (string, error)
	CancelOrder(ctx context.Context, instrument domain.Instrument, orderID string) error
}

// Executor wraps a gateway with durable intent logging and idempotent
// placement. An intent is written to the append-only log before the first
// placement attempt; replays of the same client order id return the cached
// exchange order id instead of placing twice.
type Executor struct {
	gateway    Gateway
	intents    state.IntentLog
	store      state.Store
	log        *zap.Logger
	maxRetries int

	mu    sync.Mutex
	cache map[string]string
}

func NewExecutor(gateway Gateway, intents state.IntentLog, store state.Store, maxRetries int, log *zap.Logger) *Executor {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Executor{
		gateway:    gateway,
		intents:    intents,
		store:      store,
		log:        log,
		maxRetries: maxRetries,
		cache:      make(map[string]string),
	}
}

// Place logs the intent, then submits it. The log append is synchronous: if
// it fails, no order is sent.
func (e *Executor) Place(ctx context.Context, intent domain.OrderIntent) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", err
	}
	cacheKey := "cloid:" + intent.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}

	payload, err := EncodeIntent(IntentRecord{Intent: intent, LoggedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if _, err := e.intents.AppendIntent(ctx, payload); err != nil {
		return "", fmt.Errorf("intent log append: %w", err)
	}

	orderID, err := e.placeWithRetry(ctx, intent)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

// Cancel retries transient cancel failures with the same budget as placement.
func (e *Executor) Cancel(ctx context.Context, instrument domain.Instrument, orderID string) error {
	return e.retry(ctx, func() error {
		return e.gateway.CancelOrder(ctx, instrument, orderID)
	})
}

func (e *Executor) placeWithRetry(ctx context.Context, intent domain.OrderIntent) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.gateway.PlaceOrder(ctx, intent)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	var err error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == e.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	if errors.Is(err, ErrConnectivity) {
		return fmt.Errorf("%d attempts exhausted: %v: %w", e.maxRetries, err, ErrConnectivityFatal)
	}
	return fmt.Errorf("%d attempts exhausted: %w", e.maxRetries, err)
}
