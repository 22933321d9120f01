// Package worker provides async fraud processing and periodic sweeps.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/fraud"
)

// Worker consumes fraud events, redeemed coupons, and location updates
// from the EventBus and runs them through the fraud engine.
type Worker struct {
	bus    domain.EventBus
	engine *fraud.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// CompanyIDs is the list of companies to process.
	CompanyIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, engine *fraud.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given companies.
func (w *Worker) Start(cfg Config) error {
	for _, companyID := range cfg.CompanyIDs {
		if err := w.startCompanyWorker(companyID); err != nil {
			slog.Error("failed to start worker for company",
				"company_id", companyID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"company_count", len(cfg.CompanyIDs),
	)
	return nil
}

// startCompanyWorker subscribes one company's fraud pipeline topics.
func (w *Worker) startCompanyWorker(companyID string) error {
	sub, err := w.bus.Subscribe(w.ctx, companyID, domain.TopicFraudEvent, func(ctx context.Context, msg *domain.Message) error {
		return w.processFraudEvent(ctx, companyID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	// Every redemption is screened too.
	sub, err = w.bus.Subscribe(w.ctx, companyID, domain.TopicCouponRedeemed, func(ctx context.Context, msg *domain.Message) error {
		return w.processRedemption(ctx, companyID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	// Location updates feed the anomaly rules.
	sub, err = w.bus.Subscribe(w.ctx, companyID, domain.TopicLocationUpdated, func(ctx context.Context, msg *domain.Message) error {
		return w.processLocation(ctx, companyID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("company worker started",
		"company_id", companyID,
		"topics", []string{domain.TopicFraudEvent, domain.TopicCouponRedeemed, domain.TopicLocationUpdated},
	)
	return nil
}

// processFraudEvent runs a published fraud event through the engine.
func (w *Worker) processFraudEvent(ctx context.Context, companyID string, msg *domain.Message) error {
	var ev domain.FraudEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse fraud event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if msg.CompanyID != "" {
		companyID = msg.CompanyID
	}
	return w.check(ctx, companyID, &ev)
}

// check runs one event through the engine and logs the outcome.
func (w *Worker) check(ctx context.Context, companyID string, ev *domain.FraudEvent) error {
	start := time.Now()

	results, err := w.engine.CheckEvent(ctx, companyID, ev)
	if err != nil {
		slog.Error("fraud check failed",
			"company_id", companyID,
			"entity_id", ev.EntityID,
			"error", err,
		)
		return err
	}

	triggered := 0
	for _, r := range results {
		if r.Triggered {
			triggered++
		}
	}

	slog.Info("fraud event processed",
		"company_id", companyID,
		"entity_type", ev.EntityType,
		"entity_id", ev.EntityID,
		"rules_evaluated", len(results),
		"rules_triggered", triggered,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// processRedemption turns a redeemed coupon into a fraud event.
func (w *Worker) processRedemption(ctx context.Context, companyID string, msg *domain.Message) error {
	var c domain.Coupon
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		slog.Error("failed to parse redeemed coupon",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	ev := &domain.FraudEvent{
		EntityType: "redemption",
		EntityID:   c.ID,
		Context: map[string]any{
			"deviceId":    c.DeviceID,
			"promotionId": c.PromotionID,
			"customerId":  c.CustomerID,
			"code":        c.Code,
		},
	}
	if msg.CompanyID != "" {
		companyID = msg.CompanyID
	}
	return w.check(ctx, companyID, ev)
}

// processLocation turns a device location update into a fraud event.
func (w *Worker) processLocation(ctx context.Context, companyID string, msg *domain.Message) error {
	var loc struct {
		DeviceID  string  `json:"deviceId"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(msg.Payload, &loc); err != nil {
		slog.Error("failed to parse location update",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	ev := &domain.FraudEvent{
		EntityType: "location",
		EntityID:   loc.DeviceID,
		Context: map[string]any{
			"deviceId":  loc.DeviceID,
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
		},
	}
	if msg.CompanyID != "" {
		companyID = msg.CompanyID
	}
	return w.check(ctx, companyID, ev)
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
