// Package fraud evaluates a company's active fraud rules against
// triggering events and raises alerts and auto-blocks.
package fraud

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openpromo/kestrel/internal/blacklist"
	"github.com/openpromo/kestrel/internal/domain"
)

// RuleResult records one rule's outcome for an event. Err carries an
// evaluation failure; a failed rule never aborts the remaining rules.
type RuleResult struct {
	RuleID    string          `json:"ruleId"`
	RuleType  domain.RuleType `json:"ruleType"`
	Triggered bool            `json:"triggered"`
	Evidence  map[string]any  `json:"evidence,omitempty"`
	AlertID   string          `json:"alertId,omitempty"`
	Err       string          `json:"error,omitempty"`
}

// Engine is a stateless decision layer over the repository. Rules are
// fetched per event so edits take effect immediately.
type Engine struct {
	repo  domain.Repository
	store *blacklist.Store
	bus   domain.EventBus
	cel   *celEvaluator

	now func() time.Time
}

// NewEngine creates a fraud engine. bus may be nil.
func NewEngine(repo domain.Repository, store *blacklist.Store, bus domain.EventBus) (*Engine, error) {
	cel, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		repo:  repo,
		store: store,
		bus:   bus,
		cel:   cel,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// CheckEvent evaluates every active rule of the company against the event,
// in rule-ID order. Which alerts fire does not depend on that order; it
// only makes runs reproducible.
func (e *Engine) CheckEvent(ctx context.Context, companyID string, ev *domain.FraudEvent) ([]RuleResult, error) {
	rules, err := e.repo.ListActiveFraudRules(ctx, companyID)
	if err != nil {
		return nil, err
	}

	results := make([]RuleResult, 0, len(rules))
	for _, rule := range rules {
		result := RuleResult{RuleID: rule.ID, RuleType: rule.Type}

		triggered, evidence, err := e.evaluate(ctx, companyID, rule, ev)
		if err != nil {
			slog.Error("fraud rule evaluation failed",
				"company_id", companyID,
				"rule_id", rule.ID,
				"rule_type", rule.Type,
				"error", err,
			)
			result.Err = err.Error()
			results = append(results, result)
			continue
		}

		result.Triggered = triggered
		result.Evidence = evidence
		if triggered {
			result.AlertID = e.react(ctx, companyID, rule, ev, evidence)
		}
		results = append(results, result)
	}
	return results, nil
}

func (e *Engine) evaluate(ctx context.Context, companyID string, rule *domain.FraudRule, ev *domain.FraudEvent) (bool, map[string]any, error) {
	switch rule.Type {
	case domain.RuleVelocity:
		return e.evaluateVelocity(ctx, companyID, rule, ev)
	case domain.RuleDuplicateDevice:
		return e.evaluateDuplicateDevice(ctx, companyID, rule, ev)
	case domain.RuleLocationAnomaly:
		return e.evaluateLocationAnomaly(ctx, companyID, rule, ev)
	case domain.RuleBlacklist:
		return e.evaluateBlacklist(ctx, companyID, rule, ev)
	case domain.RuleBehaviorPattern:
		// No behavior model is wired; the kind resolves to no match.
		return false, nil, nil
	case domain.RuleCustom:
		return e.cel.evaluate(rule, ev)
	default:
		slog.Warn("unknown fraud rule type", "rule_id", rule.ID, "rule_type", rule.Type)
		return false, nil, nil
	}
}

// react applies the rule's autoAlert/autoBlock side effects and returns
// the created alert ID, if any.
func (e *Engine) react(ctx context.Context, companyID string, rule *domain.FraudRule, ev *domain.FraudEvent, evidence map[string]any) string {
	slog.Info("fraud rule triggered",
		"company_id", companyID,
		"rule_id", rule.ID,
		"rule_type", rule.Type,
		"entity_type", ev.EntityType,
		"entity_id", ev.EntityID,
	)

	var alertID string
	if rule.AutoAlert {
		alert := &domain.FraudAlert{
			ID:         uuid.NewString(),
			CompanyID:  companyID,
			RuleID:     rule.ID,
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			Severity:   rule.Severity,
			Status:     domain.AlertPending,
			Confidence: domain.ConfidenceFor(rule.Severity),
			Evidence:   evidence,
			CreatedAt:  e.now(),
		}
		if err := e.repo.SaveFraudAlert(ctx, companyID, alert); err != nil {
			slog.Error("failed to save fraud alert", "rule_id", rule.ID, "error", err)
		} else {
			alertID = alert.ID
			if e.bus != nil {
				payload, merr := json.Marshal(alert)
				if merr == nil {
					merr = e.bus.Publish(ctx, companyID, domain.TopicFraudAlert, payload)
				}
				if merr != nil {
					slog.Warn("failed to publish fraud alert", "error", merr)
				}
			}
		}
	}

	if rule.AutoBlock {
		e.autoBlock(ctx, companyID, rule, ev, evidence, alertID)
	}
	return alertID
}

// autoBlock blacklists the ipAddress/deviceId present in the evidence
// (falling back to the event context). Adds are idempotent, so concurrent
// triggering alerts cannot produce duplicates.
func (e *Engine) autoBlock(ctx context.Context, companyID string, rule *domain.FraudRule, ev *domain.FraudEvent, evidence map[string]any, alertID string) {
	targets := []struct {
		key string
		typ domain.BlacklistType
	}{
		{"ipAddress", domain.BlacklistIP},
		{"deviceId", domain.BlacklistDevice},
	}

	for _, target := range targets {
		value, ok := ctxString(evidence, target.key)
		if !ok {
			value, ok = ctxString(ev.Context, target.key)
		}
		if !ok {
			continue
		}

		blocked, err := e.store.IsBlocked(ctx, companyID, target.typ, value)
		if err != nil {
			slog.Error("auto-block lookup failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if blocked {
			continue
		}

		entry := &domain.BlacklistEntry{
			Type:          target.typ,
			Value:         value,
			Reason:        "auto-block: " + rule.Name,
			SourceAlertID: alertID,
		}
		if err := e.store.Add(ctx, companyID, entry); err != nil {
			slog.Error("auto-block add failed", "rule_id", rule.ID, "error", err)
		}
	}
}
