// Package blacklist manages company-scoped blocked identifiers.
package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/repository"
)

// Store wraps the repository with the blacklist lifecycle: idempotent
// adds, effective-at-now checks and the expiry sweep.
type Store struct {
	repo domain.Repository
	bus  domain.EventBus

	now func() time.Time
}

// NewStore creates a blacklist store. bus may be nil.
func NewStore(repo domain.Repository, bus domain.EventBus) *Store {
	return &Store{
		repo: repo,
		bus:  bus,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Add inserts or reactivates an entry for (type, value). Adding an
// identifier that is already blacklisted refreshes the existing entry
// instead of failing.
func (s *Store) Add(ctx context.Context, companyID string, entry *domain.BlacklistEntry) error {
	if entry.Type == "" || entry.Value == "" {
		return fmt.Errorf("blacklist entry requires type and value")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CompanyID = companyID
	entry.Active = true
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	if err := s.repo.AddBlacklistEntry(ctx, companyID, entry); err != nil {
		return fmt.Errorf("failed to add blacklist entry: %w", err)
	}

	slog.Info("blacklist entry added",
		"company_id", companyID,
		"type", entry.Type,
		"value", entry.Value,
		"source_alert_id", entry.SourceAlertID,
	)

	if s.bus != nil {
		payload, merr := json.Marshal(entry)
		if merr == nil {
			merr = s.bus.Publish(ctx, companyID, domain.TopicBlacklistAdded, payload)
		}
		if merr != nil {
			slog.Warn("failed to publish blacklist event", "error", merr)
		}
	}
	return nil
}

// IsBlocked reports whether (type, value) is actively blacklisted right now.
// Expired or deactivated entries do not block.
func (s *Store) IsBlocked(ctx context.Context, companyID string, typ domain.BlacklistType, value string) (bool, error) {
	entry, err := s.repo.GetBlacklistEntry(ctx, companyID, typ, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up blacklist entry: %w", err)
	}
	return entry.Effective(s.now()), nil
}

// List returns every entry for the company, active or not.
func (s *Store) List(ctx context.Context, companyID string) ([]*domain.BlacklistEntry, error) {
	return s.repo.ListBlacklistEntries(ctx, companyID)
}

// Sweep deactivates entries whose expiry has passed and returns how many
// changed. Running it twice is harmless.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeactivateExpiredBlacklist(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("blacklist sweep failed: %w", err)
	}
	if n > 0 {
		slog.Info("blacklist sweep deactivated entries", "count", n)
	}
	return n, nil
}
