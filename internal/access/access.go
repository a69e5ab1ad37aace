// Package access keeps the registry of users who have interacted with the
// bot. It is the recipient set for broadcasts.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store is the persistence behind the tracker. *storage.DB implements it.
type Store interface {
	TrackUser(ctx context.Context, userID, joinedAt int64) error
	ListUserIDs(ctx context.Context) ([]int64, error)
	DeleteUser(ctx context.Context, userID int64) error
}

// Tracker records recipients.
type Tracker struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Tracker over store.
func New(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, now: time.Now, logger: logger.With("component", "access")}
}

// Track registers userID if it is not already known.
func (t *Tracker) Track(ctx context.Context, userID int64) error {
	if err := t.store.TrackUser(ctx, userID, t.now().Unix()); err != nil {
		return fmt.Errorf("track user: %w", err)
	}
	return nil
}

// List returns a snapshot of all recipients.
func (t *Tracker) List(ctx context.Context) ([]int64, error) {
	ids, err := t.store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return ids, nil
}

// Remove drops userID from the registry.
func (t *Tracker) Remove(ctx context.Context, userID int64) error {
	if err := t.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	t.logger.Info("pruned unreachable user", "user_id", userID)
	return nil
}
