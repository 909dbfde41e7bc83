// Package watchlist implements the per-user watchlist: the set of
// instruments a user has pinned for quote streaming independent of whether
// they hold a position, persisted so the Subscription Broker can rebuild a
// client's bootstrap subscription set after a restart.
package watchlist

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/papertrader/core/internal/apperr"
	"github.com/papertrader/core/internal/domain"
)

// Store owns the watchlist_items table.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New builds a watchlist Store.
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "watchlist.Store").Logger()}
}

// Add pins instrumentKey to userID's watchlist. Idempotent: adding an
// already-pinned instrument is a no-op.
func (s *Store) Add(userID, instrumentKey string) error {
	_, err := s.db.Exec(
		`INSERT INTO watchlist_items (user_id, instrument_key, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, instrument_key) DO NOTHING`,
		userID, instrumentKey, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "WATCHLIST_ADD_FAILED", err)
	}
	return nil
}

// Remove unpins instrumentKey from userID's watchlist. Idempotent.
func (s *Store) Remove(userID, instrumentKey string) error {
	_, err := s.db.Exec(`DELETE FROM watchlist_items WHERE user_id = ? AND instrument_key = ?`, userID, instrumentKey)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "WATCHLIST_REMOVE_FAILED", err)
	}
	return nil
}

// Get returns every instrument pinned to userID's watchlist.
func (s *Store) Get(userID string) ([]domain.WatchlistItem, error) {
	rows, err := s.db.Query(
		`SELECT user_id, instrument_key, added_at FROM watchlist_items WHERE user_id = ? ORDER BY added_at`,
		userID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "WATCHLIST_READ_FAILED", err)
	}
	defer rows.Close()

	var items []domain.WatchlistItem
	for rows.Next() {
		var item domain.WatchlistItem
		var addedAt string
		if err := rows.Scan(&item.UserID, &item.InstrumentKey, &addedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "WATCHLIST_SCAN_FAILED", err)
		}
		item.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Keys returns just the instrument keys pinned to userID's watchlist, the
// shape the Subscription Broker's bootstrap subscribe wants.
func (s *Store) Keys(userID string) ([]string, error) {
	items, err := s.Get(userID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.InstrumentKey
	}
	return keys, nil
}
