package watchlist

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrader/core/internal/database"
)

var watchlistTestDBCounter int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	n := atomic.AddInt64(&watchlistTestDBCounter, 1)

	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:watchlisttest%d?mode=memory&cache=shared", n), Profile: database.ProfileStandard, Name: "watchlist",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return New(db.Conn(), zerolog.Nop())
}

func TestStore_AddAndGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("user-1", "NSE_EQ|TEST"))
	require.NoError(t, s.Add("user-1", "NSE_EQ|OTHER"))

	items, err := s.Get("user-1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestStore_AddIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("user-1", "NSE_EQ|TEST"))
	require.NoError(t, s.Add("user-1", "NSE_EQ|TEST"))

	items, err := s.Get("user-1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestStore_Remove(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("user-1", "NSE_EQ|TEST"))
	require.NoError(t, s.Remove("user-1", "NSE_EQ|TEST"))

	items, err := s.Get("user-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStore_Keys(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("user-1", "NSE_EQ|TEST"))
	require.NoError(t, s.Add("user-1", "NSE_EQ|OTHER"))

	keys, err := s.Keys("user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"NSE_EQ|TEST", "NSE_EQ|OTHER"}, keys)
}

func TestStore_GetScopedPerUser(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("user-1", "NSE_EQ|TEST"))
	require.NoError(t, s.Add("user-2", "NSE_EQ|OTHER"))

	keys, err := s.Keys("user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"NSE_EQ|TEST"}, keys)
}
