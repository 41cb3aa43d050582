package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"PortfolioAutopilot/internal/store"
	"PortfolioAutopilot/internal/store/storetest"
)

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.NewSQLite(filepath.Join(t.TempDir(), "autopilot.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLite_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.db")
	s, err := store.NewSQLite(path)
	require.NoError(t, err)
	storetest.SeedTrigger(t, s, "eth-pump")
	require.NoError(t, s.Close())

	s, err = store.NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	storetest.RequireTrigger(t, s, "eth-pump")
}
