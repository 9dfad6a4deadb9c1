package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/pkg/db"
)

const catalogYAML = `
bots:
  - user_id: alice
    bot_id: eur-cross
    broker: paper
    strategy: ma_cross
    symbol: EURUSD
    autostart: true
    params:
      fast: 5
      slow: 20
      quantity: 1000
  - user_id: bob
    bot_id: btc-mom
    broker: paper
    strategy: momentum
    symbol: BTCUSDT
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bots.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAndSyncCatalog(t *testing.T) {
	defs, err := LoadCatalog(writeCatalog(t, catalogYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.True(t, defs[0].Autostart)
	assert.Equal(t, 5, defs[0].Params["fast"])

	database, err := db.Open(":memory:")
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()
	require.NoError(t, SyncCatalog(ctx, database, DefaultRegistry(nil), defs))

	auto, err := database.ListAutostartBots(ctx)
	require.NoError(t, err)
	require.Len(t, auto, 1)
	assert.Equal(t, "eur-cross", auto[0].BotID)
	assert.Equal(t, 20.0, Params(auto[0].Params).Float("slow", 0))
}

func TestCatalogValidation(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, "bots:\n  - user_id: alice\n    bot_id: x\n"))
	assert.Error(t, err)

	defs := []BotDefinition{{UserID: "a", BotID: "b", Broker: "paper", Strategy: "martingale", Symbol: "X"}}
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	defer database.Close()
	err = SyncCatalog(context.Background(), database, DefaultRegistry(nil), defs)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
