package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/internal/api"
	"signalist/pkg/brokers/paper"
	"signalist/pkg/config"
	"signalist/pkg/crypto"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "signalist.db"))
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("PAPER_ONLY", "true")
	t.Setenv("MASTER_ENCRYPTION_KEY", "")
	t.Setenv("MASTER_ENCRYPTION_KEY_V2", "")
	t.Setenv("BOT_CATALOG", "")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("v-test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "signalist v-test\n", out)
}

func TestKeygenCommand(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)

	key := strings.TrimSpace(out)
	raw, err := base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, crypto.KeySize)

	_, err = crypto.NewKeyring(map[int]string{1: key})
	assert.NoError(t, err)
}

func TestTokenCommand(t *testing.T) {
	testConfig(t)

	out, err := execute(t, "token", "--user", "alice")
	require.NoError(t, err)

	var claims api.UserClaims
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), &claims, func(*jwt.Token) (any, error) {
		return []byte("cli-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	_, err = execute(t, "token")
	assert.Error(t, err)
}

func TestPaperCheck(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer

	require.NoError(t, runPaperCheck(context.Background(), cfg, "EURUSD", &out))
	for _, step := range []string{"initialize", "balance", "quote", "order", "state", "close", "health"} {
		assert.Contains(t, out.String(), "ok   "+step)
	}
}

func TestBuildAppPaperOnly(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(cfg, newLogger(cfg, &bytes.Buffer{}), "v-test")
	require.NoError(t, err)
	defer a.close()

	assert.Equal(t, []string{paper.Name}, a.pool.Brokers())
	st := a.engine.GetSystemStatus(context.Background())
	assert.True(t, st.PaperMode)
	assert.Equal(t, "v-test", st.Version)
	assert.NoError(t, a.syncCatalog(context.Background()))

	res, err := a.engine.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.UsersProcessed)
}

func TestBuildAppNeedsKeyOutsidePaperMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paper.Only = false

	_, err := buildApp(cfg, newLogger(cfg, &bytes.Buffer{}), "v-test")
	assert.ErrorIs(t, err, crypto.ErrNoKeys)
}

func TestSyncCatalogFromFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bot.CatalogPath = filepath.Join("testdata", "bots.yaml")
	a, err := buildApp(cfg, newLogger(cfg, &bytes.Buffer{}), "v-test")
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.syncCatalog(context.Background()))
	bots, err := a.engine.ListUserBots(context.Background(), "demo")
	require.NoError(t, err)
	require.Len(t, bots, 2)
}
