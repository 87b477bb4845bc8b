package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/relaycollab/internal/conflict"
	"github.com/agentworkforce/relaycollab/internal/docstore"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYCOLLAB_TEST_INT", "42")
	assert.Equal(t, 42, intEnv("RELAYCOLLAB_TEST_INT", 7))
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYCOLLAB_TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 7, intEnv("RELAYCOLLAB_TEST_INT_BAD", 7))
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYCOLLAB_TEST_DURATION", "150ms")
	assert.Equal(t, 150*time.Millisecond, durationEnv("RELAYCOLLAB_TEST_DURATION", time.Second))
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYCOLLAB_TEST_DURATION_BAD", "soon")
	assert.Equal(t, 2*time.Second, durationEnv("RELAYCOLLAB_TEST_DURATION_BAD", 2*time.Second))
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("RELAYCOLLAB_TEST_BOOL", "true")
	assert.True(t, boolEnv("RELAYCOLLAB_TEST_BOOL", false))
	t.Setenv("RELAYCOLLAB_TEST_BOOL_BAD", "maybe")
	assert.True(t, boolEnv("RELAYCOLLAB_TEST_BOOL_BAD", true))
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("RELAYCOLLAB_TEST_INT_UNSET")
	_ = os.Unsetenv("RELAYCOLLAB_TEST_DURATION_UNSET")
	assert.Equal(t, 9, intEnv("RELAYCOLLAB_TEST_INT_UNSET", 9))
	assert.Equal(t, int64(11), int64Env("RELAYCOLLAB_TEST_INT_UNSET", 11))
	assert.Equal(t, 3*time.Second, durationEnv("RELAYCOLLAB_TEST_DURATION_UNSET", 3*time.Second))
	assert.Equal(t, "x", stringEnv("RELAYCOLLAB_TEST_DURATION_UNSET", "x"))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaycollab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigLayersFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
store_dsn: "sqlite:///tmp/docs.db"
conflict:
  window: 2s
  auto_strategy: merge
  detect_data_conflicts: true
queue:
  max_concurrency: 9
  base_retry_delay: 250ms
hub:
  heartbeat_timeout: 45s
`)
	t.Setenv("RELAYCOLLAB_ADDR", ":7070")
	t.Setenv("RELAYCOLLAB_QUEUE_MAX_RETRIES", "6")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr, "env wins over file")
	assert.Equal(t, "sqlite:///tmp/docs.db", cfg.StoreDSN)
	assert.Equal(t, 2*time.Second, cfg.Conflict.Window)
	assert.Equal(t, string(conflict.StrategyMerge), cfg.Conflict.AutoStrategy)
	assert.True(t, cfg.Conflict.DetectDataConflicts)
	assert.Equal(t, 9, cfg.Queue.MaxConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BaseRetryDelay)
	assert.Equal(t, 6, cfg.Queue.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Hub.HeartbeatTimeout)
	assert.Equal(t, time.Hour, cfg.Conflict.ResolvedRetention, "defaults survive a partial file")
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "conflict:\n  auto_strategy: coin-flip\n"))
	assert.ErrorIs(t, err, conflict.ErrUnknownStrategy)

	_, err = loadConfig(writeConfig(t, "log_level: loud\n"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "addr: [not, a, string\n"))
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "addr: \":9090\"\nconflict:\n  auto_strategy: merge\n")
	t.Setenv("RELAYCOLLAB_STORE_DSN", "memory://")
	flags := &serveFlags{}
	cmd := newServeCommandWith(flags)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--auto-strategy", "first-write-wins", "--conflict-window", "3s"}))

	cfg, err := resolveConfig(cmd, flags)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "memory://", cfg.StoreDSN)
	assert.Equal(t, string(conflict.StrategyFirstWriteWins), cfg.Conflict.AutoStrategy)
	assert.Equal(t, 3*time.Second, cfg.Conflict.Window)
}

func testLogger() *log.Logger {
	logger := log.New(os.Stderr)
	logger.SetLevel(log.ErrorLevel)
	return logger
}

func TestBuildAppServesHealth(t *testing.T) {
	cfg := defaultConfig()
	cfg.StoreDSN = "memory://"
	cfg.AuditDSN = "memory://"
	a, err := buildApp(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close(context.Background()) })

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildAppRejectsUnknownStore(t *testing.T) {
	cfg := defaultConfig()
	cfg.StoreDSN = "redis://localhost"
	_, err := buildApp(cfg, testLogger())
	assert.Error(t, err)
}

func TestExternalFileEditsAreBroadcast(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.StoreDSN = "file://" + dir
	a, err := buildApp(cfg, testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = a.close(context.Background())
	})
	a.start(ctx)

	attempt := 0
	require.Eventually(t, func() bool {
		attempt++
		doc := docstore.Document{
			ID:      "ext-doc",
			Name:    "edited elsewhere",
			Format:  docstore.FormatText,
			Content: json.RawMessage(fmt.Sprintf("%q", fmt.Sprintf("revision %d", attempt))),
			Version: int64(attempt),
		}
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ext-doc.json"), data, 0o644))
		return a.hub.Stats().BroadcastTotal > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestBuildAppCountsConflicts(t *testing.T) {
	cfg := defaultConfig()
	cfg.StoreDSN = "memory://"
	a, err := buildApp(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close(context.Background()) })

	now := time.Now()
	update := func(id string, at time.Time) conflict.Operation {
		return conflict.Operation{
			ID: id, Kind: conflict.KindUpdate, TargetType: conflict.TargetNode, TargetID: "n1",
			DocumentID: "doc-1", ActorID: "a1", ActorClass: conflict.ActorAgent, Timestamp: at,
			Payload: map[string]any{"label": id},
		}
	}
	_, err = a.engine.Register(update("op-1", now))
	require.NoError(t, err)
	c, err := a.engine.Register(update("op-2", now.Add(time.Second)))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), a.conflictsDetected.Load())

	_, err = a.engine.Resolve(c.ID, conflict.StrategyLastWriteWins, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.conflictsResolved.Load())
}
